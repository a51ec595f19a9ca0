package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// defaultRetryAfter используется, когда 429 пришел без заголовка Retry-After.
const defaultRetryAfter = 60 * time.Second

// classifyTransportError переводит ошибку транспортного уровня в APIError.
func classifyTransportError(err error) *APIError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Kind: KindTimeout, Message: "request timed out", Cause: err}
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return &APIError{Kind: KindNetwork, Message: "connection failed", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &APIError{Kind: KindTimeout, Message: "request timed out", Cause: err}
		}
		return &APIError{Kind: KindNetwork, Message: "network error", Cause: err}
	}

	return &APIError{Kind: KindUnknown, Message: "request failed", Cause: err}
}

// classifyResponse применяет таблицу статусов к HTTP-ответу.
// Успешный пустой body — успех с data = null.
func classifyResponse(status int, body []byte, header http.Header, now time.Time) (*APIResponse, *APIError) {
	if status >= 200 && status < 300 {
		resp := &APIResponse{
			Success:    true,
			StatusCode: status,
			Timestamp:  now,
		}
		if len(body) == 0 {
			return resp, nil
		}
		if !json.Valid(body) {
			return nil, &APIError{
				Kind:       KindClient,
				Message:    "invalid response",
				StatusCode: status,
				Body:       string(body),
			}
		}
		resp.Data = json.RawMessage(body)
		return resp, nil
	}

	apiErr := &APIError{
		StatusCode: status,
		Body:       string(body),
	}

	switch {
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindAuth
		apiErr.Message = "authentication failed"

	case status == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimit
		apiErr.Message = "upstream rate limit exceeded"
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))

	case status == http.StatusNotFound:
		apiErr.Kind = KindNotFound
		apiErr.Message = "resource not found"
		// Если upstream отдал тип ресурса и ID — переносим в ошибку
		var payload struct {
			ResourceType string `json:"resource_type"`
			ID           string `json:"id"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Resource = payload.ResourceType
			apiErr.ResourceID = payload.ID
		}

	case status == http.StatusUnprocessableEntity:
		apiErr.Kind = KindValidation
		apiErr.Message = "validation failed"
		var payload struct {
			Errors map[string]string `json:"errors"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.FieldErrors = payload.Errors
		}

	case status >= 500:
		apiErr.Kind = KindServer
		apiErr.Message = "upstream server error"

	case status >= 400:
		apiErr.Kind = KindClient
		apiErr.Message = "client error"

	default:
		apiErr.Kind = KindUnknown
		apiErr.Message = "unexpected status"
	}

	return nil, apiErr
}

// parseRetryAfter поддерживает секунды и HTTP-дату; дефолт — 60s.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRetryAfter
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return defaultRetryAfter
}
