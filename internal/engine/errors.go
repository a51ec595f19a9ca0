package engine

import (
	"errors"
	"fmt"
	"time"
)

// Kind — класс ошибки API. По нему принимается решение о ретрае
// и выбирается реакция вызывающей стороны.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindClient     Kind = "client"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindCache      Kind = "cache"
)

// APIError — типизированная ошибка вызова upstream'а. Несет достаточно
// структурированного контекста (статус, retry-after, ошибки полей),
// чтобы вызывающая сторона выбрала свое лечение.
type APIError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Body       string

	// RetryAfter заполняется для KindRateLimit
	RetryAfter time.Duration
	// FieldErrors заполняется для KindValidation
	FieldErrors map[string]string
	// Resource/ResourceID заполняются для KindNotFound, если upstream их отдал
	Resource   string
	ResourceID string

	Cause error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// Is сравнивает ошибки по классу, чтобы работал errors.Is(err, &APIError{Kind: ...}).
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsRetryable: повторяем только Server и RateLimit. Auth, Validation,
// NotFound и Client терминальны — ретрай не изменит исход.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == KindServer || apiErr.Kind == KindRateLimit
}
