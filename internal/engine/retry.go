package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Retrier повторяет транзиентные сбои вокруг всего конвейера запроса.
// Повторяются только Server и RateLimit; задержка — retry-after от
// upstream'а, если он его назвал, иначе экспоненциальный бэкофф.
type Retrier struct {
	attempts uint
	base     time.Duration

	// budget — общий для процесса бюджет ретраев: нестабильный upstream
	// не должен получать умноженный ретраями трафик
	budget *rate.Limiter
	logger *zap.Logger
}

func NewRetrier(maxRetries int, base time.Duration, budgetPerSecond float64, budgetBurst int, logger *zap.Logger) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if budgetBurst <= 0 {
		budgetBurst = 1
	}
	return &Retrier{
		attempts: uint(maxRetries) + 1, // первый вызов + maxRetries повторов
		base:     base,
		budget:   rate.NewLimiter(rate.Limit(budgetPerSecond), budgetBurst),
		logger:   logger.Named("retry"),
	}
}

// Do выполняет fn с повторами. Результат последнего вызова возвращается как есть.
func (r *Retrier) Do(ctx context.Context, endpoint string, fn func() (*APIResponse, error)) (*APIResponse, error) {
	var result *APIResponse

	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.base),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if !IsRetryable(err) {
				return false
			}
			// Бюджет исчерпан — дальше не повторяем
			if !r.budget.Allow() {
				r.logger.Warn("retry budget exhausted", zap.String("endpoint", endpoint))
				return false
			}
			return true
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если upstream назвал Retry-After — уважаем его
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimit && apiErr.RetryAfter > 0 {
				return apiErr.RetryAfter
			}

			// Иначе стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("retrying request",
				zap.String("endpoint", endpoint),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)

	retryErr := rt.Do(func() error {
		var callErr error
		result, callErr = fn()
		return callErr
	})

	if retryErr != nil {
		return nil, retryErr
	}
	return result, nil
}
