package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRetrier(maxRetries int) *Retrier {
	return NewRetrier(maxRetries, time.Millisecond, 1000, 1000, zap.NewNop())
}

func TestRetrierRecoversFromServerErrors(t *testing.T) {
	r := newTestRetrier(3)

	calls := 0
	resp, err := r.Do(context.Background(), "GET /users", func() (*APIResponse, error) {
		calls++
		if calls < 3 {
			return nil, &APIError{Kind: KindServer, Message: "upstream server error", StatusCode: 500}
		}
		return &APIResponse{Success: true}, nil
	})

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsAfterMaxRetries(t *testing.T) {
	r := newTestRetrier(2)

	calls := 0
	_, err := r.Do(context.Background(), "GET /users", func() (*APIResponse, error) {
		calls++
		return nil, &APIError{Kind: KindServer, Message: "upstream server error", StatusCode: 500}
	})

	require.Error(t, err)
	// Первый вызов + два повтора
	assert.Equal(t, 3, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindServer, apiErr.Kind)
}

func TestRetrierDoesNotRetryTerminalErrors(t *testing.T) {
	for _, kind := range []Kind{KindAuth, KindValidation, KindNotFound, KindClient} {
		t.Run(string(kind), func(t *testing.T) {
			r := newTestRetrier(3)

			calls := 0
			_, err := r.Do(context.Background(), "POST /users", func() (*APIResponse, error) {
				calls++
				return nil, &APIError{Kind: kind, Message: "terminal"}
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	r := newTestRetrier(1)

	start := time.Now()
	calls := 0
	resp, err := r.Do(context.Background(), "GET /users", func() (*APIResponse, error) {
		calls++
		if calls == 1 {
			return nil, &APIError{
				Kind:       KindRateLimit,
				Message:    "upstream rate limit exceeded",
				RetryAfter: 150 * time.Millisecond,
			}
		}
		return &APIResponse{Success: true}, nil
	})

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// Исчерпанный общий бюджет превращает ретраи в одиночные вызовы.
func TestRetrierBudgetExhausted(t *testing.T) {
	r := NewRetrier(5, time.Millisecond, 0, 1, zap.NewNop())

	calls := 0
	_, err := r.Do(context.Background(), "GET /users", func() (*APIResponse, error) {
		calls++
		return nil, &APIError{Kind: KindServer, Message: "upstream server error"}
	})

	require.Error(t, err)
	// Бюджет: burst 1 при нулевом пополнении — один повтор и стоп
	assert.Equal(t, 2, calls)
}

func TestRetrierContextCancellation(t *testing.T) {
	r := NewRetrier(10, time.Second, 1000, 1000, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := r.Do(ctx, "GET /users", func() (*APIResponse, error) {
			calls++
			return nil, &APIError{Kind: KindServer, Message: "upstream server error"}
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier did not stop after context cancellation")
	}
}
