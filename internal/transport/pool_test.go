package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(maxSize int, acquireTimeout time.Duration) *Pool {
	return NewPool(maxSize, acquireTimeout, 30*time.Second, "test-agent/1.0", zap.NewNop())
}

func TestAcquireCreatesLazily(t *testing.T) {
	p := newTestPool(2, time.Second)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Available)

	p.Release(s)
	stats = p.Stats()
	assert.Equal(t, 1, stats.Available)
}

func TestSessionDefaultHeaders(t *testing.T) {
	p := newTestPool(1, time.Second)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "application/json", s.Headers.Get("Content-Type"))
	assert.Equal(t, "test-agent/1.0", s.Headers.Get("User-Agent"))
}

func TestExhaustionReportedNotRetried(t *testing.T) {
	p := newTestPool(1, 50*time.Millisecond)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	_, err = p.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(1, time.Second)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(s)
	}()

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, s2)
}

func TestConcurrentAcquireNeverExceedsMax(t *testing.T) {
	const maxSize = 4
	p := newTestPool(maxSize, time.Second)

	var inUse atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			cur := inUse.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			p.Release(s)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxSize))
	assert.LessOrEqual(t, p.Stats().Active, maxSize)
}

func TestReleaseAfterFailureDoesNotLeak(t *testing.T) {
	p := newTestPool(1, 100*time.Millisecond)

	// Имитация пути с ошибкой: сессия возвращается через defer в любом случае
	func() {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer p.Release(s)
		// "запрос" упал — выходим по ошибке
	}()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)
}

func TestDiscardFreesSlot(t *testing.T) {
	p := newTestPool(1, 100*time.Millisecond)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Discard(s)
	assert.Equal(t, 0, p.Stats().Active)

	// После Discard можно создать новую сессию
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	p := newTestPool(1, time.Minute)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
