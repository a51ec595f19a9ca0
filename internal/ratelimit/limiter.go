package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter — скользящее окно допуска на логический ключ (обычно endpoint).
// Одна coarse-grained блокировка на всю мапу: операции O(размер окна),
// окна маленькие, конкуренция незаметна.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow решает, пускать ли запрос по ключу. При отказе возвращает время,
// через которое освободится слот (до целых секунд вверх).
// Первый запрос по незнакомому ключу всегда проходит.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	timestamps := l.windows[key]

	// Прунинг: граница окна считается «снаружи» (>= вместо >) —
	// в пограничном случае отдаем предпочтение доступности.
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) == 0 {
		// Окно опустело — ключ можно собрать, мапа не растет бесконечно
		delete(l.windows, key)
	}

	if len(kept) >= l.maxRequests {
		oldest := kept[0]
		retryAfter := oldest.Add(l.window).Sub(now)
		// Округляем вверх до секунды: так retry-after честен для клиента
		seconds := math.Ceil(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		l.windows[key] = kept
		return false, time.Duration(seconds) * time.Second
	}

	l.windows[key] = append(kept, now)
	return true, 0
}

// Keys возвращает число живых ключей (для диагностики).
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
