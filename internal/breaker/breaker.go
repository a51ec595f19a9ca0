package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Имена upstream'ов, под которые заводятся отдельные предохранители.
const (
	UpstreamAPI   = "api"
	UpstreamCache = "cache-backend"
	UpstreamPanel = "panel"
)

// historyLimit — глубина журнала переходов на один предохранитель.
const historyLimit = 50

// Config — пороги, общие для всех предохранителей рантайма.
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	HalfOpenLimit    uint32
}

// Transition — один зафиксированный переход состояния.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Metrics — снимок предохранителя для /status.
type Metrics struct {
	State               string       `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	TotalFailures       uint32       `json:"total_failures"`
	TotalSuccesses      uint32       `json:"total_successes"`
	LastFailure         time.Time    `json:"last_failure,omitempty"`
	History             []Transition `json:"history"`
}

// Breaker оборачивает gobreaker.TwoStepCircuitBreaker: сам автомат состояний
// живет в gobreaker, обертка ведет журнал переходов и время последнего сбоя.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
	history     []Transition
	// Счетчики за все время жизни: gobreaker обнуляет свои на каждой смене
	// поколения, поэтому lifetime-статистику ведем сами.
	totalFailures  uint32
	totalSuccesses uint32

	now func() time.Time
}

// New создает предохранитель для одного upstream.
// Асимметрия намеренная: один сбой в half-open открывает предохранитель
// заново, а для закрытия нужно HalfOpenLimit успехов подряд.
func New(name string, cfg Config, logger *zap.Logger, onChange func(name string, to gobreaker.State)) *Breaker {
	b := &Breaker{
		name:    name,
		history: make([]Transition, 0, historyLimit),
		now:     time.Now,
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenLimit,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.recordTransition(from, to)
			logger.Warn("circuit breaker state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(name, to)
			}
		},
	})

	return b
}

// Allow спрашивает предохранитель, можно ли выполнять запрос.
// Возвращаемый done обязателен к вызову ровно один раз с итогом запроса.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		b.mu.Lock()
		if success {
			b.totalSuccesses++
		} else {
			b.totalFailures++
			b.lastFailure = b.now()
		}
		b.mu.Unlock()
		done(success)
	}, nil
}

// Open сообщает, закрыт ли трафик прямо сейчас.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Metrics() Metrics {
	counts := b.cb.Counts()

	b.mu.Lock()
	history := make([]Transition, len(b.history))
	copy(history, b.history)
	m := Metrics{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		LastFailure:         b.lastFailure,
		History:             history,
	}
	b.mu.Unlock()

	return m
}

func (b *Breaker) recordTransition(from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) >= historyLimit {
		// Сдвигаем окно: храним только свежие переходы
		b.history = b.history[1:]
	}
	b.history = append(b.history, Transition{
		From: from.String(),
		To:   to.String(),
		At:   b.now(),
	})
}

// Registry держит предохранители по именам upstream'ов.
type Registry struct {
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, logger *zap.Logger, onChange func(name string, to gobreaker.State)) *Registry {
	names := []string{UpstreamAPI, UpstreamCache, UpstreamPanel}
	breakers := make(map[string]*Breaker, len(names))
	for _, name := range names {
		breakers[name] = New(name, cfg, logger, onChange)
	}
	return &Registry{breakers: breakers}
}

func (r *Registry) Get(name string) *Breaker {
	return r.breakers[name]
}

func (r *Registry) Metrics() map[string]Metrics {
	out := make(map[string]Metrics, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Metrics()
	}
	return out
}
