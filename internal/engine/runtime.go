package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/k4lantar4/moonvpn-sub008/internal/breaker"
	"github.com/k4lantar4/moonvpn-sub008/internal/cache"
	"github.com/k4lantar4/moonvpn-sub008/internal/diagnostics"
	"github.com/k4lantar4/moonvpn-sub008/internal/infra"
	"github.com/k4lantar4/moonvpn-sub008/internal/infra/auth"
	"github.com/k4lantar4/moonvpn-sub008/internal/metrics"
	"github.com/k4lantar4/moonvpn-sub008/internal/ratelimit"
	"github.com/k4lantar4/moonvpn-sub008/internal/transport"
)

// statusWindow — окно агрегатов метрик в GetStatus.
const statusWindow = 5 * time.Minute

// Runtime — явный корневой объект рантайма: один на процесс, собирается
// при старте и передается по ссылке. Никаких глобальных синглтонов.
type Runtime struct {
	API   *Client // backend API
	Panel *Client // control-panel API

	pool     *transport.Pool
	cache    *cache.Manager
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	metrics  *metrics.Manager
	diag     *diagnostics.Recorder
	sink     *diagnostics.Sink

	cfg    *infra.Config
	logger *zap.Logger
	cancel context.CancelFunc
}

// Status — единый снимок здоровья рантайма для /status.
type Status struct {
	Health          map[string]bool            `json:"health"`
	Metrics         map[string]metrics.Stats   `json:"metrics"`
	Diagnostics     diagnostics.Snapshot       `json:"diagnostics"`
	CircuitBreakers map[string]breaker.Metrics `json:"circuit_breakers"`
	Connections     transport.Stats            `json:"connections"`
}

// NewRuntime собирает все подсистемы. issueStore может быть nil — тогда
// диагностика живет только в памяти.
func NewRuntime(cfg *infra.Config, logger *zap.Logger, reg prometheus.Registerer, rdb *redis.Client, issueStore diagnostics.IssueStore) (*Runtime, error) {
	exported := metrics.NewExported(reg)

	breakers := breaker.NewRegistry(
		breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenLimit:    cfg.Breaker.HalfOpenLimit,
		},
		logger,
		func(name string, to gobreaker.State) {
			exported.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	)

	var sink *diagnostics.Sink
	if issueStore != nil {
		sink = diagnostics.NewSink(issueStore, logger)
	}

	diag := diagnostics.NewRecorder(cfg.Diagnostics.MaxIssues, sink, logger)
	mgr := metrics.NewManager(logger)
	pool := transport.NewPool(cfg.Pool.MaxSize, cfg.Pool.AcquireTimeout, cfg.Upstream.Timeout, cfg.Pool.UserAgent, logger)
	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

	var store cache.Store
	if rdb != nil {
		store = cache.NewRedisStore(rdb)
	}
	cacheMgr := cache.NewManager(store, cfg.Cache.LocalCap, breakers.Get(breaker.UpstreamCache), logger)

	tokens, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		return nil, err
	}

	retrier := NewRetrier(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay,
		cfg.Retry.BudgetPerSecond, cfg.Retry.BudgetBurst, logger)

	deps := ClientDeps{
		Tokens:   tokens,
		Pool:     pool,
		Limiter:  limiter,
		Breakers: breakers,
		Metrics:  mgr,
		Exported: exported,
		Diag:     diag,
		Cache:    cacheMgr,
		CacheTTL: cfg.Cache.DefaultTTL,
		Retrier:  retrier,
	}

	rt := &Runtime{
		API:      NewClient(breaker.UpstreamAPI, cfg.Upstream.BaseURL, cfg.Upstream.Timeout, cfg.Diagnostics.SlowRequestThreshold, deps, logger),
		Panel:    NewClient(breaker.UpstreamPanel, cfg.Panel.BaseURL, cfg.Panel.Timeout, cfg.Diagnostics.SlowRequestThreshold, deps, logger),
		pool:     pool,
		cache:    cacheMgr,
		limiter:  limiter,
		breakers: breakers,
		metrics:  mgr,
		diag:     diag,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.Named("runtime"),
	}
	return rt, nil
}

// Start запускает фоновые циклы: компакцию метрик, self-check диагностики
// и сток событий. Жизненный цикл явный: Start/Stop, без daemon-потоков,
// умирающих вместе с процессом.
func (r *Runtime) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.metrics.Start(ctx, 5*time.Minute)
	r.diag.Start(ctx, r.cfg.Diagnostics.SelfCheckInterval)
	if r.sink != nil {
		r.sink.Start()
	}

	r.logger.Info("runtime started",
		zap.String("api", r.cfg.Upstream.BaseURL),
		zap.String("panel", r.cfg.Panel.BaseURL),
	)
}

// Stop гасит фоновые циклы и дожидается слива диагностики.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sink != nil {
		r.sink.Stop()
	}
	r.logger.Info("runtime stopped")
}

// GetStatus собирает снимок всех подсистем.
func (r *Runtime) GetStatus() Status {
	breakerMetrics := r.breakers.Metrics()

	health := map[string]bool{
		breaker.UpstreamAPI:   !r.breakers.Get(breaker.UpstreamAPI).Open(),
		breaker.UpstreamCache: !r.breakers.Get(breaker.UpstreamCache).Open(),
		breaker.UpstreamPanel: !r.breakers.Get(breaker.UpstreamPanel).Open(),
	}

	stats := make(map[string]metrics.Stats)
	for _, name := range r.metrics.Names() {
		stats[name] = r.metrics.GetStats(name, statusWindow)
	}

	return Status{
		Health:          health,
		Metrics:         stats,
		Diagnostics:     r.diag.Snapshot(),
		CircuitBreakers: breakerMetrics,
		Connections:     r.pool.Stats(),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
