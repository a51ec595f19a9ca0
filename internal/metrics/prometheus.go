package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exported — внешнее зеркало телеметрии для Prometheus.
// Внутренний Manager отвечает на ad hoc запросы /status,
// эти векторы — на scrape /metrics.
type Exported struct {
	// Latency: сколько времени занял исходящий запрос
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - open, 2 - half-open)
	CircuitBreakerState *prometheus.GaugeVec

	// Пул соединений: сколько сессий выдано
	PoolActive prometheus.Gauge
}

func NewExported(reg prometheus.Registerer) *Exported {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Exported{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Histogram of outbound request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of outbound requests.",
		}, []string{"endpoint"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: rate_limit, circuit_open, timeout, network, server, client

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"upstream"}),

		PoolActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_active_sessions",
			Help: "Number of transport sessions currently checked out.",
		}),
	}
}
