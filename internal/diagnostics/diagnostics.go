package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity — серьезность зафиксированной проблемы.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

const (
	// eventRetention — горизонт хранения slow/connection событий
	eventRetention = time.Hour
	// issueRetention — горизонт хранения проблем
	issueRetention = 24 * time.Hour
	// patternThreshold — сколько одинаковых ошибок за час считаем «паттерном»
	patternThreshold = 5
	// slowEndpointThreshold — с какого числа медленных запросов флагуем endpoint
	slowEndpointThreshold = 5
	// goroutineAlarm — подозрительное число горутин для self-check
	goroutineAlarm = 1000
)

// Issue — одна запись ленты самонаблюдения. Append-only.
type Issue struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

type slowRequest struct {
	Duration time.Duration
	At       time.Time
}

type connIssue struct {
	Error string
	At    time.Time
}

// SlowEndpoint — сводка по endpoint'у с медленными запросами.
type SlowEndpoint struct {
	Count     int     `json:"count"`
	AvgMillis float64 `json:"avg_ms"`
}

// Snapshot — read-only срез состояния для внешнего репортинга.
// Внутренние структуры наружу не отдаются.
type Snapshot struct {
	TotalIssues      int                     `json:"total_issues"`
	BySeverity       map[Severity]int        `json:"by_severity"`
	ByCategory       map[string]int          `json:"by_category"`
	RecentIssues     []Issue                 `json:"recent_issues"`
	SlowEndpoints    map[string]SlowEndpoint `json:"slow_endpoints"`
	ConnectionIssues map[string]int          `json:"connection_issues"`
}

// Recorder — структурированное самонаблюдение рантайма: лента проблем,
// журналы медленных запросов и сетевых сбоев, периодический self-check.
// Отличается от метрик тем, что хранит контекст, а не числа.
type Recorder struct {
	mu         sync.Mutex
	issues     []Issue // кольцо: хвост — самое свежее
	byCategory map[string]int
	bySeverity map[Severity]int
	slow       map[string][]slowRequest
	conn       map[string][]connIssue

	maxIssues int
	sink      *Sink // опциональный асинхронный сток в Postgres
	logger    *zap.Logger
	now       func() time.Time
}

func NewRecorder(maxIssues int, sink *Sink, logger *zap.Logger) *Recorder {
	if maxIssues <= 0 {
		maxIssues = 1000
	}
	return &Recorder{
		issues:     make([]Issue, 0, maxIssues),
		byCategory: make(map[string]int),
		bySeverity: make(map[Severity]int),
		slow:       make(map[string][]slowRequest),
		conn:       make(map[string][]connIssue),
		maxIssues:  maxIssues,
		sink:       sink,
		logger:     logger.Named("diagnostics"),
		now:        time.Now,
	}
}

// RecordIssue добавляет проблему в кольцо и ведет потэговый счетчик.
// Для severity=error снимается стек вызова.
func (r *Recorder) RecordIssue(category string, severity Severity, message string, context map[string]interface{}) {
	issue := Issue{
		ID:        uuid.New().String(),
		Timestamp: r.now(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Context:   context,
	}
	if severity == SeverityError {
		issue.Stack = string(debug.Stack())
	}

	r.mu.Lock()
	if len(r.issues) >= r.maxIssues {
		r.issues = r.issues[1:]
	}
	r.issues = append(r.issues, issue)
	r.byCategory[category]++
	r.bySeverity[severity]++
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Submit(issue)
	}
}

// RecordSlowRequest фиксирует медленный запрос по endpoint'у.
func (r *Recorder) RecordSlowRequest(endpoint string, duration time.Duration, context map[string]interface{}) {
	now := r.now()

	r.mu.Lock()
	events := pruneSlow(r.slow[endpoint], now)
	r.slow[endpoint] = append(events, slowRequest{Duration: duration, At: now})
	r.mu.Unlock()

	r.logger.Warn("slow request",
		zap.String("endpoint", endpoint),
		zap.Duration("duration", duration),
		zap.Any("context", context),
	)
}

// RecordConnectionIssue фиксирует сетевой сбой по хосту.
func (r *Recorder) RecordConnectionIssue(host string, err error, context map[string]interface{}) {
	now := r.now()

	r.mu.Lock()
	events := pruneConn(r.conn[host], now)
	r.conn[host] = append(events, connIssue{Error: err.Error(), At: now})
	r.mu.Unlock()

	r.logger.Warn("connection issue",
		zap.String("host", host),
		zap.Error(err),
		zap.Any("context", context),
	)
}

// Snapshot возвращает копию сводки. Мутабельные структуры не утекают.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySeverity := make(map[Severity]int, len(r.bySeverity))
	for k, v := range r.bySeverity {
		bySeverity[k] = v
	}
	byCategory := make(map[string]int, len(r.byCategory))
	for k, v := range r.byCategory {
		byCategory[k] = v
	}

	recent := make([]Issue, 0, 10)
	start := len(r.issues) - 10
	if start < 0 {
		start = 0
	}
	recent = append(recent, r.issues[start:]...)

	slowSummary := make(map[string]SlowEndpoint, len(r.slow))
	for endpoint, events := range r.slow {
		if len(events) == 0 {
			continue
		}
		var total time.Duration
		for _, e := range events {
			total += e.Duration
		}
		slowSummary[endpoint] = SlowEndpoint{
			Count:     len(events),
			AvgMillis: float64(total.Milliseconds()) / float64(len(events)),
		}
	}

	connSummary := make(map[string]int, len(r.conn))
	for host, events := range r.conn {
		if len(events) > 0 {
			connSummary[host] = len(events)
		}
	}

	return Snapshot{
		TotalIssues:      len(r.issues),
		BySeverity:       bySeverity,
		ByCategory:       byCategory,
		RecentIssues:     recent,
		SlowEndpoints:    slowSummary,
		ConnectionIssues: connSummary,
	}
}

// Start запускает периодический self-check. Завершается по отмене контекста.
func (r *Recorder) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("diagnostics self-check stopped")
				return
			case <-ticker.C:
				r.selfCheck()
			}
		}
	}()
}

// selfCheck замыкает петлю между пассивным логированием и активным
// алертингом: каждая находка становится обычным Issue.
func (r *Recorder) selfCheck() {
	r.checkResources()
	r.checkErrorPatterns()
	r.checkSlowEndpoints()
	r.purge()
}

func (r *Recorder) checkResources() {
	goroutines := runtime.NumGoroutine()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	if goroutines > goroutineAlarm {
		r.RecordIssue("self_check", SeverityWarning,
			fmt.Sprintf("goroutine count is high: %d", goroutines),
			map[string]interface{}{"goroutines": goroutines})
	}

	r.logger.Debug("self-check resources",
		zap.Int("goroutines", goroutines),
		zap.Uint64("heap_alloc", ms.HeapAlloc),
	)
}

// checkErrorPatterns ищет одинаковые ошибки, повторившиеся за час
// patternThreshold и более раз.
func (r *Recorder) checkErrorPatterns() {
	cutoff := r.now().Add(-eventRetention)

	r.mu.Lock()
	patterns := make(map[string]int)
	for _, issue := range r.issues {
		if issue.Severity != SeverityError || issue.Category == "self_check" {
			continue
		}
		if issue.Timestamp.After(cutoff) {
			patterns[issue.Category+": "+issue.Message]++
		}
	}
	r.mu.Unlock()

	for pattern, count := range patterns {
		if count >= patternThreshold {
			r.RecordIssue("self_check", SeverityWarning,
				"recurring error pattern detected",
				map[string]interface{}{"pattern": pattern, "count": count})
		}
	}
}

func (r *Recorder) checkSlowEndpoints() {
	now := r.now()

	r.mu.Lock()
	type finding struct {
		endpoint string
		count    int
		avg      time.Duration
	}
	var findings []finding
	for endpoint, events := range r.slow {
		events = pruneSlow(events, now)
		r.slow[endpoint] = events
		if len(events) < slowEndpointThreshold {
			continue
		}
		var total time.Duration
		for _, e := range events {
			total += e.Duration
		}
		findings = append(findings, finding{
			endpoint: endpoint,
			count:    len(events),
			avg:      total / time.Duration(len(events)),
		})
	}
	r.mu.Unlock()

	for _, f := range findings {
		r.RecordIssue("self_check", SeverityWarning,
			"endpoint is consistently slow",
			map[string]interface{}{
				"endpoint": f.endpoint,
				"count":    f.count,
				"avg_ms":   f.avg.Milliseconds(),
			})
	}
}

// purge выбрасывает данные старше суток.
func (r *Recorder) purge() {
	cutoff := r.now().Add(-issueRetention)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := 0
	for idx < len(r.issues) && !r.issues[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx > 0 {
		r.issues = append([]Issue(nil), r.issues[idx:]...)
	}

	for endpoint, events := range r.slow {
		if len(events) == 0 {
			delete(r.slow, endpoint)
		}
	}
	for host, events := range r.conn {
		kept := pruneConn(events, r.now())
		if len(kept) == 0 {
			delete(r.conn, host)
			continue
		}
		r.conn[host] = kept
	}
}

func pruneSlow(events []slowRequest, now time.Time) []slowRequest {
	cutoff := now.Add(-eventRetention)
	kept := events[:0]
	for _, e := range events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func pruneConn(events []connIssue, now time.Time) []connIssue {
	cutoff := now.Add(-eventRetention)
	kept := events[:0]
	for _, e := range events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
