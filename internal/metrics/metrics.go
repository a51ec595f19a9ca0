package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// retention — сколько держим сырые сэмплы. Окна ad hoc запросов независимы
// от этой границы: она лишь ограничивает память.
const retention = time.Hour

// Metric — один записанный сэмпл. После записи не мутируется.
type Metric struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// Stats — агрегаты по окну. p95 — это значение по индексу floor(0.95*n)
// в отсортированном срезе, без интерполяции: для операционных дашбордов
// этого достаточно, для биллинга — нет.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Manager — in-memory коллектор числовой телеметрии с оконными запросами.
type Manager struct {
	mu     sync.Mutex
	series map[string][]Metric

	logger *zap.Logger
	now    func() time.Time
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		series: make(map[string][]Metric),
		logger: logger.Named("metrics"),
		now:    time.Now,
	}
}

// Record добавляет сэмпл в конец последовательности метрики. O(1) amortized.
func (m *Manager) Record(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.series[name] = append(m.series[name], Metric{
		Timestamp: m.now(),
		Value:     value,
		Labels:    labels,
	})
}

// GetStats считает агрегаты по хвостовому окну. Пустое окно — нулевая
// запись, не ошибка.
func (m *Manager) GetStats(name string, window time.Duration) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)

	var values []float64
	for _, sample := range m.series[name] {
		if sample.Timestamp.After(cutoff) {
			values = append(values, sample.Value)
		}
	}

	if len(values) == 0 {
		return Stats{}
	}

	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}

	n := len(values)
	p95 := int(0.95 * float64(n))
	if p95 >= n {
		p95 = n - 1
	}

	return Stats{
		Count:  n,
		Min:    values[0],
		Max:    values[n-1],
		Mean:   sum / float64(n),
		Median: values[n/2],
		P95:    values[p95],
	}
}

// Names возвращает имена всех известных метрик.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start запускает фоновую компакцию: сэмплы старше retention выбрасываются,
// чтобы память оставалась ограниченной. Завершается по отмене контекста.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("metrics compaction stopped")
				return
			case <-ticker.C:
				m.compact()
			}
		}
	}()
}

func (m *Manager) compact() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-retention)
	for name, samples := range m.series {
		idx := sort.Search(len(samples), func(i int) bool {
			return samples[i].Timestamp.After(cutoff)
		})
		if idx == 0 {
			continue
		}
		if idx == len(samples) {
			delete(m.series, name)
			continue
		}
		m.series[name] = append([]Metric(nil), samples[idx:]...)
	}
}
