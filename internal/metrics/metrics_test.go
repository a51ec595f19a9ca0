package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager() (*Manager, func(time.Time)) {
	m := NewManager(zap.NewNop())
	var mu sync.Mutex
	current := time.Now()
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	set := func(t time.Time) {
		mu.Lock()
		current = t
		mu.Unlock()
	}
	return m, set
}

func TestEmptyWindowReturnsZeroedStats(t *testing.T) {
	m, _ := newTestManager()

	stats := m.GetStats("api_latency", time.Minute)
	assert.Equal(t, Stats{}, stats)
}

func TestP95IsSortedIndexLookup(t *testing.T) {
	m, _ := newTestManager()

	// 100 значений 0..99: p95 — значение по индексу floor(0.95*100)=95
	for i := 0; i < 100; i++ {
		m.Record("lat", float64(i), nil)
	}

	stats := m.GetStats("lat", time.Minute)
	require.Equal(t, 100, stats.Count)
	assert.Equal(t, float64(95), stats.P95)
	assert.Equal(t, float64(0), stats.Min)
	assert.Equal(t, float64(99), stats.Max)
	assert.InDelta(t, 49.5, stats.Mean, 0.001)
	assert.Equal(t, float64(50), stats.Median)
}

func TestWindowFiltersOldSamples(t *testing.T) {
	m, setNow := newTestManager()
	base := time.Now()

	setNow(base)
	m.Record("lat", 100, nil)

	setNow(base.Add(2 * time.Minute))
	m.Record("lat", 200, nil)

	stats := m.GetStats("lat", time.Minute)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, float64(200), stats.Max)
}

func TestCompactionDropsOldSamplesOnly(t *testing.T) {
	m, setNow := newTestManager()
	base := time.Now()

	setNow(base)
	m.Record("lat", 1, nil)

	setNow(base.Add(2 * time.Hour))
	m.Record("lat", 2, nil)
	m.Record("gone", 3, nil)

	setNow(base.Add(4 * time.Hour))
	m.compact()

	// Все сэмплы старше retention ушли, пустые серии удалены
	assert.Empty(t, m.Names())
}

func TestCompactionKeepsFreshSamples(t *testing.T) {
	m, setNow := newTestManager()
	base := time.Now()

	setNow(base)
	m.Record("lat", 1, nil)

	setNow(base.Add(50 * time.Minute))
	m.Record("lat", 2, nil)

	setNow(base.Add(65 * time.Minute))
	m.compact()

	stats := m.GetStats("lat", 2*time.Hour)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, float64(2), stats.Max)
}

func TestRecordKeepsLabels(t *testing.T) {
	m, _ := newTestManager()

	m.Record("lat", 1, map[string]string{"endpoint": "GET /servers"})

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.series["lat"], 1)
	assert.Equal(t, "GET /servers", m.series["lat"][0].Labels["endpoint"])
}
