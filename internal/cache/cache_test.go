package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore — in-memory замена Redis для тестов, с управляемыми часами.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     func() time.Time
	failing bool
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{entries: make(map[string]fakeEntry), now: now}
}

var errStoreDown = errors.New("store down")

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", errStoreDown
	}
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *fakeStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	s.entries[key] = fakeEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *fakeStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return -2 * time.Second, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *fakeStore) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(localCap time.Duration) (*Manager, *fakeStore, *testClock) {
	clock := &testClock{t: time.Now()}
	store := newFakeStore(clock.Now)
	m := NewManager(store, localCap, nil, zap.NewNop())
	m.now = clock.Now
	return m, store, clock
}

func TestSetThenGet(t *testing.T) {
	m, _, _ := newTestManager(30 * time.Second)
	ctx := context.Background()

	require.True(t, m.Set(ctx, "orders:1", `{"id":1}`, time.Minute))

	v, ok := m.Get(ctx, "orders:1")
	assert.True(t, ok)
	assert.Equal(t, `{"id":1}`, v)
}

func TestGetAfterTTLExpires(t *testing.T) {
	m, _, clock := newTestManager(30 * time.Second)
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)
	clock.Advance(61 * time.Second)

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalTierNeverOutlivesShared(t *testing.T) {
	m, store, clock := newTestManager(30 * time.Second)
	ctx := context.Background()

	// Пишем в L2 напрямую: остаток TTL маленький
	require.NoError(t, store.SetEx(ctx, "k", "v", 5*time.Second))

	v, ok := m.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	// L1 репопулирован с min(остаток, cap) = 5s, после истечения — промах
	clock.Advance(6 * time.Second)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalHitSkipsSharedTier(t *testing.T) {
	m, store, _ := newTestManager(30 * time.Second)
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)

	// L2 лег — но горячий ключ живет в L1
	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()

	v, ok := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSharedFailureDegradesToMiss(t *testing.T) {
	m, store, _ := newTestManager(30 * time.Second)
	ctx := context.Background()

	store.failing = true

	_, ok := m.Get(ctx, "nope")
	assert.False(t, ok)
	assert.False(t, m.Set(ctx, "k", "v", time.Minute))
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	m, store, _ := newTestManager(30 * time.Second)
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)
	m.Delete(ctx, "k")

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidatePrefix(t *testing.T) {
	m, _, _ := newTestManager(30 * time.Second)
	ctx := context.Background()

	m.Set(ctx, "orders:1", "a", time.Minute)
	m.Set(ctx, "orders:2", "b", time.Minute)
	m.Set(ctx, "wallets:1", "c", time.Minute)

	m.InvalidatePrefix(ctx, "orders")

	_, ok := m.Get(ctx, "orders:1")
	assert.False(t, ok)
	_, ok = m.Get(ctx, "orders:2")
	assert.False(t, ok)

	v, ok := m.Get(ctx, "wallets:1")
	assert.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestNoStoreRunsLocalOnly(t *testing.T) {
	m := NewManager(nil, 30*time.Second, nil, zap.NewNop())
	ctx := context.Background()

	require.True(t, m.Set(ctx, "k", "v", time.Minute))
	v, ok := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

// Без общего слоя локальный cap не режет запрошенный TTL.
func TestNoStoreHonorsFullTTL(t *testing.T) {
	clock := &testClock{t: time.Now()}
	m := NewManager(nil, 30*time.Second, nil, zap.NewNop())
	m.now = clock.Now
	ctx := context.Background()

	require.True(t, m.Set(ctx, "k", "v", time.Minute))

	// Дальше localCap, но в пределах запрошенного TTL — все еще попадание
	clock.Advance(45 * time.Second)
	v, ok := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(20 * time.Second)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)
}
