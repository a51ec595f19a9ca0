package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/k4lantar4/moonvpn-sub008/internal/breaker"
)

// Manager — двухслойный кэш ответов: L1 в памяти процесса (hot path, без
// сетевого хопа), L2 — общий Redis (source of truth). L1 никогда не
// авторитетен: его TTL всегда ≤ остатка TTL в L2, а любой сбой L2
// деградирует в «кэша нет», но не в устаревшие данные.
type Manager struct {
	mu    sync.RWMutex
	local map[string]localEntry

	store    Store
	localCap time.Duration

	// guard — предохранитель cache-backend: изолирует рантайм от лежащего Redis
	guard  *breaker.Breaker
	logger *zap.Logger
	now    func() time.Time
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

func NewManager(store Store, localCap time.Duration, guard *breaker.Breaker, logger *zap.Logger) *Manager {
	return &Manager{
		local:    make(map[string]localEntry),
		store:    store,
		localCap: localCap,
		guard:    guard,
		logger:   logger.Named("cache"),
		now:      time.Now,
	}
}

// Get ищет значение сперва в L1, затем в L2. На попадании в L2 значение
// репопулируется в L1 с TTL = min(остаток в L2, localCap).
// Полный промах — («», false), не ошибка.
func (m *Manager) Get(ctx context.Context, key string) (string, bool) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.local[key]
	m.mu.RUnlock()

	if ok {
		if now.Before(entry.expiresAt) {
			return entry.value, true
		}
		// Протухло — чистим лениво
		m.mu.Lock()
		delete(m.local, key)
		m.mu.Unlock()
	}

	// Без Store (Redis не сконфигурирован) рантайм живет на одном L1
	if m.store == nil {
		return "", false
	}

	value, remaining, err := m.sharedGet(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("shared cache read failed, degrading to miss",
				zap.String("key", key), zap.Error(err))
		}
		return "", false
	}

	m.setLocal(key, value, remaining)
	return value, true
}

// Set пишет сперва в L2 (источник правды), затем в L1 с урезанным TTL.
// Неуспех только логируется: кэширование — некритичная оптимизация.
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if m.store == nil {
		// Без L2 авторитетен сам L1: cap не применяется, запрошенный TTL
		// соблюдается целиком
		if ttl > 0 {
			m.mu.Lock()
			m.local[key] = localEntry{value: value, expiresAt: m.now().Add(ttl)}
			m.mu.Unlock()
		}
		return true
	}

	if err := m.sharedSet(ctx, key, value, ttl); err != nil {
		m.logger.Warn("shared cache write failed, skipping",
			zap.String("key", key), zap.Error(err))
		return false
	}

	m.setLocal(key, value, ttl)
	return true
}

// Delete удаляет ключ из обоих слоев.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.local, key)
	m.mu.Unlock()

	if m.store == nil {
		return
	}

	if err := m.sharedDel(ctx, key); err != nil {
		m.logger.Warn("shared cache delete failed",
			zap.String("key", key), zap.Error(err))
	}
}

// InvalidatePrefix удаляет из обоих слоев все ключи с данным префиксом.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) {
	m.mu.Lock()
	for k := range m.local {
		if strings.HasPrefix(k, prefix) {
			delete(m.local, k)
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}

	keys, err := m.sharedKeys(ctx, prefix)
	if err != nil {
		m.logger.Warn("shared cache scan failed",
			zap.String("prefix", prefix), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := m.sharedDel(ctx, keys...); err != nil {
		m.logger.Warn("shared cache bulk delete failed",
			zap.String("prefix", prefix), zap.Error(err))
	}
}

func (m *Manager) setLocal(key, value string, remaining time.Duration) {
	ttl := remaining
	if m.localCap > 0 && ttl > m.localCap {
		ttl = m.localCap
	}
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.local[key] = localEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

// sharedGet читает значение и остаток TTL из L2 под предохранителем.
func (m *Manager) sharedGet(ctx context.Context, key string) (string, time.Duration, error) {
	done, err := m.allowShared()
	if err != nil {
		return "", 0, err
	}

	value, err := m.store.Get(ctx, key)
	if err != nil {
		// Промах — штатный исход, предохранитель не трогаем
		done(errors.Is(err, ErrNotFound))
		return "", 0, err
	}

	remaining, err := m.store.TTL(ctx, key)
	if err != nil || remaining < 0 {
		// Остаток TTL неизвестен — значение отдаем, но в L1 не кладем,
		// иначе локальный TTL может пережить общий
		remaining = 0
	}
	done(true)
	return value, remaining, nil
}

func (m *Manager) sharedSet(ctx context.Context, key, value string, ttl time.Duration) error {
	done, err := m.allowShared()
	if err != nil {
		return err
	}
	err = m.store.SetEx(ctx, key, value, ttl)
	done(err == nil)
	return err
}

func (m *Manager) sharedDel(ctx context.Context, keys ...string) error {
	done, err := m.allowShared()
	if err != nil {
		return err
	}
	err = m.store.Del(ctx, keys...)
	done(err == nil)
	return err
}

func (m *Manager) sharedKeys(ctx context.Context, prefix string) ([]string, error) {
	done, err := m.allowShared()
	if err != nil {
		return nil, err
	}
	keys, err := m.store.KeysByPrefix(ctx, prefix)
	done(err == nil)
	return keys, err
}

func (m *Manager) allowShared() (func(success bool), error) {
	if m.guard == nil {
		return func(bool) {}, nil
	}
	return m.guard.Allow()
}
