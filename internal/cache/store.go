package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/k4lantar4/moonvpn-sub008/internal/infra"
)

// ErrNotFound — промах кэша. Это не ошибка доставки, а нормальный исход.
var ErrNotFound = errors.New("cache: not found")

// Store — узкий интерфейс общего слоя (L2). В проде это Redis,
// в тестах — in-memory фейк.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// RedisStore реализует Store поверх go-redis с неймспейсом проекта.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, infra.CacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.SetEx(ctx, infra.CacheKey(key), value, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, infra.CacheKey(key)).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = infra.CacheKey(k)
	}
	return s.rdb.Del(ctx, full...).Err()
}

// KeysByPrefix сканирует ключи по префиксу через SCAN (не KEYS — не блокируем Redis).
// Возвращает логические ключи без неймспейса.
func (s *RedisStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, infra.CachePattern(prefix), 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		out = append(out, full[len(infra.RedisKeyCachePrefix):])
	}
	return out, iter.Err()
}
