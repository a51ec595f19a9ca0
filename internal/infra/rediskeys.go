package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "moonvpn"
)

// Префиксы кэша ответов (общий слой L2)
const (
	RedisKeyCachePrefix = RedisNamespace + ":cache:"
)

// CacheKey собирает полный ключ L2 из логического ключа вызова.
func CacheKey(key string) string {
	return RedisKeyCachePrefix + key
}

// CachePattern строит паттерн для префиксной инвалидации (SCAN MATCH).
// Инвалидация намеренно префиксная, а не regex — стоимость остается предсказуемой.
func CachePattern(prefix string) string {
	return fmt.Sprintf("%s%s*", RedisKeyCachePrefix, prefix)
}
