package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации рантайма исходящих запросов.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Panel       UpstreamConfig    `mapstructure:"panel"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Pool        PoolConfig        `mapstructure:"pool"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки служебного HTTP-сервера (/status, /metrics).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// UpstreamConfig описывает один удаленный HTTP-сервис (backend API или панель).
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig описывает подключение к Redis (общий слой кэша).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig описывает подключение к PostgreSQL для асинхронного
// сохранения диагностических событий. Пустой URL отключает сток целиком.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PoolConfig ограничивает пул транспортных сессий.
type PoolConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RateLimitConfig — скользящее окно допуска на логический ключ.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// BreakerConfig — параметры Circuit Breaker, общие для всех upstream'ов.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenLimit    uint32        `mapstructure:"half_open_limit"`
}

// CacheConfig — TTL двух слоев кэша ответов.
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	LocalCap   time.Duration `mapstructure:"local_cap"`
}

// RetryConfig управляет повторением транзиентных ошибок.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	// Бюджет ретраев на весь процесс: токенов в секунду и размер burst.
	// Защищает нестабильный upstream от умножения трафика ретраями.
	BudgetPerSecond float64 `mapstructure:"budget_per_second"`
	BudgetBurst     int     `mapstructure:"budget_burst"`
}

// DiagnosticsConfig настраивает ленту самонаблюдения.
type DiagnosticsConfig struct {
	MaxIssues            int           `mapstructure:"max_issues"`
	SlowRequestThreshold time.Duration `mapstructure:"slow_request_threshold"`
	SelfCheckInterval    time.Duration `mapstructure:"self_check_interval"`
}

// AuthConfig содержит способ авторизации исходящих запросов:
// либо статичный API-ключ, либо RS256 JWT, подписанный приватным ключом.
type AuthConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: UPSTREAM_BASE_URL перекроет upstream.base_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключа из файла ИЛИ из ENV (для Docker/K8s PEM кладут прямо в ENV)
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("panel.timeout", 30*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.acquire_timeout", 5*time.Second)
	v.SetDefault("pool.user_agent", "moonvpn-gateway/1.0")

	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.half_open_limit", 2)

	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.local_cap", 30*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.budget_per_second", 10)
	v.SetDefault("retry.budget_burst", 10)

	v.SetDefault("diagnostics.max_issues", 1000)
	v.SetDefault("diagnostics.slow_request_threshold", 2*time.Second)
	v.SetDefault("diagnostics.self_check_interval", 5*time.Minute)

	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("auth.issuer", "moonvpn-gateway")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — универсальный хелпер: сперва ENV, затем файл.
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
