package auth

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/k4lantar4/moonvpn-sub008/internal/infra"
)

// TokenSource выдает значение заголовка Authorization для исходящих запросов.
// Реализации: статичный API-ключ или самоподписанный RS256 JWT.
type TokenSource interface {
	Token() (string, error)
}

// StaticKey — простейший вариант: ключ панели из конфига как есть.
type StaticKey string

func (k StaticKey) Token() (string, error) {
	return "Bearer " + string(k), nil
}

// JWTSource подписывает короткоживущие сервисные токены RS256.
// Токен переиспользуется до истечения, перевыпуск под мьютексом.
type JWTSource struct {
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	current string
	expires time.Time
}

func NewJWTSource(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *JWTSource {
	return &JWTSource{
		privateKey: privateKey,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *JWTSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Перевыпускаем заранее, за 30 секунд до истечения
	if s.current != "" && now.Add(30*time.Second).Before(s.expires) {
		return s.current, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	s.current = "Bearer " + signed
	s.expires = expires
	return s.current, nil
}

// ParseRSAPrivateKey превращает []byte (PEM) в объект для подписи
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// FromConfig выбирает источник токена по конфигу: приватный ключ имеет
// приоритет над статичным API-ключом. Если не задано ничего — nil
// (запросы уходят без Authorization).
func FromConfig(cfg infra.AuthConfig) (TokenSource, error) {
	if len(cfg.PrivateKey) > 0 {
		key, err := ParseRSAPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return NewJWTSource(key, cfg.Issuer, cfg.TokenTTL), nil
	}
	if cfg.APIKey != "" {
		return StaticKey(cfg.APIKey), nil
	}
	return nil, nil
}
