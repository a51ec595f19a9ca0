package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted возвращается, когда все сессии заняты и таймаут ожидания истек.
// Пул не ретраит сам — решение о повторе принимает оркестратор выше.
var ErrPoolExhausted = errors.New("transport: connection pool exhausted")

// Session — переиспользуемая транспортная сессия с предустановленными заголовками.
type Session struct {
	HTTP    *http.Client
	Headers http.Header
}

// NewRequest создает запрос с дефолтными заголовками сессии.
func (s *Session) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vv := range s.Headers {
		for _, v := range vv {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// Pool — ограниченный пул сессий. Инвариант: выдано одновременно не более maxSize.
type Pool struct {
	mu     sync.Mutex
	idle   []*Session
	active int // выдано наружу прямо сейчас

	maxSize        int
	acquireTimeout time.Duration
	userAgent      string
	timeout        time.Duration

	// freed сигналит ожидающим Acquire, что сессия вернулась
	freed  chan struct{}
	logger *zap.Logger
}

// Stats — моментальный снимок занятости пула для /status.
type Stats struct {
	Active    int `json:"active"`
	Available int `json:"available"`
}

func NewPool(maxSize int, acquireTimeout, requestTimeout time.Duration, userAgent string, logger *zap.Logger) *Pool {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &Pool{
		idle:           make([]*Session, 0, maxSize),
		maxSize:        maxSize,
		acquireTimeout: acquireTimeout,
		userAgent:      userAgent,
		timeout:        requestTimeout,
		freed:          make(chan struct{}, maxSize),
		logger:         logger.Named("pool"),
	}
}

// Acquire выдает готовую сессию, лениво создает новую в пределах maxSize,
// иначе блокируется до acquireTimeout или отмены контекста.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	deadline := time.NewTimer(p.acquireTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active++
			p.mu.Unlock()
			return s, nil
		}
		if p.active < p.maxSize {
			p.active++
			p.mu.Unlock()
			return p.newSession(), nil
		}
		p.mu.Unlock()

		select {
		case <-p.freed:
			// Сессия освободилась — пробуем забрать ее на следующей итерации
		case <-deadline.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release возвращает сессию в пул. При гонке сжатия пула (idle уже полон)
// сессия выбрасывается.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	p.active--
	if len(p.idle) >= p.maxSize {
		p.mu.Unlock()
		s.HTTP.CloseIdleConnections()
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Discard выбрасывает сессию насовсем (например, после сетевой ошибки уровня соединения).
func (p *Pool) Discard(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	s.HTTP.CloseIdleConnections()
	p.logger.Debug("session discarded")

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.active, Available: len(p.idle)}
}

func (p *Pool) newSession() *Session {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	if p.userAgent != "" {
		headers.Set("User-Agent", p.userAgent)
	}
	return &Session{
		HTTP:    &http.Client{Timeout: p.timeout},
		Headers: headers,
	}
}
