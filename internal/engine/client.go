package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/k4lantar4/moonvpn-sub008/internal/breaker"
	"github.com/k4lantar4/moonvpn-sub008/internal/cache"
	"github.com/k4lantar4/moonvpn-sub008/internal/diagnostics"
	"github.com/k4lantar4/moonvpn-sub008/internal/infra/auth"
	"github.com/k4lantar4/moonvpn-sub008/internal/metrics"
	"github.com/k4lantar4/moonvpn-sub008/internal/ratelimit"
	"github.com/k4lantar4/moonvpn-sub008/internal/transport"
)

// APIResponse — единственный контракт с вызывающей стороной.
// Создается на каждый вызов и после возврата не мутируется.
type APIResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Cached     bool            `json:"cached"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Client — оркестратор одного upstream'а. Конвейер вызова:
// CircuitCheck → RateCheck → Acquire → Execute → Classify →
// RecordTelemetry → UpdateBreaker → Release.
type Client struct {
	upstream string // имя предохранителя: api или panel
	baseURL  string
	timeout  time.Duration

	tokens   auth.TokenSource
	pool     *transport.Pool
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	metrics  *metrics.Manager
	exported *metrics.Exported
	diag     *diagnostics.Recorder
	cache    *cache.Manager
	cacheTTL time.Duration // TTL по умолчанию для GetCached
	retrier  *Retrier

	slowThreshold time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// ClientDeps — общие подсистемы рантайма, разделяемые всеми клиентами.
type ClientDeps struct {
	Tokens   auth.TokenSource
	Pool     *transport.Pool
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Metrics  *metrics.Manager
	Exported *metrics.Exported
	Diag     *diagnostics.Recorder
	Cache    *cache.Manager
	CacheTTL time.Duration
	Retrier  *Retrier
}

func NewClient(upstream, baseURL string, timeout, slowThreshold time.Duration, deps ClientDeps, logger *zap.Logger) *Client {
	return &Client{
		upstream:      upstream,
		baseURL:       baseURL,
		timeout:       timeout,
		tokens:        deps.Tokens,
		pool:          deps.Pool,
		limiter:       deps.Limiter,
		breakers:      deps.Breakers,
		metrics:       deps.Metrics,
		exported:      deps.Exported,
		diag:          deps.Diag,
		cache:         deps.Cache,
		cacheTTL:      deps.CacheTTL,
		retrier:       deps.Retrier,
		slowThreshold: slowThreshold,
		logger:        logger.Named(upstream),
		now:           time.Now,
	}
}

// RequestOption настраивает один вызов.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
	headers http.Header
}

// WithTimeout перекрывает таймаут клиента для одного вызова.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithHeader добавляет заголовок к одному вызову.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Set(key, value)
	}
}

// Request выполняет логический запрос с ретраями транзиентных сбоев.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, params url.Values, opts ...RequestOption) (*APIResponse, error) {
	endpoint := method + " " + path
	return c.retrier.Do(ctx, endpoint, func() (*APIResponse, error) {
		return c.do(ctx, method, path, body, params, opts...)
	})
}

// do — один проход конвейера без ретраев.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, params url.Values, opts ...RequestOption) (*APIResponse, error) {
	options := requestOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&options)
	}

	endpoint := method + " " + path
	requestID := uuid.New().String()

	// 1. CircuitCheck: предохранитель открыт — fail fast, сеть не трогаем.
	// Open() лениво переводит просроченный Open в HalfOpen, так что пробы
	// восстановления сюда проходят.
	brk := c.breakers.Get(c.upstream)
	if brk.Open() {
		c.exported.ErrorTotal.WithLabelValues("circuit_open").Inc()
		return nil, &APIError{
			Kind:       KindServer,
			Message:    "circuit open for upstream " + c.upstream,
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	// 2. RateCheck: локальное окно допуска
	if allowed, retryAfter := c.limiter.Allow(endpoint); !allowed {
		c.metrics.Record("rate_limit_rejections", 1, map[string]string{"endpoint": endpoint})
		c.exported.ErrorTotal.WithLabelValues("rate_limit").Inc()
		c.diag.RecordIssue("rate_limit", diagnostics.SeverityWarning,
			"local rate limit exceeded",
			map[string]interface{}{"endpoint": endpoint, "retry_after": retryAfter.Seconds()})
		return nil, &APIError{
			Kind:       KindRateLimit,
			Message:    "rate limit exceeded",
			RetryAfter: retryAfter,
		}
	}

	// 3. Acquire: сессия из пула + авторизация
	session, err := c.pool.Acquire(ctx)
	if err != nil {
		c.exported.ErrorTotal.WithLabelValues("pool_exhausted").Inc()
		c.diag.RecordIssue("pool", diagnostics.SeverityError,
			"connection pool exhausted",
			map[string]interface{}{"endpoint": endpoint})
		return nil, &APIError{Kind: KindServer, Message: "no connections available", Cause: err}
	}
	c.exported.PoolActive.Set(float64(c.pool.Stats().Active))

	networkFailed := false
	defer func() {
		// Release на каждом пути выхода; сбойную сессию выбрасываем
		if networkFailed {
			c.pool.Discard(session)
		} else {
			c.pool.Release(session)
		}
		c.exported.PoolActive.Set(float64(c.pool.Stats().Active))
	}()

	// Резервируем пробу у предохранителя непосредственно перед вызовом:
	// отказы лимитера и пула выше не искажают его статистику
	done, err := brk.Allow()
	if err != nil {
		c.exported.ErrorTotal.WithLabelValues("circuit_open").Inc()
		return nil, &APIError{
			Kind:       KindServer,
			Message:    "circuit open for upstream " + c.upstream,
			StatusCode: http.StatusServiceUnavailable,
			Cause:      err,
		}
	}

	// 4. Execute
	start := c.now()
	resp, apiErr := c.execute(ctx, session, method, path, body, params, options)
	duration := c.now().Sub(start)

	if apiErr != nil && (apiErr.Kind == KindNetwork || apiErr.Kind == KindTimeout) {
		networkFailed = true
	}

	// 6. RecordTelemetry: латентность пишем всегда
	status := "ok"
	if apiErr != nil {
		status = string(apiErr.Kind)
	}
	c.metrics.Record(c.upstream+"_latency", duration.Seconds()*1000, map[string]string{"endpoint": endpoint})
	c.exported.RequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
	c.exported.TotalRequests.WithLabelValues(endpoint).Inc()

	if duration > c.slowThreshold {
		c.diag.RecordSlowRequest(endpoint, duration, map[string]interface{}{
			"request_id": requestID,
		})
	}

	// 7. UpdateBreaker + ошибка в телеметрию
	if apiErr != nil {
		done(false)
		c.metrics.Record(c.upstream+"_errors", 1, map[string]string{"endpoint": endpoint})
		c.exported.ErrorTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		c.diag.RecordIssue(c.upstream, diagnostics.SeverityError, apiErr.Message,
			map[string]interface{}{
				"endpoint":   endpoint,
				"status":     apiErr.StatusCode,
				"request_id": requestID,
			})
		if networkFailed {
			c.diag.RecordConnectionIssue(c.host(), apiErr, map[string]interface{}{
				"endpoint": endpoint,
			})
		}
		return nil, apiErr
	}

	done(true)
	return resp, nil
}

// execute выполняет сам HTTP-вызов и классифицирует исход.
func (c *Client) execute(ctx context.Context, session *transport.Session, method, path string, body interface{}, params url.Values, options requestOptions) (*APIResponse, *APIError) {
	fullURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, &APIError{Kind: KindClient, Message: "invalid request path", Cause: err}
	}
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindClient, Message: "failed to encode request body", Cause: err}
		}
		reader = bytes.NewReader(payload)
	}

	// Пер-коловый таймаут ограничивает только шаг Execute
	callCtx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	req, err := session.NewRequest(callCtx, method, fullURL, reader)
	if err != nil {
		return nil, &APIError{Kind: KindClient, Message: "failed to build request", Cause: err}
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, &APIError{Kind: KindAuth, Message: "failed to obtain auth token", Cause: err}
		}
		req.Header.Set("Authorization", token)
	}
	for k, vv := range options.headers {
		for _, v := range vv {
			req.Header.Set(k, v)
		}
	}

	httpResp, err := session.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: "failed to read response body", Cause: err}
	}

	return classifyResponse(httpResp.StatusCode, respBody, httpResp.Header, c.now())
}

// GetCached — read-through обертка для GET: сперва кэш, на промахе —
// полный конвейер с записью результата в оба слоя. Нулевой ttl берет
// значение из конфига кэша.
func (c *Client) GetCached(ctx context.Context, path string, params url.Values, ttl time.Duration) (*APIResponse, error) {
	if ttl <= 0 {
		ttl = c.cacheTTL
	}
	key := c.cacheKey(path, params)

	if cached, ok := c.cache.Get(ctx, key); ok {
		return &APIResponse{
			Success:    true,
			Data:       json.RawMessage(cached),
			StatusCode: http.StatusOK,
			Cached:     true,
			Timestamp:  c.now(),
		}, nil
	}

	resp, err := c.Request(ctx, http.MethodGet, path, nil, params)
	if err != nil {
		return nil, err
	}

	if resp.Success && len(resp.Data) > 0 {
		c.cache.Set(ctx, key, string(resp.Data), ttl)
	}
	return resp, nil
}

// InvalidateCache сбрасывает кэшированные ответы этого upstream'а по префиксу пути.
func (c *Client) InvalidateCache(ctx context.Context, pathPrefix string) {
	c.cache.InvalidatePrefix(ctx, c.upstream+":"+pathPrefix)
}

func (c *Client) cacheKey(path string, params url.Values) string {
	key := c.upstream + ":" + path
	if len(params) > 0 {
		key += "?" + params.Encode()
	}
	return key
}

func (c *Client) host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	return u.Host
}

// Upstream возвращает имя upstream'а клиента.
func (c *Client) Upstream() string { return c.upstream }

func (c *Client) String() string {
	return fmt.Sprintf("client(%s → %s)", c.upstream, c.baseURL)
}
