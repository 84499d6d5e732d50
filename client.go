package portal

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// Client is the portal client: an HTTP executor and a subscription channel
// sharing one credential set, with their events forwarded onto one stream.
// It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	middleware []Middleware
	logger     Logger
	metrics    *MetricsCollector
	refresher  Refresher
	dialer     Dialer
	newID      func() string

	events   *Emitter
	sources  []*Emitter
	unlink   []func()
	auth     *AuthCoordinator
	limiter  *RateLimiter
	breaker  *CircuitBreaker
	retry    *RetryPolicy
	executor *Executor
	channel  *Channel

	disposeOnce sync.Once
	disposed    atomic.Bool
}

// New validates cfg and builds a Client. Credentials in cfg are installed
// before New returns.
func New(cfg Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wsURL, err := cfg.webSocketURL()
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "cannot derive websocket URL", Cause: err, Timestamp: time.Now()}
	}

	c := &Client{
		cfg:    cfg,
		logger: nopLogger{},
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(c)
	}

	if c.httpClient == nil {
		c.httpClient, err = newHTTPClient(cfg)
		if err != nil {
			return nil, &ClientError{Type: ErrorTypeValidation, Message: "cannot configure HTTP transport", Cause: err, Timestamp: time.Now()}
		}
	}
	if len(c.middleware) > 0 {
		hc := *c.httpClient
		hc.Transport = chainMiddleware(hc.Transport, c.middleware)
		c.httpClient = &hc
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(cfg.WebSocket, tlsConfig(cfg))
	}
	if c.refresher == nil {
		c.refresher = &HTTPRefresher{
			BaseURL:   cfg.BaseURL,
			Path:      cfg.Auth.RefreshPath,
			Client:    c.httpClient,
			UserAgent: cfg.UserAgent,
		}
	}

	c.events = NewEmitter()
	authEvents, httpEvents, wsEvents := NewEmitter(), NewEmitter(), NewEmitter()
	c.sources = []*Emitter{authEvents, httpEvents, wsEvents}
	c.unlink = []func(){
		forward(authEvents, c.events, OriginAuth),
		forward(httpEvents, c.events, OriginHTTP),
		forward(wsEvents, c.events, OriginWebSocket),
	}

	c.auth = NewAuthCoordinator(cfg.Auth, c.refresher, authEvents, c.logger, c.metrics)
	c.limiter = NewRateLimiter(cfg.RateLimit, c.logger, c.metrics)
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, httpEvents, c.logger, c.metrics)
	c.retry = NewRetryPolicy(cfg.Retry)
	c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debug("retrying request", "attempt", attempt+1, "delay", delay, "type", string(ErrorTypeOf(err)))
	}
	c.executor = &Executor{
		baseURL:    cfg.BaseURL,
		httpClient: c.httpClient,
		auth:       c.auth,
		limiter:    c.limiter,
		breaker:    c.breaker,
		retry:      c.retry,
		events:     httpEvents,
		logger:     c.logger,
		metrics:    c.metrics,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		newID:      c.newID,
		now:        time.Now,
		maxBody:    cfg.MaxResponseBody,
	}
	c.channel = newChannel(wsURL, cfg.WebSocket, cfg.Retry, c.dialer, c.auth, wsEvents, c.logger, c.metrics, c.newID)

	switch {
	case cfg.APIKey != "":
		c.auth.SetAPIKey(cfg.APIKey)
	case cfg.BearerToken != "":
		c.auth.SetBearerToken(cfg.BearerToken, cfg.RefreshToken)
	}

	c.logger.Debug("portal client created", "baseURL", cfg.BaseURL, "websocket", wsURL, "version", Version)
	return c, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       tlsConfig(cfg),
	}
	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	}
	return &http.Client{Transport: transport}, nil
}

func tlsConfig(cfg Config) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for development portals
	}
}

func (c *Client) closedErr() error {
	return newError(ErrorTypeClientClosed, "client disposed", nil)
}

// SetAPIKey installs an API key credential.
func (c *Client) SetAPIKey(key string) error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	c.auth.SetAPIKey(key)
	return nil
}

// SetBearerToken installs a bearer credential with an optional refresh token.
func (c *Client) SetBearerToken(token, refreshToken string) error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	c.auth.SetBearerToken(token, refreshToken)
	return nil
}

// ClearAuth drops the credentials.
func (c *Client) ClearAuth() error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	c.auth.Clear()
	return nil
}

// IsAuthenticated reports whether usable credentials are installed.
func (c *Client) IsAuthenticated() bool {
	return !c.disposed.Load() && c.auth.IsAuthenticated()
}

// AccessToken returns the current access token or API key.
func (c *Client) AccessToken() string {
	if c.disposed.Load() {
		return ""
	}
	return c.auth.AccessToken()
}

// RefreshAuth forces a credential refresh. Concurrent callers share one
// refresh.
func (c *Client) RefreshAuth(ctx context.Context) error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	return c.auth.Refresh(ctx)
}

// Do executes req through the full resilience stack.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.disposed.Load() {
		return nil, c.closedErr()
	}
	return c.executor.Do(ctx, req)
}

func (c *Client) call(ctx context.Context, method, path string, body any, opts []CallOption) (*Response, error) {
	data, contentType, err := encodeBody(body)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "cannot encode request body", Cause: err, Method: method, Path: path, Timestamp: time.Now()}
	}
	req := &Request{Method: method, Path: path, Body: data, ContentType: contentType}
	for _, opt := range opts {
		opt(req)
	}
	return c.Do(ctx, req)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Response, error) {
	return c.call(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a POST request. body is encoded by encodeBody rules.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.call(ctx, http.MethodPost, path, body, opts)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.call(ctx, http.MethodPut, path, body, opts)
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.call(ctx, http.MethodPatch, path, body, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (*Response, error) {
	return c.call(ctx, http.MethodDelete, path, nil, opts)
}

// Upload posts file and fields as multipart/form-data. The body is buffered
// once so retries and the auth replay resend it.
func (c *Client) Upload(ctx context.Context, path string, file UploadFile, fields map[string]string, opts ...CallOption) (*Response, error) {
	data, contentType, err := multipartBody(file, fields)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "cannot build multipart body", Cause: err, Method: http.MethodPost, Path: path, Timestamp: time.Now()}
	}
	req := &Request{Method: http.MethodPost, Path: path, Body: data, ContentType: contentType}
	for _, opt := range opts {
		opt(req)
	}
	return c.Do(ctx, req)
}

// Connect opens the subscription channel.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	return c.channel.Connect(ctx)
}

// Disconnect closes the subscription channel without reconnecting.
func (c *Client) Disconnect() error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	return c.channel.Disconnect()
}

// Subscribe registers a GraphQL subscription on the channel.
func (c *Client) Subscribe(query string, variables map[string]any, handlers SubscriptionHandlers) (*Subscription, error) {
	if c.disposed.Load() {
		return nil, c.closedErr()
	}
	return c.channel.Subscribe(query, variables, handlers)
}

// SubscribeEvents registers interest in portal events by type.
func (c *Client) SubscribeEvents(eventTypes []string, handlers SubscriptionHandlers) (*Subscription, error) {
	if c.disposed.Load() {
		return nil, c.closedErr()
	}
	return c.channel.SubscribeEvents(eventTypes, handlers)
}

// Listen attaches l to every event of every origin.
func (c *Client) Listen(l Listener) (unsubscribe func()) {
	return c.events.Subscribe(l)
}

// On attaches l to events named name.
func (c *Client) On(name EventName, l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}
	return c.events.Subscribe(func(ev Event) {
		if ev.Name == name {
			l(ev)
		}
	})
}

// ResetCircuitBreaker closes the breaker and clears its failure count.
func (c *Client) ResetCircuitBreaker() error {
	if c.disposed.Load() {
		return c.closedErr()
	}
	c.breaker.Reset()
	return nil
}

// Status is a point-in-time view of the client.
type Status struct {
	Authenticated  bool
	CredentialKind CredentialKind
	Circuit        CircuitSnapshot
	RateLimit      RateLimitStatus
	Channel        ChannelStatus
	Listeners      int
	Disposed       bool
}

// RateLimitStatus reports admissions in the current window and blocked callers.
type RateLimitStatus struct {
	Count   int
	Waiting int
}

// ChannelStatus reports the subscription channel.
type ChannelStatus struct {
	State            ChannelState
	Subscriptions    int
	Pending          int
	ReconnectAttempt int
}

// Status returns connection and component statistics.
func (c *Client) Status() Status {
	creds := c.auth.Credentials()
	return Status{
		Authenticated:  c.IsAuthenticated(),
		CredentialKind: creds.Kind,
		Circuit:        c.breaker.Snapshot(),
		RateLimit: RateLimitStatus{
			Count:   c.limiter.Count(),
			Waiting: c.limiter.Waiting(),
		},
		Channel: ChannelStatus{
			State:            c.channel.State(),
			Subscriptions:    c.channel.SubscriptionCount(),
			Pending:          c.channel.PendingCount(),
			ReconnectAttempt: c.channel.ReconnectAttempt(),
		},
		Listeners: c.events.Len(),
		Disposed:  c.disposed.Load(),
	}
}

// Dispose stops the rate limiter and the auth refresh timer, makes the
// breaker terminal, closes the subscription channel without reconnecting and
// detaches every listener, in that order. No listener is called after
// Dispose returns. It must not be called from a listener or a subscription
// handler. Later calls are no-ops; other operations return ClientClosed.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		c.disposed.Store(true)

		c.limiter.Stop()
		c.auth.Stop()
		c.breaker.Dispose()
		c.channel.Close()

		for _, unlink := range c.unlink {
			unlink()
		}
		for _, src := range c.sources {
			src.Close()
		}
		c.events.Close()
		c.logger.Debug("portal client disposed")
	})
}
