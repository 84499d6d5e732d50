package portal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	headerRequestID      = "X-Request-ID"
	headerCorrelationID  = "X-Correlation-ID"
	headerIdempotencyKey = "Idempotency-Key"

	defaultMaxResponseBody = 32 << 20
)

// Executor runs HTTP calls through rate limiter → circuit breaker → retry
// policy → auth header → transport, and emits requestStart, requestSuccess
// and requestError.
type Executor struct {
	baseURL    string
	httpClient *http.Client
	auth       *AuthCoordinator
	limiter    *RateLimiter
	breaker    *CircuitBreaker
	retry      *RetryPolicy
	events     *Emitter
	logger     Logger
	metrics    *MetricsCollector
	userAgent  string
	timeout    time.Duration
	newID      func() string
	now        func() time.Time

	// maxBody bounds response bodies; larger bodies fail the attempt.
	maxBody int64
}

// Do executes req and returns the response or a classified error.
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	start := e.now()
	call := *req
	req = &call
	method := strings.ToUpper(req.Method)
	req.Method = method
	correlationID := e.newID()
	if req.IdempotencyKey == "" && mutating(method) {
		req.IdempotencyKey = e.newID()
	}

	e.events.Emit(Event{
		Name:   EventRequestStart,
		Fields: map[string]any{"method": method, "path": req.Path, "correlationId": correlationID},
	})
	e.metrics.RecordRequestStart(method)
	defer e.metrics.RecordRequestEnd(method)

	var (
		resp     *Response
		attempts int
	)

	err := e.prepare(ctx, req)
	if err == nil {
		err = e.breaker.Execute(ctx, func(ctx context.Context) error {
			return e.retry.Run(ctx, func(ctx context.Context, attempt int) error {
				if attempt > 0 {
					e.metrics.RecordRetry(method, attempt)
				}
				attempts++
				r, gen, err := e.attempt(ctx, req, correlationID)
				if err == nil {
					resp = r
					return nil
				}
				if attempt == 0 && !req.SkipAuth && isUnauthorized(err) {
					attempts++
					r, err = e.replayAfterRefresh(ctx, req, correlationID, gen, err)
					if err == nil {
						resp = r
						return nil
					}
				}
				return err
			})
		})
	}

	duration := e.now().Sub(start)
	if err != nil {
		return nil, e.fail(err, req, correlationID, attempts, duration)
	}

	resp.Attempts = attempts
	resp.Duration = duration
	resp.CorrelationID = correlationID
	e.metrics.RecordRequest(method, resp.StatusCode, duration)
	e.events.Emit(Event{
		Name: EventRequestSuccess,
		Fields: map[string]any{
			"method":        method,
			"path":          req.Path,
			"status":        resp.StatusCode,
			"duration":      duration,
			"attempts":      attempts,
			"correlationId": correlationID,
		},
	})
	return resp, nil
}

// prepare refreshes expired credentials ahead of the call and waits for
// rate-limit admission.
func (e *Executor) prepare(ctx context.Context, req *Request) error {
	if !req.SkipAuth {
		if stale, gen := e.auth.needsRefresh(); stale {
			if err := e.auth.refreshIfStale(ctx, gen); err != nil {
				return err
			}
		}
	}
	return e.limiter.Admit(ctx)
}

func (e *Executor) replayAfterRefresh(ctx context.Context, req *Request, correlationID string, gen uint64, rejected error) (*Response, error) {
	if err := e.auth.refreshIfStale(ctx, gen); err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		e.logger.Warn("credentials rejected and refresh failed", "path", req.Path, "error", err.Error())
		authErr := &ClientError{
			Type:       ErrorTypeAuth,
			Message:    "request rejected with 401 and credential refresh failed",
			Cause:      rejected,
			StatusCode: http.StatusUnauthorized,
			Timestamp:  e.now(),
		}
		var ce *ClientError
		if errors.As(rejected, &ce) {
			authErr.RequestID = ce.RequestID
			authErr.Code = ce.Code
			authErr.Body = ce.Body
		}
		authErr.Details = map[string]any{"refreshError": err.Error()}
		return nil, authErr
	}

	resp, _, err := e.attempt(ctx, req, correlationID)
	if err != nil && isUnauthorized(err) {
		return nil, &ClientError{
			Type:       ErrorTypeAuth,
			Message:    "request rejected with 401 after credential refresh",
			Cause:      err,
			StatusCode: http.StatusUnauthorized,
			Timestamp:  e.now(),
		}
	}
	return resp, err
}

// attempt performs one transport round trip and returns the credential
// generation it was sent with.
func (e *Executor) attempt(ctx context.Context, req *Request, correlationID string) (*Response, uint64, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, e.resolveURL(req), body)
	if err != nil {
		return nil, 0, &ClientError{Type: ErrorTypeValidation, Message: "invalid request", Cause: err, Method: req.Method, Path: req.Path, Timestamp: e.now()}
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if e.userAgent != "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	if req.Body != nil && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	requestID := e.newID()
	httpReq.Header.Set(headerRequestID, requestID)
	httpReq.Header.Set(headerCorrelationID, correlationID)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(headerIdempotencyKey, req.IdempotencyKey)
	}

	var gen uint64
	if !req.SkipAuth {
		creds, g := e.auth.store.Get()
		gen = g
		if h, ok := authHeaderFor(creds); ok {
			httpReq.Header.Set(h.Name, h.Value)
		}
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, gen, e.transportError(ctx, attemptCtx, err, req, requestID)
	}
	defer httpResp.Body.Close()

	limit := e.maxBody
	if limit <= 0 {
		limit = defaultMaxResponseBody
	}
	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, limit+1))
	if err != nil {
		return nil, gen, e.transportError(ctx, attemptCtx, err, req, requestID)
	}
	oversized := int64(len(payload)) > limit
	if oversized {
		payload = payload[:limit]
	}

	if httpResp.StatusCode >= 400 {
		return nil, gen, statusError(httpResp, payload, req.Method, req.Path, requestID, e.now())
	}
	if oversized {
		return nil, gen, &ClientError{
			Type:       ErrorTypeTransport,
			Message:    "response body exceeds limit",
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: httpResp.StatusCode,
			RequestID:  requestID,
			Details:    map[string]any{"limit": limit},
			Timestamp:  e.now(),
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       payload,
		RequestID:  requestID,
	}, gen, nil
}

// transportError separates caller cancellation from attempt timeouts and
// network failures.
func (e *Executor) transportError(ctx, attemptCtx context.Context, err error, req *Request, requestID string) error {
	ce := &ClientError{
		Type:      ErrorTypeTransport,
		Message:   "request failed",
		Cause:     err,
		Method:    req.Method,
		Path:      req.Path,
		RequestID: requestID,
		Timestamp: e.now(),
	}
	switch {
	case ctx.Err() != nil:
		ce.Type = ErrorTypeCancellation
		ce.Message = "request cancelled"
	case attemptCtx.Err() != nil:
		ce.Message = "request timed out"
	}
	return ce
}

func (e *Executor) fail(err error, req *Request, correlationID string, attempts int, duration time.Duration) error {
	err = normalizeError(err)

	var ce *ClientError
	if errors.As(err, &ce) {
		annotated := *ce
		if annotated.Method == "" {
			annotated.Method = req.Method
		}
		if annotated.Path == "" {
			annotated.Path = req.Path
		}
		if attempts > 0 {
			annotated.Attempt = attempts
			annotated.MaxAttempts = e.retry.MaxAttempts
		}
		annotated.Duration = duration
		err = &annotated
		ce = &annotated
	}

	e.metrics.RecordError(ce.Type, req.Method)
	if ce.StatusCode > 0 {
		e.metrics.RecordRequest(req.Method, ce.StatusCode, duration)
	}
	e.logger.Debug("request failed",
		"method", req.Method,
		"path", req.Path,
		"type", string(ce.Type),
		"status", ce.StatusCode,
		"attempts", attempts,
		"correlationId", correlationID,
	)
	e.events.Emit(Event{
		Name: EventRequestError,
		Err:  err,
		Fields: map[string]any{
			"method":        req.Method,
			"path":          req.Path,
			"status":        ce.StatusCode,
			"errorType":     string(ce.Type),
			"duration":      duration,
			"attempts":      attempts,
			"correlationId": correlationID,
		},
	})
	return err
}

func (e *Executor) resolveURL(req *Request) string {
	u := req.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = strings.TrimRight(e.baseURL, "/") + "/" + strings.TrimLeft(u, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}
	return u
}

func isUnauthorized(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrorTypeHTTPStatus && ce.StatusCode == http.StatusUnauthorized
}
