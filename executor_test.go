package portal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, mutate func(*Config), opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.JitterFraction = 0
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c
}

func TestClientGet(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		assert.Equal(t, "/api/entities", r.URL.Path)
		assert.Equal(t, "Component", r.URL.Query().Get("kind"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"name":"billing"}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.APIKey = "secret" })
	var events []Event
	var mu sync.Mutex
	client.Listen(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	resp, err := client.Get(context.Background(), "/api/entities", WithQueryParam("kind", "Component"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "billing", resp.Get("items.0.name").String())
	assert.Equal(t, 1, resp.Attempts)

	seen := <-headers
	assert.Equal(t, "secret", seen.Get("X-API-Key"))
	assert.Empty(t, seen.Get("Authorization"))
	assert.Equal(t, "application/json", seen.Get("Accept"))
	assert.True(t, strings.HasPrefix(seen.Get("User-Agent"), "portal-go/"))
	assert.NotEmpty(t, seen.Get(headerRequestID))
	assert.Equal(t, resp.CorrelationID, seen.Get(headerCorrelationID))
	assert.Empty(t, seen.Get(headerIdempotencyKey))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, "http.requestStart", events[0].Key())
	assert.Equal(t, "http.requestSuccess", events[1].Key())
	assert.Equal(t, http.StatusOK, events[1].Fields["status"])
}

func TestRetryOnServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	resp, err := client.Get(context.Background(), "/ping")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, StateClosed, client.Status().Circuit.State)
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_kind","message":"kind is not supported","details":{"field":"kind"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.Get(context.Background(), "/api/entities")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTypeHTTPStatus, ce.Type)
	assert.Equal(t, http.StatusBadRequest, ce.StatusCode)
	assert.Equal(t, "invalid_kind", ce.Code)
	assert.Equal(t, "kind is not supported", ce.Message)
	assert.Equal(t, "kind", ce.Details["field"])
	assert.Equal(t, 1, ce.Attempt)
	assert.Equal(t, 3, ce.MaxAttempts)
	assert.Equal(t, http.MethodGet, ce.Method)

	// a 4xx is a healthy dependency
	assert.Equal(t, 0, client.Status().Circuit.ConsecutiveFailures)
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.Get(context.Background(), "/ping")
	assert.ErrorIs(t, err, ErrHTTPStatus)
	assert.Equal(t, int32(3), calls.Load())

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)
	assert.Equal(t, 3, ce.Attempt)
	assert.Equal(t, 1, client.Status().Circuit.ConsecutiveFailures)
}

func TestIdempotencyKeyReusedAcrossAttempts(t *testing.T) {
	var (
		mu         sync.Mutex
		keys       []string
		requestIDs []string
		corrIDs    []string
		bodies     []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		keys = append(keys, r.Header.Get(headerIdempotencyKey))
		requestIDs = append(requestIDs, r.Header.Get(headerRequestID))
		corrIDs = append(corrIDs, r.Header.Get(headerCorrelationID))
		bodies = append(bodies, string(body))
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	resp, err := client.Post(context.Background(), "/api/entities", map[string]string{"name": "billing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])
	assert.Equal(t, corrIDs[0], corrIDs[2])
	assert.NotEqual(t, requestIDs[0], requestIDs[1])
	for _, b := range bodies {
		assert.JSONEq(t, `{"name":"billing"}`, b)
	}
}

func TestExplicitIdempotencyKey(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(headerIdempotencyKey)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.Delete(context.Background(), "/api/entities/1", WithIdempotencyKey("delete-1"))
	require.NoError(t, err)
	assert.Equal(t, "delete-1", <-got)
}

func TestReusedRequestGetsFreshIdempotencyKey(t *testing.T) {
	keys := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		keys <- r.Header.Get(headerIdempotencyKey)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	req := &Request{Method: "post", Path: "/api/entities", Body: []byte(`{}`), ContentType: "application/json"}

	_, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	_, err = client.Do(context.Background(), req)
	require.NoError(t, err)

	first, second := <-keys, <-keys
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "each call is its own logical mutation")
	assert.Equal(t, "post", req.Method)
	assert.Empty(t, req.IdempotencyKey)
}

func TestUnauthorizedRefreshAndReplay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	refresher := RefresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
		refreshes.Add(1)
		assert.Equal(t, "r1", current.RefreshToken)
		return Credentials{AccessToken: "fresh", RefreshToken: "r2", Kind: KindBearer}, nil
	})
	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.BearerToken = "stale"
		cfg.RefreshToken = "r1"
	}, WithRefresher(refresher))

	resp, err := client.Get(context.Background(), "/api/me")
	require.NoError(t, err)
	assert.True(t, resp.Get("ok").Bool())
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, "fresh", client.AccessToken())
}

func TestUnauthorizedRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token_expired","message":"token expired"}`))
	}))
	defer srv.Close()

	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		return Credentials{}, errors.New("refresh endpoint down")
	})
	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.BearerToken = "stale"
		cfg.RefreshToken = "r1"
	}, WithRefresher(refresher))

	var authErrors atomic.Int32
	client.On(EventAuthError, func(Event) { authErrors.Add(1) })

	_, err := client.Get(context.Background(), "/api/me")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.Equal(t, "token_expired", ce.Code)
	assert.Contains(t, ce.Details["refreshError"], "refresh endpoint down")
	assert.ErrorIs(t, ce.Cause, ErrHTTPStatus)
	assert.Equal(t, int32(1), authErrors.Load())

	// auth failures are neutral for the breaker
	assert.Equal(t, 0, client.Status().Circuit.ConsecutiveFailures)
}

func TestUnauthorizedAfterReplay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		return Credentials{AccessToken: "fresh", Kind: KindBearer}, nil
	})
	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.BearerToken = "stale"
		cfg.RefreshToken = "r1"
	}, WithRefresher(refresher))

	_, err := client.Get(context.Background(), "/api/me")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWithoutAuthSkipsRefresh(t *testing.T) {
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		refreshes.Add(1)
		return Credentials{AccessToken: "fresh", Kind: KindBearer}, nil
	})
	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.BearerToken = "stale"
		cfg.RefreshToken = "r1"
	}, WithRefresher(refresher))

	_, err := client.Get(context.Background(), "/api/public", WithoutAuth())
	assert.ErrorIs(t, err, ErrHTTPStatus)
	assert.False(t, sawAuth.Load())
	assert.Equal(t, int32(0), refreshes.Load())
}

func TestExpiredCredentialSingleFlightRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	release := make(chan struct{})
	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		refreshes.Add(1)
		<-release
		return Credentials{AccessToken: "fresh", Kind: KindBearer, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.BearerToken = signedToken(t, time.Now().Add(-time.Hour))
		cfg.RefreshToken = "r1"
	}, WithRefresher(refresher))
	require.False(t, client.IsAuthenticated())

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Get(context.Background(), "/api/me")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), refreshes.Load())
	assert.True(t, client.IsAuthenticated())
}

func TestCallerCancellationIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.CircuitBreaker.FailureThreshold = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.Get(ctx, "/slow")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, client.Status().Circuit.State)
}

func TestAttemptTimeoutIsTransportFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Retry.MaxAttempts = 2 })

	_, err := client.Get(context.Background(), "/slow", WithCallTimeout(30*time.Millisecond))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, client.Status().Circuit.ConsecutiveFailures)
}

func TestCircuitOpenRejectsWithoutCalling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 1
		cfg.CircuitBreaker.FailureThreshold = 1
	})
	var opened atomic.Int32
	client.On(EventCircuitBreakerOpen, func(Event) { opened.Add(1) })

	_, err := client.Get(context.Background(), "/ping")
	assert.ErrorIs(t, err, ErrHTTPStatus)
	_, err = client.Get(context.Background(), "/ping")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, StateOpen, client.Status().Circuit.State)

	require.NoError(t, client.ResetCircuitBreaker())
	assert.Equal(t, StateClosed, client.Status().Circuit.State)
}

func TestRateLimitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Quota: 1, Window: time.Hour, MaxWait: 10 * time.Millisecond}
	})

	_, err := client.Get(context.Background(), "/ping")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/ping")
	assert.ErrorIs(t, err, ErrRateLimitTimeout)
	assert.Equal(t, 1, client.Status().RateLimit.Count)
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "catalog", r.FormValue("kind"))
		f, header, err := r.FormFile("document")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "catalog-info.yaml", header.Filename)
		assert.Equal(t, "apiVersion: v1", string(data))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	resp, err := client.Upload(context.Background(), "/api/upload", UploadFile{
		FieldName: "document",
		FileName:  "catalog-info.yaml",
		Content:   strings.NewReader("apiVersion: v1"),
	}, map[string]string{"kind": "catalog"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var v map[string]any
	assert.NoError(t, resp.JSON(&v))
	assert.Nil(t, v)
}

func TestMiddlewareSeesEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Traced"))
	}))
	defer srv.Close()

	var seen atomic.Int32
	mw := func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		seen.Add(1)
		req.Header.Set("X-Traced", "yes")
		return next.RoundTrip(req)
	}
	client := newTestClient(t, srv.URL, nil, WithMiddleware(mw))

	_, err := client.Get(context.Background(), "/ping")
	require.NoError(t, err)
	assert.Equal(t, int32(2), seen.Load())
}

func TestOversizedResponseBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/small" {
			_, _ = w.Write([]byte(strings.Repeat("a", 64)))
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("a", 65)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.MaxResponseBody = 64
		cfg.Retry.MaxAttempts = 1
	})

	resp, err := client.Get(context.Background(), "/small")
	require.NoError(t, err)
	assert.Len(t, resp.Body, 64)

	resp, err = client.Get(context.Background(), "/large")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTransport)

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "response body exceeds limit", ce.Message)
	assert.Equal(t, int64(64), ce.Details["limit"])
	assert.Equal(t, int32(2), calls.Load())
}
