package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user:default/guest",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func newTestAuth(refresher Refresher, events *Emitter) *AuthCoordinator {
	return NewAuthCoordinator(AuthConfig{ExpirySkew: time.Minute}, refresher, events, nil, nil)
}

func TestResolveAuthHeader(t *testing.T) {
	a := newTestAuth(nil, nil)

	_, ok := a.ResolveAuthHeader()
	assert.False(t, ok, "no credentials should yield no header")

	a.SetAPIKey("key-123")
	h, ok := a.ResolveAuthHeader()
	require.True(t, ok)
	assert.Equal(t, AuthHeader{Name: "X-API-Key", Value: "key-123"}, h)
	assert.Equal(t, map[string]any{"X-API-Key": "key-123"}, a.InitPayload())

	a.SetBearerToken("tok", "")
	h, ok = a.ResolveAuthHeader()
	require.True(t, ok)
	assert.Equal(t, AuthHeader{Name: "Authorization", Value: "Bearer tok"}, h)

	a.Clear()
	_, ok = a.ResolveAuthHeader()
	assert.False(t, ok)
	assert.Equal(t, map[string]any{}, a.InitPayload())
}

func TestBearerExpiryFromJWT(t *testing.T) {
	a := newTestAuth(nil, nil)
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	a.SetBearerToken(signedToken(t, exp), "refresh")

	assert.True(t, a.Credentials().ExpiresAt.Equal(exp))
	assert.True(t, a.IsAuthenticated())

	a.SetBearerToken(signedToken(t, time.Now().Add(30*time.Second)), "refresh")
	assert.False(t, a.IsAuthenticated(), "token inside the skew window counts as expired")

	a.SetBearerToken("opaque-token", "")
	assert.True(t, a.Credentials().ExpiresAt.IsZero())
	assert.True(t, a.IsAuthenticated())
}

func TestAPIKeyNeverExpires(t *testing.T) {
	c := Credentials{AccessToken: "k", Kind: KindAPIKey, ExpiresAt: time.Unix(1, 0)}
	assert.False(t, c.ExpiredAt(time.Now(), 0))
	assert.False(t, c.Refreshable())
}

func TestRefreshIsSingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	refresher := RefresherFunc(func(ctx context.Context, current Credentials) (Credentials, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Credentials{AccessToken: "fresh", Kind: KindBearer}, nil
	})

	a := newTestAuth(refresher, nil)
	a.SetBearerToken("stale", "refresh-1")
	gen := a.Generation()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.refreshIfStale(context.Background(), gen)
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "fresh", a.AccessToken())
	assert.Equal(t, "refresh-1", a.Credentials().RefreshToken, "refresh token is kept when the server omits it")

	require.NoError(t, a.refreshIfStale(context.Background(), gen))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a stale generation must not trigger another refresh")
}

func TestRefreshFailureLeavesCredentials(t *testing.T) {
	events := NewEmitter()
	var authErrors []Event
	events.Subscribe(func(ev Event) {
		if ev.Name == EventAuthError {
			authErrors = append(authErrors, ev)
		}
	})

	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		return Credentials{}, errors.New("refresh endpoint down")
	})
	a := newTestAuth(refresher, events)
	a.SetBearerToken("old", "refresh")

	err := a.Refresh(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, "old", a.AccessToken())
	require.Len(t, authErrors, 1)
	assert.Error(t, authErrors[0].Err)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	a := newTestAuth(RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		t.Fatal("refresher must not be called")
		return Credentials{}, nil
	}), nil)
	a.SetAPIKey("key")

	err := a.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestTokensUpdatedEvents(t *testing.T) {
	events := NewEmitter()
	var kinds []any
	events.Subscribe(func(ev Event) {
		if ev.Name == EventTokensUpdated {
			kinds = append(kinds, ev.Fields["kind"])
		}
	})
	a := newTestAuth(nil, events)

	a.SetAPIKey("k")
	a.SetBearerToken("b", "")
	a.Clear()

	assert.Equal(t, []any{"api-key", "bearer", "none"}, kinds)
}

func TestHTTPRefresher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/refresh", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh_token"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"INVALID_REFRESH","message":"expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"rotated","expires_in":3600}`))
	}))
	defer server.Close()

	r := &HTTPRefresher{BaseURL: server.URL + "/", Path: "/api/auth/refresh", Client: server.Client()}

	before := time.Now()
	next, err := r.Refresh(context.Background(), Credentials{RefreshToken: "good", Kind: KindBearer})
	require.NoError(t, err)
	assert.Equal(t, "new-access", next.AccessToken)
	assert.Equal(t, "rotated", next.RefreshToken)
	assert.Equal(t, KindBearer, next.Kind)
	assert.WithinDuration(t, before.Add(time.Hour), next.ExpiresAt, 5*time.Second)

	_, err = r.Refresh(context.Background(), Credentials{RefreshToken: "bad", Kind: KindBearer})
	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTypeAuth, ce.Type)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.Equal(t, "INVALID_REFRESH", ce.Code)
}

func TestParseRefreshResponse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	current := Credentials{RefreshToken: "keep", Kind: KindBearer}

	c, err := parseRefreshResponse([]byte(`{"access_token":"a","expires_at":"2024-05-01T13:00:00Z"}`), current, now)
	require.NoError(t, err)
	assert.Equal(t, "keep", c.RefreshToken)
	assert.True(t, c.ExpiresAt.Equal(now.Add(time.Hour)))

	c, err = parseRefreshResponse([]byte(`{"access_token":"a","expires_at":1714568400}`), current, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1714568400), c.ExpiresAt.Unix())

	_, err = parseRefreshResponse([]byte(`{"token":"a"}`), current, now)
	assert.Error(t, err)

	_, err = parseRefreshResponse([]byte(`not json`), current, now)
	assert.Error(t, err)
}

func TestAutoRefreshFiresBeforeExpiry(t *testing.T) {
	var calls int32
	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		atomic.AddInt32(&calls, 1)
		return Credentials{AccessToken: "renewed", Kind: KindBearer, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	})
	a := NewAuthCoordinator(AuthConfig{AutoRefresh: true, RefreshLead: time.Hour}, refresher, nil, nil, nil)
	defer a.Stop()

	a.SetCredentials(Credentials{
		AccessToken:  "current",
		RefreshToken: "r",
		Kind:         KindBearer,
		ExpiresAt:    time.Now().Add(30 * time.Minute),
	})

	require.Eventually(t, func() bool { return a.AccessToken() == "renewed" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClearCancelsAutoRefresh(t *testing.T) {
	var calls int32
	refresher := RefresherFunc(func(context.Context, Credentials) (Credentials, error) {
		atomic.AddInt32(&calls, 1)
		return Credentials{AccessToken: "renewed", Kind: KindBearer}, nil
	})
	a := NewAuthCoordinator(AuthConfig{AutoRefresh: true, RefreshLead: time.Minute}, refresher, nil, nil, nil)

	a.SetCredentials(Credentials{
		AccessToken:  "current",
		RefreshToken: "r",
		Kind:         KindBearer,
		ExpiresAt:    time.Now().Add(time.Minute + 50*time.Millisecond),
	})
	a.Clear()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
