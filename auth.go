package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/asklokesh/NEXT-Portal-sub005/internal/singleflight"
)

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "X-API-Key"

	refreshFlightKey = "refresh"
)

// AuthHeader is a single outbound header carrying the credential.
type AuthHeader struct {
	Name  string
	Value string
}

// Refresher exchanges a refresh token for new credentials. It is the only
// network I/O performed by the auth layer.
type Refresher interface {
	Refresh(ctx context.Context, current Credentials) (Credentials, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current Credentials) (Credentials, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, current Credentials) (Credentials, error) {
	return f(ctx, current)
}

// HTTPRefresher posts {"refresh_token": ...} to BaseURL+Path and reads
// access_token, refresh_token and expires_in/expires_at from the reply.
type HTTPRefresher struct {
	BaseURL   string
	Path      string
	Client    *http.Client
	UserAgent string
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, current Credentials) (Credentials, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return Credentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.BaseURL, "/")+r.Path, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, &ClientError{
			Type:       ErrorTypeAuth,
			Message:    "token refresh rejected",
			StatusCode: resp.StatusCode,
			Code:       gjson.GetBytes(payload, "error").String(),
			Body:       payload,
			Method:     http.MethodPost,
			Path:       r.Path,
			Timestamp:  time.Now(),
		}
	}

	return parseRefreshResponse(payload, current, time.Now())
}

func parseRefreshResponse(payload []byte, current Credentials, now time.Time) (Credentials, error) {
	if !gjson.ValidBytes(payload) {
		return Credentials{}, fmt.Errorf("refresh response is not valid JSON")
	}
	res := gjson.ParseBytes(payload)

	access := res.Get("access_token").String()
	if access == "" {
		return Credentials{}, fmt.Errorf("refresh response has no access_token")
	}

	next := Credentials{
		AccessToken:  access,
		RefreshToken: current.RefreshToken,
		Kind:         KindBearer,
	}
	if rt := res.Get("refresh_token").String(); rt != "" {
		next.RefreshToken = rt
	}

	switch expAt := res.Get("expires_at"); {
	case res.Get("expires_in").Exists():
		next.ExpiresAt = now.Add(time.Duration(res.Get("expires_in").Float() * float64(time.Second)))
	case expAt.Type == gjson.Number:
		next.ExpiresAt = time.Unix(expAt.Int(), 0)
	case expAt.Type == gjson.String:
		if t, err := time.Parse(time.RFC3339, expAt.String()); err == nil {
			next.ExpiresAt = t
		}
	}
	return next, nil
}

// tokenExpiry reads the exp claim without verifying the signature. A token
// that is not a JWT has no known expiry.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// AuthCoordinator owns the credential store, resolves the outbound auth
// header and runs at most one refresh at a time.
type AuthCoordinator struct {
	store     *CredentialStore
	refresher Refresher
	events    *Emitter
	logger    Logger
	metrics   *MetricsCollector
	flight    singleflight.Group[Credentials]

	skew           time.Duration
	refreshLead    time.Duration
	autoRefresh    bool
	refreshTimeout time.Duration
	now            func() time.Time

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewAuthCoordinator creates a coordinator emitting tokensUpdated and
// authError on events.
func NewAuthCoordinator(cfg AuthConfig, refresher Refresher, events *Emitter, logger Logger, metrics *MetricsCollector) *AuthCoordinator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &AuthCoordinator{
		store:          NewCredentialStore(events),
		refresher:      refresher,
		events:         events,
		logger:         logger,
		metrics:        metrics,
		skew:           cfg.ExpirySkew,
		refreshLead:    cfg.RefreshLead,
		autoRefresh:    cfg.AutoRefresh,
		refreshTimeout: cfg.RefreshTimeout,
		now:            time.Now,
	}
}

// ResolveAuthHeader returns the header for the current credentials without
// blocking on the network.
func (a *AuthCoordinator) ResolveAuthHeader() (AuthHeader, bool) {
	creds, _ := a.store.Get()
	return authHeaderFor(creds)
}

func authHeaderFor(creds Credentials) (AuthHeader, bool) {
	if creds.Empty() {
		return AuthHeader{}, false
	}
	if creds.Kind == KindAPIKey {
		return AuthHeader{Name: headerAPIKey, Value: creds.AccessToken}, true
	}
	return AuthHeader{Name: headerAuthorization, Value: "Bearer " + creds.AccessToken}, true
}

// InitPayload is the connection_init payload for the subscription channel.
func (a *AuthCoordinator) InitPayload() map[string]any {
	h, ok := a.ResolveAuthHeader()
	if !ok {
		return map[string]any{}
	}
	return map[string]any{h.Name: h.Value}
}

// SetCredentials replaces the credentials. A bearer token without an
// explicit expiry gets one from its JWT exp claim when present.
func (a *AuthCoordinator) SetCredentials(c Credentials) {
	if c.Kind == KindBearer && c.ExpiresAt.IsZero() {
		c.ExpiresAt = tokenExpiry(c.AccessToken)
	}
	a.store.Set(c)
	a.scheduleAutoRefresh(c)
}

// SetAPIKey installs an API key credential.
func (a *AuthCoordinator) SetAPIKey(key string) {
	a.SetCredentials(Credentials{AccessToken: key, Kind: KindAPIKey})
}

// SetBearerToken installs a bearer credential with an optional refresh token.
func (a *AuthCoordinator) SetBearerToken(token, refreshToken string) {
	a.SetCredentials(Credentials{AccessToken: token, RefreshToken: refreshToken, Kind: KindBearer})
}

// Clear drops the credentials and cancels any scheduled refresh.
func (a *AuthCoordinator) Clear() {
	a.stopTimer()
	a.store.Clear()
}

// IsAuthenticated reports whether usable credentials are present.
func (a *AuthCoordinator) IsAuthenticated() bool {
	creds, _ := a.store.Get()
	return !creds.Empty() && !creds.ExpiredAt(a.now(), a.skew)
}

// AccessToken returns the current access token, or "".
func (a *AuthCoordinator) AccessToken() string {
	creds, _ := a.store.Get()
	return creds.AccessToken
}

// Credentials returns a copy of the current credentials.
func (a *AuthCoordinator) Credentials() Credentials {
	creds, _ := a.store.Get()
	return creds
}

// Generation returns the credential generation, used to detect that another
// caller already refreshed.
func (a *AuthCoordinator) Generation() uint64 {
	return a.store.Generation()
}

// needsRefresh reports whether the credentials are expired but refreshable,
// together with the generation observed.
func (a *AuthCoordinator) needsRefresh() (bool, uint64) {
	creds, gen := a.store.Get()
	return creds.Refreshable() && creds.ExpiredAt(a.now(), a.skew), gen
}

// Refresh exchanges the refresh token for new credentials. Concurrent callers
// share one in-flight refresh. Failures are never retried here.
func (a *AuthCoordinator) Refresh(ctx context.Context) error {
	return a.refreshIfStale(ctx, a.store.Generation())
}

// refreshIfStale refreshes only if the credentials are still those of
// generation gen; otherwise another caller already replaced them.
func (a *AuthCoordinator) refreshIfStale(ctx context.Context, gen uint64) error {
	if a.store.Generation() != gen {
		return nil
	}
	_, err, _ := a.flight.Do(ctx, refreshFlightKey, a.refreshFn(gen))
	return normalizeError(err)
}

func (a *AuthCoordinator) refreshFn(gen uint64) func(context.Context) (Credentials, error) {
	return func(ctx context.Context) (Credentials, error) {
		current, currentGen := a.store.Get()
		if currentGen != gen {
			return current, nil
		}
		if a.refresher == nil || !current.Refreshable() {
			err := &ClientError{Type: ErrorTypeAuth, Message: "no refresh token available", Timestamp: a.now()}
			a.fail(err)
			return Credentials{}, err
		}

		if a.refreshTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.refreshTimeout)
			defer cancel()
		}

		start := a.now()
		next, err := a.refresher.Refresh(ctx, current)
		if err != nil {
			authErr := &ClientError{
				Type:      ErrorTypeAuth,
				Message:   "token refresh failed",
				Cause:     err,
				Timestamp: a.now(),
				Duration:  a.now().Sub(start),
			}
			var ce *ClientError
			if errors.As(err, &ce) {
				authErr.StatusCode = ce.StatusCode
				authErr.Code = ce.Code
			}
			a.fail(authErr)
			return Credentials{}, authErr
		}

		if next.Kind == KindNone {
			next.Kind = KindBearer
		}
		if next.RefreshToken == "" {
			next.RefreshToken = current.RefreshToken
		}
		if next.ExpiresAt.IsZero() {
			next.ExpiresAt = tokenExpiry(next.AccessToken)
		}

		a.store.Set(next)
		a.scheduleAutoRefresh(next)
		a.metrics.RecordTokenRefresh(true)
		a.logger.Debug("token refreshed", "expiresAt", next.ExpiresAt)
		return next, nil
	}
}

func (a *AuthCoordinator) fail(err *ClientError) {
	a.metrics.RecordTokenRefresh(false)
	a.logger.Warn("token refresh failed", "error", err.Error())
	a.events.Emit(Event{
		Name:   EventAuthError,
		Err:    err,
		Fields: map[string]any{"status": err.StatusCode},
	})
}

func (a *AuthCoordinator) scheduleAutoRefresh(c Credentials) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.stopped || !a.autoRefresh || !c.Refreshable() || c.ExpiresAt.IsZero() {
		return
	}

	delay := c.ExpiresAt.Sub(a.now()) - a.refreshLead
	if delay < 0 {
		delay = 0
	}
	gen := a.store.Generation()
	a.timer = time.AfterFunc(delay, func() {
		if a.store.Generation() != gen {
			return
		}
		_, err, ran := a.flight.TryDo(context.Background(), refreshFlightKey, a.refreshFn(gen))
		if ran && err != nil {
			a.logger.Debug("scheduled refresh failed", "error", err.Error())
		}
	})
}

func (a *AuthCoordinator) stopTimer() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Stop cancels the auto-refresh timer permanently.
func (a *AuthCoordinator) Stop() {
	a.timerMu.Lock()
	a.stopped = true
	a.timerMu.Unlock()
	a.stopTimer()
}
