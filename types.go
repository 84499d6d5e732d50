package portal

import "net/http"

// Middleware wraps a single transport attempt. It runs inside the retry loop
// after the auth and correlation headers are attached, so it sees every
// attempt and the auth replay.
type Middleware func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// Option configures collaborators of a Client that are not plain data.
type Option func(*Client)

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// chainMiddleware wraps base so that middleware[0] is outermost.
func chainMiddleware(base http.RoundTripper, middleware []Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	current := base
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		})
	}
	return current
}
