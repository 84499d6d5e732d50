// Package portal is the network core of the developer portal client: one
// credential set shared by a resilient HTTP executor and a GraphQL
// subscription channel.
//
//   - Auth: API key or bearer credentials, JWT expiry, single-flight refresh
//     and a one-shot refresh+replay on 401
//   - Rate limiting (fixed window with reserved slots)
//   - Circuit breaker (closed / open / half-open with a single probe)
//   - Retries with exponential backoff ± jitter, honouring Retry-After
//   - Subscription channel over graphql-ws with reconnect and in-order replay
//   - One event stream namespaced by origin, Prometheus metrics and
//     pluggable structured logging (zap, zerolog, logrus)
//
// Every HTTP call runs rate limiter → circuit breaker → retry → auth header →
// transport. Every public operation returns either a value or a *ClientError
// whose Type classifies it.
//
// Typical usage:
//
//	cfg, err := portal.LoadConfig("portal.yaml", ".env")
//	if err != nil {
//	    return err
//	}
//	client, err := portal.New(cfg, portal.WithLogger(portal.NewZapLogger(zapLogger)))
//	if err != nil {
//	    return err
//	}
//	defer client.Dispose()
//
//	resp, err := client.Get(ctx, "/api/catalog/entities", portal.WithQueryParam("kind", "Component"))
//
// A Client must be disposed. Dispose stops background timers, closes the
// subscription channel and detaches listeners; no listener runs after it
// returns.
package portal
