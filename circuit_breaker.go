package portal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
	// StateDisposed is terminal; every call is rejected with ClientClosed.
	StateDisposed
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Outcome is how a finished call counts against the breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnore leaves the counters untouched (e.g. caller cancellation).
	OutcomeIgnore
)

// ClassifyOutcome is the default outcome classifier: transport failures and
// 5xx responses are dependency failures, cancellation and local conditions
// are ignored, and everything else (including 4xx) proves the dependency is up.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		return OutcomeFailure
	}
	switch ce.Type {
	case ErrorTypeTransport:
		return OutcomeFailure
	case ErrorTypeHTTPStatus:
		if ce.StatusCode >= 500 {
			return OutcomeFailure
		}
		return OutcomeSuccess
	case ErrorTypeCancellation, ErrorTypeAuth, ErrorTypeRateLimitTimeout, ErrorTypeClientClosed, ErrorTypeCircuitOpen:
		return OutcomeIgnore
	default:
		return OutcomeSuccess
	}
}

// BreakerState is the pure data the transition functions operate on.
type BreakerState struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	// Probing is true while the single half-open probe is in flight.
	Probing bool
}

// Admit decides whether a call may run at now. probe is true when the call
// is the single half-open probe.
func Admit(s BreakerState, cfg CircuitBreakerConfig, now time.Time) (next BreakerState, allowed, probe bool) {
	switch s.State {
	case StateClosed:
		return s, true, false
	case StateOpen:
		if now.Sub(s.OpenedAt) < cfg.OpenDuration {
			return s, false, false
		}
		s.State = StateHalfOpen
		s.Probing = true
		return s, true, true
	case StateHalfOpen:
		if s.Probing {
			return s, false, false
		}
		s.Probing = true
		return s, true, true
	default:
		return s, false, false
	}
}

// Record applies the outcome of a finished call.
func Record(s BreakerState, cfg CircuitBreakerConfig, probe bool, outcome Outcome, now time.Time) BreakerState {
	if s.State == StateDisposed {
		return s
	}
	if probe {
		s.Probing = false
	}

	switch outcome {
	case OutcomeSuccess:
		if probe || s.State == StateClosed {
			s.State = StateClosed
			s.ConsecutiveFailures = 0
			s.OpenedAt = time.Time{}
		}
	case OutcomeFailure:
		switch {
		case probe:
			s.State = StateOpen
			s.OpenedAt = now
			s.ConsecutiveFailures++
		case s.State == StateClosed:
			s.ConsecutiveFailures++
			if s.ConsecutiveFailures >= cfg.FailureThreshold {
				s.State = StateOpen
				s.OpenedAt = now
			}
		}
	}
	return s
}

// CircuitSnapshot is a point-in-time view of the breaker.
type CircuitSnapshot struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// CircuitBreaker gates calls to a failing dependency. Transitions are
// computed by Admit and Record; this type only serialises them and emits
// circuitBreakerOpen/HalfOpen/Close events.
type CircuitBreaker struct {
	cfg      CircuitBreakerConfig
	classify func(error) Outcome
	events   *Emitter
	logger   Logger
	metrics  *MetricsCollector
	now      func() time.Time

	mu    sync.Mutex
	state BreakerState

	// outbox holds transitions not yet emitted, in state order. One
	// goroutine at a time drains it.
	outbox   []transition
	draining bool
}

type transition struct {
	from, to CircuitState
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, events *Emitter, logger Logger, metrics *MetricsCollector) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}
	if logger == nil {
		logger = nopLogger{}
	}
	cb := &CircuitBreaker{
		cfg:      cfg,
		classify: ClassifyOutcome,
		events:   events,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	metrics.RecordCircuitState(StateClosed)
	return cb
}

// Execute runs op unless the breaker rejects it. A rejected op is never
// invoked. The half-open probe is bounded by ProbeTimeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	prev := cb.state.State
	if prev == StateDisposed {
		cb.mu.Unlock()
		return newError(ErrorTypeClientClosed, "circuit breaker disposed", nil)
	}
	now := cb.now()
	next, allowed, probe := Admit(cb.state, cb.cfg, now)
	cb.state = next
	openedAt := next.OpenedAt
	cb.queueLocked(prev, next.State)
	cb.mu.Unlock()
	cb.drain()

	if !allowed {
		retryIn := cb.cfg.OpenDuration - now.Sub(openedAt)
		if next.State == StateHalfOpen {
			retryIn = 0
		}
		return &ClientError{
			Type:      ErrorTypeCircuitOpen,
			Message:   "circuit " + next.State.String() + ", call rejected",
			Timestamp: now,
			Duration:  retryIn,
		}
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if probe && cb.cfg.ProbeTimeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, cb.cfg.ProbeTimeout)
	}
	err := op(opCtx)
	outcome := cb.classify(err)
	if cancel != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			outcome = OutcomeFailure
			err = &ClientError{Type: ErrorTypeTransport, Message: "probe timed out", Cause: err, Timestamp: cb.now()}
		}
		cancel()
	}

	cb.mu.Lock()
	prev = cb.state.State
	cb.state = Record(cb.state, cb.cfg, probe, outcome, cb.now())
	cb.queueLocked(prev, cb.state.State)
	cb.mu.Unlock()
	cb.drain()
	return err
}

func (cb *CircuitBreaker) queueLocked(from, to CircuitState) {
	if from == to || to == StateDisposed {
		return
	}
	cb.outbox = append(cb.outbox, transition{from: from, to: to})
}

// drain emits queued transitions outside mu. A listener that changes the
// breaker only queues; the goroutine already draining delivers it.
func (cb *CircuitBreaker) drain() {
	cb.mu.Lock()
	if cb.draining {
		cb.mu.Unlock()
		return
	}
	cb.draining = true
	for len(cb.outbox) > 0 {
		t := cb.outbox[0]
		cb.outbox = cb.outbox[1:]
		cb.mu.Unlock()
		cb.transitioned(t.from, t.to)
		cb.mu.Lock()
	}
	cb.draining = false
	cb.outbox = nil
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) transitioned(from, to CircuitState) {
	cb.metrics.RecordCircuitState(to)
	cb.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())

	var name EventName
	switch to {
	case StateOpen:
		name = EventCircuitBreakerOpen
	case StateHalfOpen:
		name = EventCircuitBreakerHalfOpen
	case StateClosed:
		name = EventCircuitBreakerClose
	}
	cb.events.Emit(Event{Name: name, Fields: map[string]any{"from": from.String(), "to": to.String()}})
}

// Snapshot returns the current state.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		State:               cb.state.State,
		ConsecutiveFailures: cb.state.ConsecutiveFailures,
		OpenedAt:            cb.state.OpenedAt,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.Snapshot().State
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	prev := cb.state.State
	if prev == StateDisposed {
		cb.mu.Unlock()
		return
	}
	cb.state = BreakerState{State: StateClosed}
	cb.queueLocked(prev, StateClosed)
	cb.mu.Unlock()
	cb.drain()
}

// Dispose moves the breaker into the terminal disposed state.
func (cb *CircuitBreaker) Dispose() {
	cb.mu.Lock()
	cb.state = BreakerState{State: StateDisposed}
	cb.mu.Unlock()
}
