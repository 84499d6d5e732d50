package portal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asklokesh/NEXT-Portal-sub005/internal/backoff"
)

// RetryPolicy runs one logical operation with bounded exponential backoff.
// Attempts are strictly sequential.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable decides whether a failed attempt may be retried.
	// Defaults to IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	strategy backoff.Strategy
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		JitterFraction: cfg.JitterFraction,
		Retryable:      IsRetryable,
		strategy:       backoff.ExponentialJitter{},
		sleep:          sleepContext,
	}
}

// Delay returns the backoff before attempt+1, i.e.
// min(BaseDelay*Multiplier^attempt, MaxDelay) ± JitterFraction.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	strategy := p.strategy
	if strategy == nil {
		strategy = backoff.ExponentialJitter{}
	}
	return strategy.Calculate(attempt, backoff.Params{
		Base:       p.BaseDelay,
		Max:        p.MaxDelay,
		Multiplier: p.Multiplier,
		Jitter:     p.JitterFraction,
	})
}

// Run calls op until it succeeds, fails terminally, or MaxAttempts attempts
// have been made, and returns the last error. attempt is 0 based. A done ctx
// stops further attempts.
func (p *RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt+1 >= maxAttempts || ctx.Err() != nil {
			return err
		}

		delay := p.Delay(attempt)
		if ra := retryAfterOf(err); ra > 0 {
			delay = ra
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return normalizeError(sleepErr)
		}
	}
	return err
}

func retryAfterOf(err error) time.Duration {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := t.Sub(now)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
