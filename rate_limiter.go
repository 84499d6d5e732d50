package portal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is fixed-window admission control. Time is cut into windows of
// Window length aligned to the Unix epoch; each window admits at most Quota
// calls. A caller that does not fit reserves a slot in the first later window
// with headroom and is suspended until that window starts, so calls are
// delayed rather than rejected.
//
// Fixed windows allow up to 2×Quota calls across a window boundary.
type RateLimiter struct {
	quota   int
	window  time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	buckets map[int64]int
	waiting int

	done     chan struct{}
	stopOnce sync.Once

	logger   Logger
	metrics  *MetricsCollector
	logEvery rate.Sometimes

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter from cfg. A non-positive quota or window
// disables limiting.
func NewRateLimiter(cfg RateLimitConfig, logger Logger, metrics *MetricsCollector) *RateLimiter {
	if logger == nil {
		logger = nopLogger{}
	}
	rl := &RateLimiter{
		quota:    cfg.Quota,
		window:   cfg.Window,
		maxWait:  cfg.MaxWait,
		buckets:  make(map[int64]int),
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  metrics,
		logEvery: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		now:      time.Now,
	}
	rl.wait = rl.sleep
	return rl
}

func (rl *RateLimiter) enabled() bool {
	return rl != nil && rl.quota > 0 && rl.window > 0
}

// Admit returns once the call may proceed. It fails only when ctx is done,
// the limiter is stopped, or the wait would exceed MaxWait.
func (rl *RateLimiter) Admit(ctx context.Context) error {
	if !rl.enabled() {
		return nil
	}
	select {
	case <-rl.done:
		return newError(ErrorTypeClientClosed, "rate limiter stopped", nil)
	default:
	}

	rl.mu.Lock()
	now := rl.now()
	current := now.UnixNano() / int64(rl.window)
	rl.evictLocked(current)

	bucket := current
	for rl.buckets[bucket] >= rl.quota {
		bucket++
	}

	if bucket == current {
		rl.buckets[bucket]++
		rl.mu.Unlock()
		return nil
	}

	delay := time.Unix(0, bucket*int64(rl.window)).Sub(now)
	if rl.maxWait > 0 && delay > rl.maxWait {
		rl.mu.Unlock()
		return &ClientError{
			Type:      ErrorTypeRateLimitTimeout,
			Message:   "admission would wait " + delay.String(),
			Timestamp: now,
			Duration:  delay,
		}
	}
	rl.buckets[bucket]++
	rl.waiting++
	rl.mu.Unlock()

	rl.metrics.SetRateLimitWaiting(1)
	rl.logEvery.Do(func() {
		rl.logger.Debug("rate limit quota exhausted, delaying call", "delay", delay, "quota", rl.quota, "window", rl.window)
	})

	err := rl.wait(ctx, delay)

	rl.mu.Lock()
	rl.waiting--
	if err != nil {
		if rl.buckets[bucket] > 0 {
			rl.buckets[bucket]--
		}
	}
	rl.mu.Unlock()
	rl.metrics.SetRateLimitWaiting(-1)

	if err != nil {
		return normalizeError(err)
	}
	rl.metrics.RecordRateLimitWait(delay)
	return nil
}

func (rl *RateLimiter) evictLocked(current int64) {
	for b := range rl.buckets {
		if b < current {
			delete(rl.buckets, b)
		}
	}
}

func (rl *RateLimiter) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.done:
		return newError(ErrorTypeClientClosed, "rate limiter stopped", nil)
	}
}

// Count returns the admissions recorded for the window containing now.
func (rl *RateLimiter) Count() int {
	if !rl.enabled() {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.buckets[rl.now().UnixNano()/int64(rl.window)]
}

// Waiting returns the number of suspended callers.
func (rl *RateLimiter) Waiting() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.waiting
}

// Stop releases every suspended caller with a ClientClosed error and makes
// later Admit calls fail.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.done) })
}
