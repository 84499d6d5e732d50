// Package backoff computes retry and reconnect delays.
package backoff

import (
	"math/rand"
	"time"
)

// Params describes an exponential backoff curve.
type Params struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) by which a delay may move up or down.
	Jitter float64
}

// Strategy maps an attempt number (0 based) to a delay.
type Strategy interface {
	Calculate(attempt int, p Params) time.Duration
}

// ExponentialJitter implements min(base*multiplier^attempt, max) adjusted by a
// uniformly distributed ±jitter fraction.
type ExponentialJitter struct {
	// Float returns a value in [0,1). Defaults to math/rand.Float64.
	Float func() float64
}

// Calculate implements Strategy.
func (s ExponentialJitter) Calculate(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^62 already overflows any useful delay
	if attempt > 62 {
		attempt = 62
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.Base) * Pow(multiplier, attempt)
	if p.Max > 0 && (delay > float64(p.Max) || delay < 0) {
		delay = float64(p.Max)
	}

	jitter := ClampJitter(p.Jitter)
	if jitter > 0 {
		r := rand.Float64
		if s.Float != nil {
			r = s.Float
		}
		delay += delay * jitter * (2*r() - 1)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ClampJitter ensures jitter is within [0, 1].
func ClampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow calculates base^exponent using integer exponentiation.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
