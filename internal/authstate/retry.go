package authstate

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the attempts of one check and spaces them out.
type RetryPolicy struct {
	MaxAttempts          int
	Delays               []time.Duration
	JitterRatio          float64
	FailureStep          float64
	MaxFailureMultiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		Delays:               []time.Duration{time.Second, 2 * time.Second},
		JitterRatio:          0.2,
		FailureStep:          0.25,
		MaxFailureMultiplier: 2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	}
	if p.MaxFailureMultiplier < 1 {
		p.MaxFailureMultiplier = 1
	}
	return p
}

// Delay is the wait after the given failed attempt (1-based). jitter is a
// sample in [0, 1); failures is the failure count before the check began.
func (p RetryPolicy) Delay(attempt, failures int, jitter float64) time.Duration {
	if len(p.Delays) == 0 || attempt < 1 {
		return 0
	}
	idx := min(attempt-1, len(p.Delays)-1)
	base := float64(p.Delays[idx])

	spread := 1 + p.JitterRatio*(2*jitter-1)

	multiplier := 1 + p.FailureStep*float64(max(failures, 0))
	if p.MaxFailureMultiplier >= 1 && multiplier > p.MaxFailureMultiplier {
		multiplier = p.MaxFailureMultiplier
	}

	d := time.Duration(base * spread * multiplier)
	if d < 0 {
		return 0
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter() float64 {
	return rand.Float64()
}
