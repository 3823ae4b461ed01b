package authstate

import "time"

// TTLPolicy derives how long a State stays fresh:
// max(Min, Base × factor(confidence) / (1 + consecutive failures)).
type TTLPolicy struct {
	Base       time.Duration
	Min        time.Duration
	HighFactor float64
	LowFactor  float64
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Base:       5 * time.Minute,
		Min:        5 * time.Second,
		HighFactor: 1.0,
		LowFactor:  0.25,
	}
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	d := DefaultTTLPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Min <= 0 {
		p.Min = d.Min
	}
	if p.HighFactor <= 0 {
		p.HighFactor = d.HighFactor
	}
	if p.LowFactor <= 0 {
		p.LowFactor = d.LowFactor
	}
	return p
}

// Adjusted returns the freshness window for s.
func (p TTLPolicy) Adjusted(s State) time.Duration {
	var factor float64
	switch s.Confidence {
	case ConfidenceHigh:
		factor = p.HighFactor
	case ConfidenceLow:
		factor = p.LowFactor
	}
	failures := s.ConsecutiveFailures
	if failures < 0 {
		failures = 0
	}
	ttl := time.Duration(float64(p.Base) * factor / float64(1+failures))
	if ttl < p.Min {
		return p.Min
	}
	return ttl
}

// ValidUntil is CheckedAt plus the adjusted TTL.
func (p TTLPolicy) ValidUntil(s State) time.Time {
	return s.CheckedAt.Add(p.Adjusted(s))
}
