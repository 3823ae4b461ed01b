// Package authstate answers "is this client currently authorized?" from a
// cache whose trust shrinks with failures, backed by a single-flight check
// coordinator, a grace window that masks transient failures, a subscription
// bus, and a guard that sequences initialization and guarded requests.
package authstate

import (
	"time"

	"github.com/valinor-ai/authguard/internal/probe"
)

// Confidence is how far a State can be trusted.
type Confidence string

const (
	ConfidenceNone Confidence = "none"
	ConfidenceLow  Confidence = "low"
	ConfidenceHigh Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Source says where a State came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceDirect   Source = "direct"
	SourceFallback Source = "fallback"
)

// State is an immutable authorization snapshot. A high-confidence State
// always has zero consecutive failures.
type State struct {
	Authenticated       bool            `json:"authenticated" yaml:"authenticated"`
	Confidence          Confidence      `json:"confidence" yaml:"confidence"`
	Source              Source          `json:"source" yaml:"source"`
	CheckedAt           time.Time       `json:"checked_at" yaml:"checked_at"`
	ConsecutiveFailures int             `json:"consecutive_failures" yaml:"consecutive_failures"`
	Err                 string          `json:"error,omitempty" yaml:"error,omitempty"`
	Kind                probe.ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Established reports whether the State carries any answer at all.
func (s State) Established() bool {
	return s.Confidence == ConfidenceLow || s.Confidence == ConfidenceHigh
}

func (s State) differs(o State) bool {
	return s.Authenticated != o.Authenticated || s.Confidence != o.Confidence || s.Source != o.Source
}

func noneState(now time.Time) State {
	return State{Confidence: ConfidenceNone, Source: SourceDirect, CheckedAt: now}
}

// GraceOverride holds the last known good State while a fresh answer is
// failing. It never outlives Deadline.
type GraceOverride struct {
	LastKnownGood State     `json:"last_known_good" yaml:"last_known_good"`
	Deadline      time.Time `json:"deadline" yaml:"deadline"`
}
