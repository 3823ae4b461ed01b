// Package diagnostics records authorization-relevant requests in a bounded
// ring buffer, derives error statistics, and classifies denials. It is a
// best-effort side channel: nothing here returns errors to callers or
// changes their control flow.
package diagnostics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
	"github.com/valinor-ai/authguard/internal/probe"
)

// Meta carries the signals known when a request starts.
type Meta struct {
	CredentialsPresent bool
	TokenPresent       bool
}

// Outcome is how a tracked request ended. Kind is empty on success.
type Outcome struct {
	Status int
	Kind   probe.ErrorKind
	Err    error
	Markup bool
}

// RequestRecord is one completed request.
type RequestRecord struct {
	ID                 string          `json:"id" yaml:"id"`
	StartedAt          time.Time       `json:"started_at" yaml:"started_at"`
	EndedAt            time.Time       `json:"ended_at" yaml:"ended_at"`
	Method             string          `json:"method" yaml:"method"`
	Target             string          `json:"target" yaml:"target"`
	Status             int             `json:"status" yaml:"status"`
	DurationMs         float64         `json:"duration_ms" yaml:"duration_ms"`
	Kind               probe.ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Error              string          `json:"error,omitempty" yaml:"error,omitempty"`
	CredentialsPresent bool            `json:"credentials_present" yaml:"credentials_present"`
	TokenPresent       bool            `json:"token_present" yaml:"token_present"`
	Causes             []Cause         `json:"causes,omitempty" yaml:"causes,omitempty"`
}

// Failed reports whether the record ended in any error class.
func (r RequestRecord) Failed() bool { return r.Kind != probe.KindNone }

// Denied reports whether the record ended in an authorization rejection.
func (r RequestRecord) Denied() bool { return r.Kind == probe.KindDenied }

// Stats summarises the records currently retained.
type Stats struct {
	Total         int     `json:"total" yaml:"total"`
	ErrorCount    int     `json:"error_count" yaml:"error_count"`
	DeniedCount   int     `json:"denied_count" yaml:"denied_count"`
	SuccessRate   float64 `json:"success_rate" yaml:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms" yaml:"avg_duration_ms"`
}

// Config configures a Recorder.
type Config struct {
	Capacity      int
	DensityWindow time.Duration
	DensityLimit  int
	Classifier    *Classifier
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Recorder is goroutine-safe. A nil *Recorder is a valid no-op.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	ring    []RequestRecord
	next    int
	size    int
	pending map[string]RequestRecord
}

// NewRecorder creates a Recorder with safe defaults.
func NewRecorder(cfg Config) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.DensityWindow <= 0 {
		cfg.DensityWindow = 10 * time.Second
	}
	if cfg.DensityLimit <= 0 {
		cfg.DensityLimit = 5
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(DefaultRules())
	}
	return &Recorder{
		cfg:     cfg,
		logger:  telemetry.Component(cfg.Logger, "diagnostics"),
		now:     time.Now,
		newID:   uuid.NewString,
		ring:    make([]RequestRecord, cfg.Capacity),
		pending: make(map[string]RequestRecord),
	}
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// StartTracking opens a record and returns its correlation id.
func (r *Recorder) StartTracking(method, target string, meta Meta) string {
	if r == nil {
		return ""
	}
	if method == "" {
		method = http.MethodGet
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	if len(r.pending) >= r.cfg.Capacity {
		r.evictOldestPendingLocked()
	}
	r.pending[id] = RequestRecord{
		ID:                 id,
		StartedAt:          r.now(),
		Method:             method,
		Target:             target,
		CredentialsPresent: meta.CredentialsPresent,
		TokenPresent:       meta.TokenPresent,
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.InFlight.Inc()
	}
	return id
}

// CompleteTracking closes the record for id. Unknown ids are ignored.
func (r *Recorder) CompleteTracking(id string, outcome Outcome) {
	if r == nil || id == "" {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("diagnostics recorder panic", "panic", p, "id", id)
		}
	}()

	r.mu.Lock()
	rec, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("completing unknown request", "id", id)
		return
	}
	delete(r.pending, id)

	rec.EndedAt = r.now()
	rec.Status = outcome.Status
	rec.Kind = outcome.Kind
	rec.DurationMs = float64(rec.EndedAt.Sub(rec.StartedAt).Microseconds()) / 1000
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	recent := r.recentLocked(rec.StartedAt)
	r.mu.Unlock()

	// Rules are caller-supplied; run them without the lock held.
	if rec.Kind == probe.KindDenied {
		rec.Causes = r.cfg.Classifier.Classify(Signals{
			Method:             rec.Method,
			Status:             rec.Status,
			CredentialsPresent: rec.CredentialsPresent,
			TokenPresent:       rec.TokenPresent,
			Markup:             outcome.Markup,
			RecentRequests:     recent,
			DensityLimit:       r.cfg.DensityLimit,
		})
	}

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
	r.mu.Unlock()

	r.observe(rec)
	if rec.Denied() {
		codes := make([]string, 0, len(rec.Causes))
		for _, c := range rec.Causes {
			codes = append(codes, c.Code)
		}
		r.logger.Warn("authorization denied",
			"id", rec.ID,
			"target", rec.Target,
			"status", rec.Status,
			"causes", codes,
		)
	}
}

// Records returns retained records, oldest first.
func (r *Recorder) Records() []RequestRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsLocked()
}

// ErrorStats summarises retained records. An empty buffer reports a
// success rate of 1.
func (r *Recorder) ErrorStats() Stats {
	if r == nil {
		return Stats{SuccessRate: 1}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return statsOf(r.recordsLocked())
}

// Pending returns how many requests are started but not completed.
func (r *Recorder) Pending() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) recordsLocked() []RequestRecord {
	out := make([]RequestRecord, 0, r.size)
	start := (r.next - r.size + len(r.ring)) % len(r.ring)
	for i := 0; i < r.size; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

// recentLocked counts requests started within the density window before t,
// completed or still pending.
func (r *Recorder) recentLocked(t time.Time) int {
	cutoff := t.Add(-r.cfg.DensityWindow)
	n := 0
	for _, rec := range r.recordsLocked() {
		if !rec.StartedAt.Before(cutoff) && !rec.StartedAt.After(t) {
			n++
		}
	}
	for _, rec := range r.pending {
		if !rec.StartedAt.Before(cutoff) && !rec.StartedAt.After(t) {
			n++
		}
	}
	// the denied request itself
	return n + 1
}

func (r *Recorder) evictOldestPendingLocked() {
	var oldestID string
	var oldest time.Time
	for id, rec := range r.pending {
		if oldestID == "" || rec.StartedAt.Before(oldest) {
			oldestID, oldest = id, rec.StartedAt
		}
	}
	delete(r.pending, oldestID)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.InFlight.Dec()
	}
	r.logger.Debug("evicted abandoned request", "id", oldestID)
}

func (r *Recorder) observe(rec RequestRecord) {
	m := r.cfg.Metrics
	if m == nil {
		return
	}
	kind := string(rec.Kind)
	if kind == "" {
		kind = "ok"
	}
	m.InFlight.Dec()
	m.Requests.WithLabelValues(kind).Inc()
	m.Duration.WithLabelValues(kind).Observe(rec.DurationMs / 1000)
	for _, c := range rec.Causes {
		m.Denials.WithLabelValues(c.Code).Inc()
	}
}

func statsOf(records []RequestRecord) Stats {
	s := Stats{Total: len(records), SuccessRate: 1}
	if s.Total == 0 {
		return s
	}
	var total float64
	for _, rec := range records {
		if rec.Failed() {
			s.ErrorCount++
		}
		if rec.Denied() {
			s.DeniedCount++
		}
		total += rec.DurationMs
	}
	s.SuccessRate = float64(s.Total-s.ErrorCount) / float64(s.Total)
	s.AvgDurationMs = total / float64(s.Total)
	return s
}
