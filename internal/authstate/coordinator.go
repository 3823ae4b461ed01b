package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valinor-ai/authguard/internal/diagnostics"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
	"github.com/valinor-ai/authguard/internal/probe"
)

// DefaultField is the payload field carrying the answer.
const DefaultField = "authenticated"

// TokenState reports whether an anti-forgery token is held.
type TokenState interface {
	IsReady() bool
}

type CoordinatorConfig struct {
	// Target is the probe path on the origin.
	Target string
	// Field is the boolean payload field read from a successful probe.
	Field            string
	Retry            RetryPolicy
	ProbeTimeout     time.Duration
	ReadinessTimeout time.Duration
	ReadinessPoll    time.Duration
	Credentials      probe.CredentialStore
	Tokens           TokenState
	Recorder         *diagnostics.Recorder
	Now              func() time.Time
	Sleep            Sleeper
	Jitter           func() float64
	Logger           *slog.Logger
}

// Coordinator runs authorization checks. Concurrent callers share a single
// in-flight check and all observe its result.
type Coordinator struct {
	cache     *Cache
	transport probe.Transport
	cfg       CoordinatorConfig
	logger    *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	warmed bool
}

// NewCoordinator creates a Coordinator and installs it as cache's checker.
func NewCoordinator(cache *Cache, transport probe.Transport, cfg CoordinatorConfig) *Coordinator {
	if cache == nil {
		panic("authstate: nil cache")
	}
	if transport == nil {
		panic("authstate: nil transport")
	}
	if cfg.Field == "" {
		cfg.Field = DefaultField
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ReadinessPoll <= 0 {
		cfg.ReadinessPoll = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = defaultJitter
	}

	c := &Coordinator{
		cache:     cache,
		transport: transport,
		cfg:       cfg,
		logger:    telemetry.Component(cfg.Logger, "authstate.coordinator").With("cache", cache.Key()),
	}
	cache.SetChecker(c)
	return c
}

// Check resolves a fresh State. Expected failures resolve to a
// low-confidence State; the only error is ctx ending before the shared
// check does, which keeps running for the other callers.
//
// Flights are keyed by cache generation, so a check started before Set or
// Invalidate is never joined afterwards.
func (c *Coordinator) Check(ctx context.Context) (State, error) {
	gen := c.cache.Generation()
	key := fmt.Sprintf("%s:%d", c.cache.Key(), gen)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), gen), nil
	})

	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case res := <-ch:
		return res.Val.(State), nil
	}
}

func (c *Coordinator) run(ctx context.Context, gen uint64) State {
	prior := c.cache.Latest().ConsecutiveFailures
	failures := prior
	policy := c.cfg.Retry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		c.awaitReadiness(ctx)

		authenticated, err := c.probeOnce(ctx)
		if err == nil {
			state, _ := c.cache.Commit(gen, State{
				Authenticated: authenticated,
				Confidence:    ConfidenceHigh,
				Source:        SourceNetwork,
				CheckedAt:     c.cfg.Now(),
			})
			c.markWarmed()
			c.logger.Debug("check succeeded", "authenticated", authenticated, "attempt", attempt)
			return state
		}

		failures++
		lastErr = err
		c.logger.Warn("check attempt failed",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"kind", probe.KindOf(err),
			"error", err,
		)

		if attempt < policy.MaxAttempts {
			delay := policy.Delay(attempt, prior, c.cfg.Jitter())
			if err := c.cfg.Sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	state, _ := c.cache.Commit(gen, State{
		Authenticated:       false,
		Confidence:          ConfidenceLow,
		Source:              SourceNetwork,
		CheckedAt:           c.cfg.Now(),
		ConsecutiveFailures: failures,
		Err:                 lastErr.Error(),
		Kind:                probe.KindOf(lastErr),
	})
	c.markWarmed()
	return state
}

func (c *Coordinator) probeOnce(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	id := c.cfg.Recorder.StartTracking(http.MethodGet, c.cfg.Target, diagnostics.Meta{
		CredentialsPresent: c.credentialsPresent(),
		TokenPresent:       c.cfg.Tokens != nil && c.cfg.Tokens.IsReady(),
	})

	resp, err := c.transport.Probe(ctx, probe.Request{Method: http.MethodGet, Target: c.cfg.Target})
	classified := probe.Classify(resp, err)
	var authenticated bool
	if classified == nil {
		authenticated, classified = decodeField(resp, c.cfg.Field)
	}

	c.cfg.Recorder.CompleteTracking(id, diagnostics.Outcome{
		Status: resp.Status,
		Kind:   probe.KindOf(classified),
		Err:    classified,
		Markup: resp.LooksLikeMarkup(),
	})
	return authenticated, classified
}

// awaitReadiness gives credential material a bounded chance to appear
// before the first check completes. It never fails the check.
func (c *Coordinator) awaitReadiness(ctx context.Context) {
	c.mu.Lock()
	warmed := c.warmed
	c.mu.Unlock()
	if warmed || c.cfg.Credentials == nil || c.cfg.ReadinessTimeout <= 0 {
		return
	}

	for waited := time.Duration(0); waited < c.cfg.ReadinessTimeout; waited += c.cfg.ReadinessPoll {
		if c.cfg.Credentials.HasSessionCredentials() {
			return
		}
		if err := c.cfg.Sleep(ctx, c.cfg.ReadinessPoll); err != nil {
			return
		}
	}
	c.logger.Debug("readiness wait elapsed without credentials", "timeout", c.cfg.ReadinessTimeout)
}

func (c *Coordinator) markWarmed() {
	c.mu.Lock()
	c.warmed = true
	c.mu.Unlock()
}

func (c *Coordinator) credentialsPresent() bool {
	return c.cfg.Credentials != nil && c.cfg.Credentials.HasSessionCredentials()
}

func decodeField(resp probe.Response, field string) (bool, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return false, probe.NewError(probe.KindMalformed, resp.Status, fmt.Errorf("decoding payload: %w", err))
	}
	raw, ok := payload[field]
	if !ok {
		return false, probe.NewError(probe.KindMalformed, resp.Status, fmt.Errorf("payload has no %q field", field))
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, probe.NewError(probe.KindMalformed, resp.Status, fmt.Errorf("field %q is not a boolean", field))
	}
	return v, nil
}
