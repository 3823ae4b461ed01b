package authstate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valinor-ai/authguard/internal/diagnostics"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
	"github.com/valinor-ai/authguard/internal/probe"
)

// maxRechecks bounds how often one initialization re-asks after its check
// was superseded.
const maxRechecks = 2

// Phase is the Guard's lifecycle position.
type Phase string

const (
	PhaseUninitialized      Phase = "uninitialized"
	PhaseInitializing       Phase = "initializing"
	PhaseReadyAuthenticated Phase = "ready_authenticated"
	PhaseReadyAnonymous     Phase = "ready_anonymous"
	PhaseDegraded           Phase = "degraded"
)

// Ready reports whether p is one of the settled ready phases.
func (p Phase) Ready() bool {
	return p == PhaseReadyAuthenticated || p == PhaseReadyAnonymous
}

// TokenSource is the anti-forgery token the Guard acquires once the client
// is known to be authenticated.
type TokenSource interface {
	Ensure(ctx context.Context) (string, error)
	Invalidate()
}

type GuardConfig struct {
	Tokens TokenSource
	// LivenessTarget, when set, is probed on each transition into the
	// authenticated phase.
	LivenessTarget    string
	Transport         probe.Transport
	Recorder          *diagnostics.Recorder
	MaxRetries        int
	Backoff           time.Duration
	DegradedThreshold int
	Sleep             Sleeper
	Logger            *slog.Logger
}

// Guard sequences initialization over the cache and retries denied
// requests once with fresh state.
type Guard struct {
	cache  *Cache
	cfg    GuardConfig
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	phase Phase
	gen   uint64
}

func NewGuard(cache *Cache, cfg GuardConfig) *Guard {
	if cache == nil {
		panic("authstate: nil cache")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = cache.cfg.DegradedThreshold
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	return &Guard{
		cache:  cache,
		cfg:    cfg,
		logger: telemetry.Component(cfg.Logger, "authstate.guard"),
		phase:  PhaseUninitialized,
	}
}

// EnsureReady resolves the current State and, for an authenticated client,
// the anti-forgery token. Overlapping calls share one initialization.
func (g *Guard) EnsureReady(ctx context.Context) (State, error) {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()

	ch := g.group.DoChan("init", func() (any, error) {
		return g.initialize(context.WithoutCancel(ctx), gen)
	})

	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return State{}, res.Err
		}
		return res.Val.(State), nil
	}
}

func (g *Guard) initialize(ctx context.Context, gen uint64) (State, error) {
	previous := g.transition(gen, func(p Phase) Phase {
		if p == PhaseUninitialized {
			return PhaseInitializing
		}
		return p
	})

	state, err := g.cache.Get(ctx, false)
	// a check superseded by Invalidate answers with the empty view; ask again
	// unless a Reset abandoned this initialization
	for i := 0; err == nil && !state.Established() && i < maxRechecks && g.current(gen); i++ {
		state, err = g.cache.Get(ctx, false)
	}
	if err != nil {
		return state, err
	}

	next := g.phaseFor(state)
	if state.Authenticated {
		if g.cfg.Tokens != nil {
			if _, err := g.cfg.Tokens.Ensure(ctx); err != nil {
				g.logger.Warn("anti-forgery token unavailable", "error", err)
				next = PhaseDegraded
			}
		}
		if next == PhaseReadyAuthenticated && previous != PhaseReadyAuthenticated {
			if err := g.checkLiveness(ctx); err != nil {
				g.logger.Warn("session liveness probe failed", "error", err)
				next = PhaseDegraded
			}
		}
	}

	g.transition(gen, func(Phase) Phase { return next })
	return state, nil
}

func (g *Guard) phaseFor(s State) Phase {
	switch {
	case !s.Established():
		return PhaseUninitialized
	case s.Source == SourceFallback, s.ConsecutiveFailures >= g.cfg.DegradedThreshold:
		return PhaseDegraded
	case s.Authenticated:
		return PhaseReadyAuthenticated
	default:
		return PhaseReadyAnonymous
	}
}

func (g *Guard) checkLiveness(ctx context.Context) error {
	if g.cfg.LivenessTarget == "" || g.cfg.Transport == nil {
		return nil
	}
	id := g.cfg.Recorder.StartTracking(http.MethodGet, g.cfg.LivenessTarget, diagnostics.Meta{CredentialsPresent: true})
	resp, err := g.cfg.Transport.Probe(ctx, probe.Request{Method: http.MethodGet, Target: g.cfg.LivenessTarget})
	classified := probe.Classify(resp, err)
	g.cfg.Recorder.CompleteTracking(id, diagnostics.Outcome{
		Status: resp.Status,
		Kind:   probe.KindOf(classified),
		Err:    classified,
		Markup: resp.LooksLikeMarkup(),
	})
	return classified
}

func (g *Guard) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen == gen
}

// transition applies fn to the phase unless a Reset happened since gen,
// returning the phase before the change.
func (g *Guard) transition(gen uint64, fn func(Phase) Phase) Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.phase
	if g.gen != gen {
		return prev
	}
	next := fn(prev)
	if next != prev {
		g.logger.Debug("phase changed", "from", prev, "to", next)
	}
	g.phase = next
	return prev
}

// RequestOption tunes a single guarded request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	maxRetries int
	backoff    time.Duration
}

// WithMaxRetries sets how many times a denied request is retried.
func WithMaxRetries(n int) RequestOption {
	return func(o *requestOptions) { o.maxRetries = max(n, 0) }
}

// WithBackoff sets the wait before a retry.
func WithBackoff(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.backoff = d }
}

// GuardedRequest runs fn once the Guard is ready. When fn fails with a
// denial and retries remain, cache and token are invalidated and the
// sequence starts over after a backoff. The last error from fn is returned
// unchanged.
func (g *Guard) GuardedRequest(ctx context.Context, fn func(ctx context.Context, s State) error, opts ...RequestOption) error {
	_, err := GuardedCall(ctx, g, func(ctx context.Context, s State) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	}, opts...)
	return err
}

// GuardedCall is GuardedRequest for functions that return a value.
func GuardedCall[T any](ctx context.Context, g *Guard, fn func(ctx context.Context, s State) (T, error), opts ...RequestOption) (T, error) {
	o := requestOptions{maxRetries: g.cfg.MaxRetries, backoff: g.cfg.Backoff}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	for attempt := 0; ; attempt++ {
		state, err := g.EnsureReady(ctx)
		if err != nil {
			return zero, err
		}

		v, err := fn(ctx, state)
		if err == nil || !probe.IsDenied(err) || attempt >= o.maxRetries {
			return v, err
		}

		g.logger.Info("request denied, refreshing authorization state",
			"attempt", attempt+1,
			"max_retries", o.maxRetries,
		)
		g.invalidate()
		if err := g.cfg.Sleep(ctx, o.backoff); err != nil {
			return zero, err
		}
	}
}

func (g *Guard) invalidate() {
	g.cache.Invalidate()
	if g.cfg.Tokens != nil {
		g.cfg.Tokens.Invalidate()
	}
	g.mu.Lock()
	g.gen++
	g.phase = PhaseInitializing
	g.mu.Unlock()
	g.group.Forget("init")
}

// Reset is the logout path: cache and token are dropped and any in-flight
// initialization is abandoned.
func (g *Guard) Reset() {
	g.cache.Invalidate()
	if g.cfg.Tokens != nil {
		g.cfg.Tokens.Invalidate()
	}
	g.mu.Lock()
	g.gen++
	g.phase = PhaseUninitialized
	g.mu.Unlock()
	g.group.Forget("init")
	g.logger.Info("guard reset")
}

// Login records a completed login without a probe and acquires the token
// for the new session. Any in-flight initialization is abandoned.
func (g *Guard) Login(ctx context.Context) (State, error) {
	g.cache.Set(true)
	if g.cfg.Tokens != nil {
		g.cfg.Tokens.Invalidate()
	}
	g.mu.Lock()
	g.gen++
	g.phase = PhaseInitializing
	g.mu.Unlock()
	g.group.Forget("init")
	g.logger.Info("login recorded")

	if _, err := g.EnsureReady(ctx); err != nil {
		return g.cache.Snapshot(), err
	}
	return g.cache.Snapshot(), nil
}

// Phase returns the current lifecycle phase.
func (g *Guard) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Snapshot returns the cache's non-blocking answer.
func (g *Guard) Snapshot() State { return g.cache.Snapshot() }

// Subscribe registers fn for State transitions.
func (g *Guard) Subscribe(fn func(State)) func() { return g.cache.Subscribe(fn) }

// Cache returns the underlying cache.
func (g *Guard) Cache() *Cache { return g.cache }
