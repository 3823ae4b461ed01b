package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

var ErrNoChecker = errors.New("authstate: cache has no checker")

const storeTimeout = 2 * time.Second

// Checker resolves a fresh State, committing it to the cache.
type Checker interface {
	Check(ctx context.Context) (State, error)
}

type CacheConfig struct {
	// Key names the cache in logs and in the snapshot store.
	Key               string
	TTL               TTLPolicy
	GracePeriod       time.Duration
	DegradedThreshold int
	HistorySize       int
	Store             SnapshotStore
	StoreTTL          time.Duration
	Bus               *Bus
	Now               func() time.Time
	Logger            *slog.Logger
}

// Cache holds the last known State. Every write goes through a generation
// check so that a check started before Set or Invalidate cannot overwrite
// what they wrote.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger
	now    func() time.Time
	bus    *Bus

	// persistMu orders store writes; held across the store round trip
	persistMu sync.Mutex

	mu      sync.RWMutex
	checker Checker
	state   State
	gen     uint64
	grace   *GraceOverride
	history []State
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.Key == "" {
		cfg.Key = "auth"
	}
	cfg.TTL = cfg.TTL.withDefaults()
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 6
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = cfg.TTL.Base
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := telemetry.Component(cfg.Logger, "authstate.cache").With("cache", cfg.Key)
	if cfg.Bus == nil {
		cfg.Bus = NewBus(cfg.Logger)
	}
	return &Cache{
		cfg:    cfg,
		logger: logger,
		now:    cfg.Now,
		bus:    cfg.Bus,
	}
}

// Key returns the cache name.
func (c *Cache) Key() string { return c.cfg.Key }

// SetChecker installs the component Get delegates to on a miss.
func (c *Cache) SetChecker(ch Checker) {
	c.mu.Lock()
	c.checker = ch
	c.mu.Unlock()
}

// Get returns the cached State while it is fresh, otherwise runs a check.
// Only ctx cancellation or a missing checker produce an error.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (State, error) {
	if !forceRefresh {
		c.mu.RLock()
		s, ok := c.freshLocked(c.now())
		c.mu.RUnlock()
		if ok {
			return s, nil
		}
	}

	c.mu.RLock()
	checker := c.checker
	c.mu.RUnlock()
	if checker == nil {
		return c.Snapshot(), ErrNoChecker
	}
	return checker.Check(ctx)
}

// Set injects an answer directly, e.g. right after login.
func (c *Cache) Set(authenticated bool) State {
	now := c.now()
	s := State{
		Authenticated: authenticated,
		Confidence:    ConfidenceHigh,
		Source:        SourceDirect,
		CheckedAt:     now,
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = s
	c.grace = nil
	c.appendHistoryLocked(s)
	c.mu.Unlock()

	c.logger.Info("authorization state set", "authenticated", authenticated)
	c.bus.Publish(s)
	c.persist(gen, s)
	return s
}

// Invalidate drops the cached answer and publishes a transitional
// none-confidence State.
func (c *Cache) Invalidate() {
	s := noneState(c.now())

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = s
	c.grace = nil
	c.appendHistoryLocked(s)
	c.mu.Unlock()

	c.logger.Info("authorization state invalidated")
	c.bus.Publish(s)
	c.persist(gen, s)
}

// Snapshot returns the current answer without blocking or checking. While
// a grace window is open it returns the protected fallback.
func (c *Cache) Snapshot() State {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewLocked(now)
}

// Generation identifies the cache contents a check started from.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Latest returns the last committed State, ignoring any grace window.
func (c *Cache) Latest() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Commit stores the outcome of a check started at generation gen. It
// returns the State callers should see and whether s was accepted; a
// superseded generation is discarded in favour of the newer contents.
func (c *Cache) Commit(gen uint64, s State) (State, bool) {
	now := c.now()

	c.mu.Lock()
	if gen != c.gen {
		view := c.viewLocked(now)
		c.mu.Unlock()
		c.logger.Debug("discarding superseded check", "generation", gen)
		return view, false
	}

	before := c.viewLocked(now)
	prev := c.state
	if s.Confidence == ConfidenceHigh {
		if c.grace != nil {
			c.logger.Info("grace window closed by fresh result")
		}
		c.grace = nil
	} else {
		if c.grace != nil && !now.Before(c.grace.Deadline) {
			c.grace = nil
		}
		if c.grace == nil && c.cfg.GracePeriod > 0 && prev.Authenticated && prev.Confidence == ConfidenceHigh {
			c.grace = &GraceOverride{LastKnownGood: prev, Deadline: now.Add(c.cfg.GracePeriod)}
			c.logger.Info("grace window opened", "deadline", c.grace.Deadline)
		}
		if c.grace != nil && s.ConsecutiveFailures >= c.cfg.DegradedThreshold {
			c.grace = nil
			c.logger.Warn("sustained failure, grace window closed", "failures", s.ConsecutiveFailures)
		}
	}
	c.state = s
	c.appendHistoryLocked(s)
	after := c.viewLocked(now)
	c.mu.Unlock()

	if before.differs(after) {
		c.bus.Publish(after)
	}
	c.persist(gen, s)
	return after, true
}

// Grace returns the open grace window, if any.
func (c *Cache) Grace() (GraceOverride, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.grace == nil || !now.Before(c.grace.Deadline) {
		return GraceOverride{}, false
	}
	return *c.grace, true
}

// ValidUntil returns when the current State stops being fresh.
func (c *Cache) ValidUntil() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.state.Established() || c.state.Source == SourceFallback {
		return time.Time{}, false
	}
	return c.cfg.TTL.ValidUntil(c.state), true
}

// NeedsRefresh reports whether the State is missing or expires within lead.
func (c *Cache) NeedsRefresh(lead time.Duration) bool {
	until, ok := c.ValidUntil()
	if !ok {
		return true
	}
	return !c.now().Add(lead).Before(until)
}

// History returns recent States, oldest first.
func (c *Cache) History() []State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]State, len(c.history))
	copy(out, c.history)
	return out
}

// Bus returns the bus transitions are published on.
func (c *Cache) Bus() *Bus { return c.bus }

// Subscribe registers fn for State transitions.
func (c *Cache) Subscribe(fn func(State)) func() { return c.bus.Subscribe(fn) }

// Restore seeds the cache from the snapshot store at low confidence so a
// restarted process does not report logged-out while its first check runs.
// It never replaces an answer that is already established.
func (c *Cache) Restore(ctx context.Context) bool {
	if c.cfg.Store == nil {
		return false
	}
	s, ok, err := c.cfg.Store.Load(ctx, c.cfg.Key)
	if err != nil {
		c.logger.Warn("loading snapshot failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	s.Confidence = ConfidenceLow
	s.Source = SourceFallback
	s.ConsecutiveFailures = 0

	c.mu.Lock()
	if c.state.Established() {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.appendHistoryLocked(s)
	c.mu.Unlock()

	c.logger.Info("restored snapshot", "authenticated", s.Authenticated, "checked_at", s.CheckedAt)
	c.bus.Publish(s)
	return true
}

func (c *Cache) freshLocked(now time.Time) (State, bool) {
	if !c.state.Established() || c.state.Source == SourceFallback {
		return State{}, false
	}
	if !now.Before(c.cfg.TTL.ValidUntil(c.state)) {
		return State{}, false
	}
	v := c.viewLocked(now)
	if v.Source != SourceFallback {
		v.Source = SourceCache
	}
	return v, true
}

func (c *Cache) viewLocked(now time.Time) State {
	if c.grace != nil && now.Before(c.grace.Deadline) {
		fb := c.grace.LastKnownGood
		fb.Confidence = ConfidenceLow
		fb.Source = SourceFallback
		fb.ConsecutiveFailures = c.state.ConsecutiveFailures
		fb.Err = c.state.Err
		fb.Kind = c.state.Kind
		return fb
	}
	if c.state.Confidence == "" {
		return State{Confidence: ConfidenceNone, Source: SourceCache}
	}
	return c.state
}

func (c *Cache) appendHistoryLocked(s State) {
	c.history = append(c.history, s)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
}

// persist mirrors authoritative answers into the store. Low-confidence
// failures leave the last good snapshot in place. Nothing is written once a
// later Set or Invalidate has replaced generation gen.
func (c *Cache) persist(gen uint64, s State) {
	if c.cfg.Store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if c.Generation() != gen {
		c.logger.Debug("skipping superseded snapshot write", "generation", gen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch {
	case s.Confidence == ConfidenceHigh && s.Authenticated:
		err = c.cfg.Store.Save(ctx, c.cfg.Key, s, c.cfg.StoreTTL)
	case s.Confidence == ConfidenceHigh, s.Confidence == ConfidenceNone:
		err = c.cfg.Store.Delete(ctx, c.cfg.Key)
	}
	if err != nil {
		c.logger.Warn("persisting snapshot failed", "error", err)
	}
}
