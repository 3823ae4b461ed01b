package authstate_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/probe"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSleeper returns immediately and remembers what it was asked.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

type step struct {
	resp probe.Response
	err  error
}

func authResponse(authenticated bool) step {
	body := `{"authenticated":false}`
	if authenticated {
		body = `{"authenticated":true}`
	}
	return step{resp: probe.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(body)}}
}

func statusResponse(status int) step {
	return step{resp: probe.Response{Status: status, ContentType: "application/json", Body: []byte(`{"error":"x"}`)}}
}

func htmlResponse() step {
	return step{resp: probe.Response{Status: http.StatusOK, ContentType: "text/html", Body: []byte("<!doctype html><html></html>")}}
}

// scriptedTransport answers with steps in order, repeating the last one.
type scriptedTransport struct {
	steps []step
	delay time.Duration
	calls atomic.Int32
}

func newScripted(steps ...step) *scriptedTransport {
	return &scriptedTransport{steps: steps}
}

func (s *scriptedTransport) Probe(ctx context.Context, req probe.Request) (probe.Response, error) {
	i := int(s.calls.Add(1)) - 1
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return probe.Response{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	st := s.steps[min(i, len(s.steps)-1)]
	return st.resp, st.err
}

func (s *scriptedTransport) Calls() int { return int(s.calls.Load()) }

type fakeTokens struct {
	ensureErr   error
	ensures     atomic.Int32
	invalidates atomic.Int32
}

func (f *fakeTokens) Ensure(ctx context.Context) (string, error) {
	f.ensures.Add(1)
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "tok", nil
}

func (f *fakeTokens) Invalidate() { f.invalidates.Add(1) }

type fixture struct {
	clock     *fakeClock
	sleeper   *recordingSleeper
	transport *scriptedTransport
	cache     *authstate.Cache
	coord     *authstate.Coordinator
}

// newFixture wires a cache and coordinator on a fake clock with one
// attempt per check unless retry says otherwise.
func newFixture(transport *scriptedTransport, cacheCfg authstate.CacheConfig, retry authstate.RetryPolicy) *fixture {
	clock := newFakeClock()
	sleeper := &recordingSleeper{}
	cacheCfg.Now = clock.Now
	cache := authstate.NewCache(cacheCfg)
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	coord := authstate.NewCoordinator(cache, transport, authstate.CoordinatorConfig{
		Target: "/api/auth/status",
		Retry:  retry,
		Now:    clock.Now,
		Sleep:  sleeper.Sleep,
		Jitter: func() float64 { return 0.5 },
	})
	return &fixture{clock: clock, sleeper: sleeper, transport: transport, cache: cache, coord: coord}
}

// heldTransport parks its first request until release is closed and answers
// it with first; every later request is answered with rest right away.
type heldTransport struct {
	first, rest step
	entered     chan struct{}
	release     chan struct{}
	calls       atomic.Int32
}

func newHeld(first, rest step) *heldTransport {
	return &heldTransport{
		first:   first,
		rest:    rest,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *heldTransport) Probe(ctx context.Context, req probe.Request) (probe.Response, error) {
	if h.calls.Add(1) > 1 {
		return h.rest.resp, h.rest.err
	}
	close(h.entered)
	<-h.release
	return h.first.resp, h.first.err
}

func (h *heldTransport) Calls() int { return int(h.calls.Load()) }
