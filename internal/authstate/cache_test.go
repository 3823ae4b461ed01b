package authstate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/probe"
)

var errRefused = errors.New("connection refused")

func networkFailure() step { return step{err: errRefused} }

func TestCache_SetThenSnapshot(t *testing.T) {
	f := newFixture(newScripted(authResponse(false)), authstate.CacheConfig{}, authstate.RetryPolicy{})

	f.cache.Set(true)
	s := f.cache.Snapshot()

	assert.True(t, s.Authenticated)
	assert.Equal(t, authstate.SourceDirect, s.Source)
	assert.Equal(t, authstate.ConfidenceHigh, s.Confidence)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Zero(t, f.transport.Calls())
}

func TestCache_SnapshotBeforeAnyAnswer(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})

	s := f.cache.Snapshot()
	assert.False(t, s.Authenticated)
	assert.Equal(t, authstate.ConfidenceNone, s.Confidence)
	assert.False(t, s.Established())
	assert.Zero(t, f.transport.Calls())
}

func TestCache_FreshEntryServedFromCache(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})
	ctx := context.Background()

	first, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, authstate.SourceNetwork, first.Source)
	assert.Equal(t, authstate.ConfidenceHigh, first.Confidence)

	f.clock.Advance(4 * time.Minute)
	cached, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, authstate.SourceCache, cached.Source)
	assert.Equal(t, first.Confidence, cached.Confidence)
	assert.Equal(t, first.CheckedAt, cached.CheckedAt)
	assert.Equal(t, 1, f.transport.Calls())

	f.clock.Advance(time.Minute)
	_, err = f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.transport.Calls())
}

func TestCache_ForceRefreshBypassesFreshEntry(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})
	ctx := context.Background()

	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	_, err = f.cache.Get(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, 2, f.transport.Calls())
}

func TestCache_CacheNeverInflatesConfidence(t *testing.T) {
	f := newFixture(newScripted(networkFailure()), authstate.CacheConfig{}, authstate.RetryPolicy{})
	ctx := context.Background()

	failed, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, authstate.ConfidenceLow, failed.Confidence)

	f.clock.Advance(10 * time.Second)
	cached, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, authstate.SourceCache, cached.Source)
	assert.Equal(t, authstate.ConfidenceLow, cached.Confidence)
	assert.Equal(t, 1, f.transport.Calls())
}

func TestCache_InvalidatePublishesNoneAndForcesCheck(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})
	ctx := context.Background()

	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	var seen []authstate.State
	f.cache.Subscribe(func(s authstate.State) { seen = append(seen, s) })

	f.cache.Invalidate()
	require.Len(t, seen, 2)
	assert.Equal(t, authstate.ConfidenceNone, seen[1].Confidence)
	assert.False(t, seen[1].Authenticated)

	_, err = f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.transport.Calls())
}

func TestCache_PublishesOnlyTransitions(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})
	ctx := context.Background()

	var seen []authstate.State
	f.cache.Subscribe(func(s authstate.State) { seen = append(seen, s) })

	for i := 0; i < 3; i++ {
		_, err := f.cache.Get(ctx, true)
		require.NoError(t, err)
	}

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Authenticated)
	assert.Equal(t, 3, f.transport.Calls())
}

func TestCache_SupersededCheckDoesNotOverwriteSet(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	transport := probe.TransportFunc(func(ctx context.Context, req probe.Request) (probe.Response, error) {
		close(entered)
		<-release
		st := authResponse(false)
		return st.resp, st.err
	})
	cache := authstate.NewCache(authstate.CacheConfig{})
	authstate.NewCoordinator(cache, transport, authstate.CoordinatorConfig{Retry: authstate.RetryPolicy{MaxAttempts: 1}})

	done := make(chan authstate.State, 1)
	go func() {
		s, _ := cache.Get(context.Background(), true)
		done <- s
	}()

	<-entered
	cache.Set(true)
	close(release)

	result := <-done
	assert.True(t, result.Authenticated)
	assert.Equal(t, authstate.SourceDirect, result.Source)

	snap := cache.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.Equal(t, authstate.SourceDirect, snap.Source)
	assert.Equal(t, authstate.ConfidenceHigh, snap.Confidence)
}

func TestCache_CommitRejectsStaleGeneration(t *testing.T) {
	cache := authstate.NewCache(authstate.CacheConfig{})
	gen := cache.Generation()
	cache.Invalidate()

	view, ok := cache.Commit(gen, authstate.State{Authenticated: true, Confidence: authstate.ConfidenceHigh, Source: authstate.SourceNetwork})
	assert.False(t, ok)
	assert.Equal(t, authstate.ConfidenceNone, view.Confidence)
}

func TestCache_GraceWindow(t *testing.T) {
	f := newFixture(
		newScripted(authResponse(true), networkFailure()),
		authstate.CacheConfig{GracePeriod: 10 * time.Second, DegradedThreshold: 6},
		authstate.RetryPolicy{},
	)
	ctx := context.Background()

	_, err := f.cache.Get(ctx, true)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	during, err := f.cache.Get(ctx, true)
	require.NoError(t, err)
	assert.True(t, during.Authenticated)
	assert.Equal(t, authstate.ConfidenceLow, during.Confidence)
	assert.Equal(t, authstate.SourceFallback, during.Source)
	assert.Equal(t, 1, during.ConsecutiveFailures)
	assert.Equal(t, probe.KindNetwork, during.Kind)

	grace, ok := f.cache.Grace()
	require.True(t, ok)
	assert.True(t, grace.LastKnownGood.Authenticated)

	f.clock.Advance(5 * time.Second)
	assert.True(t, f.cache.Snapshot().Authenticated)

	// grace is bounded by its deadline, never by later failures
	_, err = f.cache.Get(ctx, true)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)

	after := f.cache.Snapshot()
	assert.False(t, after.Authenticated)
	assert.NotEqual(t, authstate.ConfidenceHigh, after.Confidence)
	assert.Equal(t, authstate.SourceNetwork, after.Source)
	_, ok = f.cache.Grace()
	assert.False(t, ok)
}

func TestCache_GraceClosedByFreshResult(t *testing.T) {
	f := newFixture(
		newScripted(authResponse(true), networkFailure(), authResponse(false)),
		authstate.CacheConfig{GracePeriod: 10 * time.Second},
		authstate.RetryPolicy{},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.cache.Get(ctx, true)
		require.NoError(t, err)
	}

	s := f.cache.Snapshot()
	assert.False(t, s.Authenticated)
	assert.Equal(t, authstate.ConfidenceHigh, s.Confidence)
	_, ok := f.cache.Grace()
	assert.False(t, ok)
}

func TestCache_SustainedFailureClosesGrace(t *testing.T) {
	f := newFixture(
		newScripted(authResponse(true), networkFailure()),
		authstate.CacheConfig{GracePeriod: time.Minute, DegradedThreshold: 3},
		authstate.RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}},
	)
	ctx := context.Background()

	_, err := f.cache.Get(ctx, true)
	require.NoError(t, err)

	s, err := f.cache.Get(ctx, true)
	require.NoError(t, err)
	assert.False(t, s.Authenticated)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	assert.Equal(t, authstate.SourceNetwork, s.Source)
}

func TestCache_History(t *testing.T) {
	cache := authstate.NewCache(authstate.CacheConfig{HistorySize: 3})

	cache.Set(true)
	cache.Invalidate()
	cache.Set(false)
	cache.Set(true)

	history := cache.History()
	require.Len(t, history, 3)
	assert.Equal(t, authstate.ConfidenceNone, history[0].Confidence)
	assert.False(t, history[1].Authenticated)
	assert.True(t, history[2].Authenticated)
}

func TestCache_NoChecker(t *testing.T) {
	cache := authstate.NewCache(authstate.CacheConfig{})
	_, err := cache.Get(context.Background(), false)
	assert.ErrorIs(t, err, authstate.ErrNoChecker)
}

func TestCache_NeedsRefresh(t *testing.T) {
	f := newFixture(newScripted(authResponse(true)), authstate.CacheConfig{}, authstate.RetryPolicy{})

	assert.True(t, f.cache.NeedsRefresh(time.Second))

	_, err := f.cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, f.cache.NeedsRefresh(2*time.Second))

	f.clock.Advance(5*time.Minute - time.Second)
	assert.True(t, f.cache.NeedsRefresh(2*time.Second))
}
