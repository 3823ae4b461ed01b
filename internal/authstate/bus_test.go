package authstate_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/authguard/internal/authstate"
)

func TestBus_ReplaysCurrentOnSubscribe(t *testing.T) {
	bus := authstate.NewBus(nil)

	var early []authstate.State
	bus.Subscribe(func(s authstate.State) { early = append(early, s) })
	assert.Empty(t, early)

	published := authstate.State{Authenticated: true, Confidence: authstate.ConfidenceHigh, Source: authstate.SourceDirect}
	bus.Publish(published)

	var late []authstate.State
	bus.Subscribe(func(s authstate.State) { late = append(late, s) })

	require.Len(t, late, 1)
	assert.Equal(t, published, late[0])
	assert.Equal(t, []authstate.State{published}, early)

	current, ok := bus.Current()
	assert.True(t, ok)
	assert.Equal(t, published, current)
}

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := authstate.NewBus(nil)

	var order []int
	for i := 0; i < 3; i++ {
		bus.Subscribe(func(authstate.State) { order = append(order, i) })
	}
	bus.Publish(authstate.State{Confidence: authstate.ConfidenceLow})

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := authstate.NewBus(nil)

	var calls []string
	var unsubFirst func()
	unsubFirst = bus.Subscribe(func(authstate.State) {
		calls = append(calls, "first")
		unsubFirst()
	})
	bus.Subscribe(func(authstate.State) { calls = append(calls, "second") })

	assert.NotPanics(t, func() { bus.Publish(authstate.State{Confidence: authstate.ConfidenceLow}) })
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, 1, bus.Len())

	bus.Publish(authstate.State{Confidence: authstate.ConfidenceHigh})
	assert.Equal(t, []string{"first", "second", "second"}, calls)

	// second call is a no-op
	unsubFirst()
	assert.Equal(t, 1, bus.Len())
}

func TestBus_PanickingSubscriberIsContained(t *testing.T) {
	bus := authstate.NewBus(nil)

	bus.Subscribe(func(authstate.State) { panic("boom") })
	delivered := false
	bus.Subscribe(func(authstate.State) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(authstate.State{Confidence: authstate.ConfidenceLow}) })
	assert.True(t, delivered)
}

func TestBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	bus := authstate.NewBus(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(func(authstate.State) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(authstate.State{Confidence: authstate.ConfidenceLow})
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.Len())
}

func TestBus_NilSubscriberPanics(t *testing.T) {
	assert.Panics(t, func() { authstate.NewBus(nil).Subscribe(nil) })
}
