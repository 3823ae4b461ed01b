package authstate

import (
	"log/slog"
	"sync"

	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

type subscriber struct {
	id uint64
	fn func(State)
}

// Bus fans State transitions out to subscribers. Callbacks run on the
// publishing goroutine, in subscription order, with no lock held.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    []subscriber
	nextID  uint64
	current State
	has     bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: telemetry.Component(logger, "authstate.bus")}
}

// Subscribe registers fn and replays the current State to it, if any.
// The returned function unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(fn func(State)) func() {
	if fn == nil {
		panic("authstate: nil subscriber")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	current, has := b.current, b.has
	b.mu.Unlock()

	if has {
		b.deliver(subscriber{id: id, fn: fn}, current)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// Publish records s as current and delivers it to a snapshot of the
// subscriber list, so subscribers may unsubscribe mid-publish.
func (b *Bus) Publish(s State) {
	b.mu.Lock()
	b.current, b.has = s, true
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, s)
	}
}

// Current returns the last published State.
func (b *Bus) Current() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.has
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliver(sub subscriber, s State) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("subscriber panicked", "subscriber", sub.id, "panic", p)
		}
	}()
	sub.fn(s)
}
