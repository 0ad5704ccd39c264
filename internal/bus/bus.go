// Package bus is the in-process event channel between the tracking core and its UI.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"homefence/internal/model"
)

// Kind tags an Event.
type Kind string

const (
	HomeChanged      Kind = "home_changed"
	PositionReported Kind = "position_reported"
	FenceCrossed     Kind = "fence_crossed"
	SessionStarted   Kind = "session_started"
	SessionStopping  Kind = "session_stopping"
)

// Event is a tagged variant; which fields are set depends on Kind.
type Event struct {
	Kind       Kind             `json:"kind"`
	Time       time.Time        `json:"time"`
	Location   *model.Location  `json:"location,omitempty"`
	Fences     []model.Fence    `json:"fences,omitempty"`
	Fence      string           `json:"fence,omitempty"`
	Transition model.Transition `json:"transition,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// DefaultBuffer is the subscription buffer used by Listen.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose buffer is full
// is dropped and its channel closed.
type Bus struct {
	sync.RWMutex

	subscribers map[chan Event]bool
	closed      bool
	dropped     atomic.Int64
}

func New() *Bus {
	return &Bus{subscribers: make(map[chan Event]bool)}
}

// Subscribe returns a channel receiving every later event. The channel is closed on
// Unsubscribe, Close, or when the subscriber falls behind.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.Lock()
	defer b.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = true
	return ch
}

// Unsubscribe removes ch. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.Lock()
	defer b.Unlock()
	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Listen calls fn for each event on its own goroutine until the returned cancel is called. fn
// must not block: once DefaultBuffer events queue up behind it the subscription is dropped and
// fn sees nothing more.
func (b *Bus) Listen(fn func(Event)) (cancel func()) {
	ch := b.Subscribe(DefaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fn(ev)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(ch)
			<-done
		})
	}
}

// Publish stamps ev with the current time when unset and delivers it.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			delete(b.subscribers, sub)
			close(sub)
			b.dropped.Add(1)
			log.Warn().Str("kind", string(ev.Kind)).Int("buffer", cap(sub)).Msg("event subscriber fell behind; subscription closed")
		}
	}
}

// Dropped returns how many subscriptions were closed for falling behind.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
