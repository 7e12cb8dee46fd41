// Package eventbus fans ledger appends and status transitions out to live
// subscribers. Delivery is best-effort and never blocks the publisher: a
// slow subscriber loses events rather than stalling the orchestrator. The
// ledger replay performed on subscribe makes up for anything dropped here.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/runloom/runloom/pkg/run"
)

// EventType tags the payload carried by an Event
type EventType string

const (
	EventStep   EventType = "step"
	EventStatus EventType = "status"
)

// Event is a single item on a run's live feed
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp"`
	Step      *run.Step `json:"step,omitempty"`
	Run       *run.Run  `json:"run,omitempty"`
}

// Terminal reports whether this event carries a terminal run status
func (e Event) Terminal() bool {
	return e.Type == EventStatus && e.Run != nil && e.Run.Status.Terminal()
}

// Subscription is one subscriber's view of a run's live feed. C is closed
// after the run's terminal event has been flushed, or on Close.
type Subscription struct {
	ID string
	C  <-chan Event

	ch    chan Event
	runID string
	bus   *Bus
	once  sync.Once
}

// Close detaches the subscription. Safe to call multiple times and
// concurrently with publishes.
func (s *Subscription) Close() {
	s.bus.remove(s.runID, s.ID, s)
}

// Bus is the in-process publish-subscribe channel for run events
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription
	logger zerolog.Logger
	buffer int
	seq    uint64

	dropped atomic.Int64
	onDrop  func()
}

// Option configures a Bus
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel depth
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook installs a callback invoked for every dropped event,
// used to feed a metrics counter.
func WithDropHook(fn func()) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// New creates an event bus
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[string]*Subscription),
		logger: logger,
		buffer: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber to a run's live feed
func (b *Bus) Subscribe(runID string) *Subscription {
	id, _ := gonanoid.New()
	sub := &Subscription{
		ID:    id,
		runID: runID,
		bus:   b,
		ch:    make(chan Event, b.buffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[string]*Subscription)
	}
	b.subs[runID][id] = sub
	return sub
}

// Publish delivers an event to every live subscriber of its run, in call
// order. It never blocks: a full subscriber buffer drops the event. A
// terminal status event closes the run's subscriptions after delivery.
func (b *Bus) Publish(event Event) {
	event.Seq = int64(atomic.AddUint64(&b.seq, 1))
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event.RunID]
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Warn().
				Str("run_id", event.RunID).
				Str("subscriber", sub.ID).
				Str("type", string(event.Type)).
				Int64("seq", event.Seq).
				Msg("Subscriber buffer full, event dropped")
		}
	}

	if event.Terminal() {
		for id, sub := range subs {
			delete(subs, id)
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, event.RunID)
	}
}

// Dropped returns the number of events lost to slow subscribers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscribers for a run
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (b *Bus) remove(runID, id string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.subs[runID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, runID)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}
