// Package ledger is the append-only, ordered log of execution steps per
// run, and the single funnel through which step and status events reach
// live subscribers. An append returns only after the step is durable in the
// store; the bus is notified strictly afterwards, so nothing is ever
// published that a subsequent Read would not see.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runloom/runloom/pkg/eventbus"
	"github.com/runloom/runloom/pkg/run"
	"github.com/runloom/runloom/pkg/store"
)

// Ledger serializes step appends per run and publishes each append, and
// each status transition, to the event bus in order.
type Ledger struct {
	store  store.Store
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger over a store and an event bus
func New(st store.Store, bus *eventbus.Bus, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  st,
		bus:    bus,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Append persists a step, assigns its step_number and publishes it.
// Appends for the same run never interleave.
func (l *Ledger) Append(ctx context.Context, st *run.Step) (int, error) {
	if st.RunID == "" {
		return 0, fmt.Errorf("step has no run_id")
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}

	lock := l.runLock(st.RunID)
	lock.Lock()
	defer lock.Unlock()

	n, err := l.store.AppendStep(ctx, st)
	if err != nil {
		return 0, fmt.Errorf("failed to append step: %w", err)
	}

	l.logger.Debug().
		Str("run_id", st.RunID).
		Int("step_number", n).
		Str("step_type", string(st.Type)).
		Msg("Step appended")

	published := *st
	l.bus.Publish(eventbus.Event{
		Type:  eventbus.EventStep,
		RunID: st.RunID,
		Step:  &published,
	})
	return n, nil
}

// Read returns the full ordered step sequence for a run. Safe to call
// concurrently with appends; readers see a monotonically growing prefix.
func (l *Ledger) Read(ctx context.Context, runID string) ([]run.Step, error) {
	return l.store.ListSteps(ctx, runID)
}

// PublishStatus emits a run status event, ordered after any append already
// performed for the run. A terminal status releases the run's append lock
// entry and closes the run's live subscriptions.
func (l *Ledger) PublishStatus(r *run.Run) {
	lock := l.runLock(r.ID)
	lock.Lock()
	defer lock.Unlock()

	published := *r
	l.bus.Publish(eventbus.Event{
		Type:  eventbus.EventStatus,
		RunID: r.ID,
		Run:   &published,
	})

	if r.Status.Terminal() {
		l.mu.Lock()
		delete(l.locks, r.ID)
		l.mu.Unlock()
	}
}

func (l *Ledger) runLock(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[runID] = lock
	}
	return lock
}
