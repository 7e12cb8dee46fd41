// Package stream turns the ledger plus the live event bus into the
// subscriber-facing feed: a full replay of everything already durable,
// followed by live events, closing once the run's terminal status has been
// delivered. The ledger is authoritative; the bus only shortens latency.
package stream

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/runloom/runloom/pkg/eventbus"
	"github.com/runloom/runloom/pkg/ledger"
	"github.com/runloom/runloom/pkg/run"
	"github.com/runloom/runloom/pkg/store"
)

// Streamer builds replay-then-live event feeds for individual runs
type Streamer struct {
	store  store.Store
	ledger *ledger.Ledger
	bus    *eventbus.Bus
	logger zerolog.Logger
}

// New creates a streamer
func New(st store.Store, l *ledger.Ledger, bus *eventbus.Bus, logger zerolog.Logger) *Streamer {
	return &Streamer{store: st, ledger: l, bus: bus, logger: logger}
}

// Follow returns an ordered event feed for a run: every durable step in
// append order, then live events deduplicated against the replay. The
// channel closes after the terminal status event, or when ctx is done.
// Returns run.ErrNotFound for an unknown run.
func (s *Streamer) Follow(ctx context.Context, runID string) (<-chan eventbus.Event, error) {
	// Attach before reading so nothing published during the replay read is
	// missed; duplicates are filtered by step number below.
	sub := s.bus.Subscribe(runID)

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if r == nil {
		sub.Close()
		return nil, run.ErrNotFound
	}

	steps, err := s.ledger.Read(ctx, runID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan eventbus.Event, len(steps)+16)
	go s.pump(ctx, sub, r, steps, out)
	return out, nil
}

func (s *Streamer) pump(ctx context.Context, sub *eventbus.Subscription, r *run.Run, steps []run.Step, out chan<- eventbus.Event) {
	defer close(out)
	defer sub.Close()

	lastStep := 0
	for i := range steps {
		st := steps[i]
		ev := eventbus.Event{Type: eventbus.EventStep, RunID: r.ID, Step: &st}
		if !emit(ctx, out, ev) {
			return
		}
		lastStep = st.StepNumber
	}

	if r.Status.Terminal() {
		emit(ctx, out, eventbus.Event{Type: eventbus.EventStatus, RunID: r.ID, Run: r})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Bus closed the feed (terminal delivered or dropped for
				// this subscriber); re-read the run so the terminal status
				// is never lost to the client.
				s.finishFromStore(ctx, r.ID, lastStep, out)
				return
			}
			if ev.Type == eventbus.EventStep {
				if ev.Step == nil || ev.Step.StepNumber <= lastStep {
					continue
				}
				lastStep = ev.Step.StepNumber
			}
			if !emit(ctx, out, ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

// finishFromStore replays anything the live feed dropped, then the terminal
// status, straight from the authoritative store.
func (s *Streamer) finishFromStore(ctx context.Context, runID string, lastStep int, out chan<- eventbus.Event) {
	steps, err := s.ledger.Read(ctx, runID)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to re-read ledger at stream close")
		return
	}
	for i := range steps {
		st := steps[i]
		if st.StepNumber <= lastStep {
			continue
		}
		if !emit(ctx, out, eventbus.Event{Type: eventbus.EventStep, RunID: runID, Step: &st}) {
			return
		}
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil || r == nil {
		return
	}
	if r.Status.Terminal() {
		emit(ctx, out, eventbus.Event{Type: eventbus.EventStatus, RunID: runID, Run: r})
	}
}

func emit(ctx context.Context, out chan<- eventbus.Event, ev eventbus.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}
