// Package store persists runs and their execution steps. It is the only
// stateful collaborator of the orchestrator: status transitions are enforced
// here with compare-and-set semantics so that terminal states are absorbing
// and the claim race has exactly one winner.
package store

import (
	"context"
	"time"

	"github.com/runloom/runloom/pkg/run"
)

// ListFilter narrows ListRuns results
type ListFilter struct {
	UserID  string
	AgentID string
	Limit   int
	Offset  int
}

// Store is the persistence contract for runs and steps.
//
// AppendStep is the only write path for step data and assigns step_number;
// callers serialize appends per run (the ledger holds a per-run lock).
type Store interface {
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, f ListFilter) ([]run.Run, error)

	// ClaimRun transitions queued -> running atomically. A lost race
	// returns run.ErrAlreadyRunning.
	ClaimRun(ctx context.Context, id string, startedAt time.Time) error

	// FinishRun transitions running -> completed|failed atomically. A run
	// that is already terminal returns run.ErrInvalidTransition so that a
	// cancel racing natural completion resolves to exactly one outcome.
	FinishRun(ctx context.Context, id string, status run.Status, output, errMsg string, completedAt time.Time) error

	// AppendStep persists a step, assigning the next step_number for its
	// run. Returns the assigned number.
	AppendStep(ctx context.Context, s *run.Step) (int, error)
	ListSteps(ctx context.Context, runID string) ([]run.Step, error)

	// ListRunning returns all runs currently in the running state.
	ListRunning(ctx context.Context) ([]run.Run, error)

	Close() error
}
