package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runloom/runloom/pkg/run"
)

// MemoryStore keeps runs and steps in memory. Used by tests and as a
// reference implementation of the CAS transition semantics.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]run.Run
	steps map[string][]run.Step
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]run.Run),
		steps: make(map[string][]run.Step),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; exists {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, f ListFilter) ([]run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []run.Run
	for _, r := range m.runs {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[f.Offset:]
	}
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

func (m *MemoryStore) ClaimRun(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return run.ErrNotFound
	}
	if !r.Status.CanTransition(run.StatusRunning) {
		return run.ErrAlreadyRunning
	}
	r.Status = run.StatusRunning
	t := startedAt
	r.StartedAt = &t
	m.runs[id] = r
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, id string, status run.Status, output, errMsg string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finish to non-terminal status %s", run.ErrInvalidTransition, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return run.ErrNotFound
	}
	if r.Status != run.StatusRunning {
		return fmt.Errorf("%w: run %s is %s", run.ErrInvalidTransition, id, r.Status)
	}
	r.Status = status
	r.OutputText = output
	r.ErrorMessage = errMsg
	t := completedAt
	r.CompletedAt = &t
	m.runs[id] = r
	return nil
}

func (m *MemoryStore) AppendStep(_ context.Context, st *run.Step) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[st.RunID]; !ok {
		return 0, run.ErrNotFound
	}
	st.StepNumber = len(m.steps[st.RunID]) + 1
	m.steps[st.RunID] = append(m.steps[st.RunID], *st)
	return st.StepNumber, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[runID]
	out := make([]run.Step, len(steps))
	copy(out, steps)
	return out, nil
}

func (m *MemoryStore) ListRunning(_ context.Context) ([]run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []run.Run
	for _, r := range m.runs {
		if r.Status == run.StatusRunning {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
