package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically force-fails stale runs: rows stuck in running
// status with no live execution in this process and a started_at older
// than the run timeout. Startup recovery handles crashes; the janitor
// handles leaks that appear while the process stays up.
type Janitor struct {
	engine *Engine
	cron   *cron.Cron
	grace  time.Duration
}

// NewJanitor schedules a stale-run sweep on the given cron spec, for
// example "@every 1m". The grace period is added on top of the run
// timeout before a run counts as stale.
func NewJanitor(e *Engine, spec string, grace time.Duration) (*Janitor, error) {
	if grace <= 0 {
		grace = time.Minute
	}

	j := &Janitor{
		engine: e,
		cron:   cron.New(),
		grace:  grace,
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := j.engine
	running, err := e.store.ListRunning(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Janitor sweep failed to list running runs")
		return
	}

	cutoff := time.Now().UTC().Add(-(e.cfg.RunTimeout + j.grace))
	for i := range running {
		r := &running[i]

		e.mu.Lock()
		_, owned := e.active[r.ID]
		e.mu.Unlock()
		if owned {
			continue
		}
		if r.StartedAt != nil && r.StartedAt.After(cutoff) {
			continue
		}

		if err := e.finishFailed(ctx, r, "interrupted"); err != nil {
			e.logger.Error().Err(err).Str("run_id", r.ID).Msg("Janitor failed to finalize stale run")
			continue
		}
		e.logger.Warn().Str("run_id", r.ID).Msg("Janitor force-failed stale run")
	}
}
