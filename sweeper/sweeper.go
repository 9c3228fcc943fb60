// Package sweeper periodically calls the permissionless time-gated task
// operations (auto_reopen, force_resolve) on tasks that have become due.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"bountyflow/logging"
	"bountyflow/metrics"
	"bountyflow/rejection"
	"bountyflow/task"
)

// Identity is the caller recorded on operations the sweeper performs.
const Identity = "sweeper"

// Actor performs the time-gated operations. *task.Service satisfies it.
type Actor interface {
	AutoReopen(ctx context.Context, taskID, caller string) (task.Task, error)
	ForceResolve(ctx context.Context, taskID, caller string) (task.Task, error)
}

// Result counts the outcome of one pass.
type Result struct {
	Attempted int
	Succeeded int
	Rejected  int
	Failed    int
}

type Sweeper struct {
	finder Finder
	actor  Actor
	logger logging.Logger
	now    func() time.Time
	batch  int
}

func New(finder Finder, actor Actor, batch int) *Sweeper {
	return &Sweeper{
		finder: finder,
		actor:  actor,
		logger: logging.NewNop(),
		now:    time.Now,
		batch:  batch,
	}
}

func (s *Sweeper) WithLogger(logger logging.Logger) *Sweeper {
	s.logger = logger.With("component", "sweeper")
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce performs a single pass. A rejection means somebody else already
// moved the task, so it is counted but not returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	candidates, err := s.finder.Due(ctx, s.now(), s.batch)
	if err != nil {
		return res, err
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++

		var opErr error
		switch c.Op {
		case task.OpAutoReopen:
			_, opErr = s.actor.AutoReopen(ctx, c.TaskID, Identity)
		case task.OpForceResolve:
			_, opErr = s.actor.ForceResolve(ctx, c.TaskID, Identity)
		default:
			opErr = fmt.Errorf("sweeper: unknown operation %q", c.Op)
		}

		switch {
		case opErr == nil:
			res.Succeeded++
			metrics.ObserveSweep(c.Op, "ok")
		case rejection.KindOf(opErr) != "":
			res.Rejected++
			metrics.ObserveSweep(c.Op, "rejected")
			s.logger.Debug("sweep skipped", "task_id", c.TaskID, "op", c.Op, "error", opErr)
		default:
			res.Failed++
			metrics.ObserveSweep(c.Op, "error")
			s.logger.Warn("sweep failed", "task_id", c.TaskID, "op", c.Op, "error", opErr)
		}
	}

	if res.Attempted > 0 {
		s.logger.Info("sweep finished", "attempted", res.Attempted, "succeeded", res.Succeeded, "rejected", res.Rejected, "failed", res.Failed)
	}
	return res, nil
}

// Run schedules RunOnce on a cron spec ("@every 1m", "*/5 * * * *") and
// blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", schedule, err)
	}

	s.logger.Info("sweeper started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}
