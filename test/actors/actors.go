// Package actors drives the task service concurrently for the stress test.
// Every actor loops until ctx is done or stop is closed, picking a random
// task and attempting whatever its role allows in the task's current status.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bountyflow/rejection"
	"bountyflow/sweeper"
	"bountyflow/task"
)

// Stats counts outcomes across all actors.
type Stats struct {
	Committed atomic.Int64
	Rejected  atomic.Int64
	// Failed counts infrastructure errors, expected while chaos kills backends.
	Failed atomic.Int64
}

func (s *Stats) observe(err error) {
	switch {
	case err == nil:
		s.Committed.Add(1)
	case rejection.KindOf(err) != "":
		s.Rejected.Add(1)
	default:
		s.Failed.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("committed=%d rejected=%d failed=%d", s.Committed.Load(), s.Rejected.Load(), s.Failed.Load())
}

func loop(ctx context.Context, stop <-chan struct{}, minPause, jitter int, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(time.Duration(minPause+rand.Intn(jitter)) * time.Millisecond)
	}
}

func pick(ids []string) string {
	return ids[rand.Intn(len(ids))]
}

// Worker claims open tasks and submits proof for the ones it holds.
func Worker(ctx context.Context, svc *task.Service, stats *Stats, taskIDs []string, identity string, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 20, func() {
		id := pick(taskIDs)
		t, err := svc.Get(ctx, id)
		if err != nil {
			stats.observe(err)
			return
		}
		switch {
		case t.Status == task.StatusOpen:
			_, err = svc.Claim(ctx, id, identity, int64(1+rand.Intn(2)), nil)
		case t.Status == task.StatusClaimed && t.Claimer == identity:
			_, err = svc.Submit(ctx, id, identity, fmt.Sprintf("cid:%s%d", identity, rand.Intn(1000)))
		case t.Status == task.StatusCompleted && t.Claimer == identity:
			_, err = svc.LeaveFeedback(ctx, id, identity, "thanks")
		default:
			// racing a stale status on purpose exercises the row lock
			_, err = svc.Claim(ctx, id, identity, 1, nil)
		}
		stats.observe(err)
	})
}

// Requester owns the tasks: it approves or disputes submissions, finalizes
// votes, keeps deadlines in the future and tops up escrow.
func Requester(ctx context.Context, svc *task.Service, stats *Stats, taskIDs []string, authority string, stop <-chan struct{}) error {
	return loop(ctx, stop, 15, 30, func() {
		id := pick(taskIDs)
		t, err := svc.Get(ctx, id)
		if err != nil {
			stats.observe(err)
			return
		}
		switch {
		case t.Status == task.StatusSubmitted && rand.Intn(3) == 0:
			_, err = svc.Dispute(ctx, id, authority)
		case t.Status == task.StatusSubmitted:
			_, err = svc.Approve(ctx, id, authority)
		case t.Status == task.StatusDisputed:
			_, err = svc.FinalizeVote(ctx, id, authority)
		case t.Status == task.StatusCompleted && !t.Rated:
			_, err = svc.RateClaimer(ctx, id, authority, 1+rand.Intn(5))
		case !t.Status.Terminal() && time.Until(t.Deadline) < time.Second:
			_, err = svc.ExtendDeadline(ctx, id, authority, 2*time.Second)
		case t.Status == task.StatusOpen && t.Escrow.Assets < 2:
			_, err = svc.Fund(ctx, id, authority, 5)
		default:
			return
		}
		stats.observe(err)
	})
}

// Arbiter votes on open disputes. Duplicate votes are expected rejections.
func Arbiter(ctx context.Context, svc *task.Service, stats *Stats, taskIDs []string, identity string, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 30, func() {
		id := pick(taskIDs)
		t, err := svc.Get(ctx, id)
		if err != nil {
			stats.observe(err)
			return
		}
		if t.Status != task.StatusDisputed {
			return
		}
		_, err = svc.Vote(ctx, id, identity, rand.Intn(2) == 0)
		stats.observe(err)
	})
}

// Sweeper runs sweep passes so auto_reopen races the other actors.
func Sweeper(ctx context.Context, sw *sweeper.Sweeper, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 200, 100, func() {
		res, err := sw.RunOnce(ctx)
		if err != nil {
			stats.observe(err)
			return
		}
		stats.Committed.Add(int64(res.Succeeded))
		stats.Rejected.Add(int64(res.Rejected))
		stats.Failed.Add(int64(res.Failed))
	})
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, failing a random
// tenth of them.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, 100, 1, func() {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			return
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()

		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'sent', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
	})
}
