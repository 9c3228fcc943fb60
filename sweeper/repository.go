package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bountyflow/task"
)

// Candidate is a task whose time-gated operation has become legal.
type Candidate struct {
	TaskID string
	Op     string
}

// Finder lists due candidates.
type Finder interface {
	Due(ctx context.Context, now time.Time, limit int) ([]Candidate, error)
}

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGFinder reads candidates from the tasks table.
type PGFinder struct {
	db                Querier
	forceResolveAfter time.Duration
}

func NewFinder(db Querier, forceResolveAfter time.Duration) *PGFinder {
	return &PGFinder{db: db, forceResolveAfter: forceResolveAfter}
}

// Due returns expired claims first, then disputes past the force-resolve
// window, oldest first.
func (f *PGFinder) Due(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, op FROM (
			SELECT id, $3::text AS op, deadline AS due
			FROM tasks
			WHERE status IN ('claimed', 'submitted') AND deadline < $1
			UNION ALL
			SELECT id, $4::text AS op, (dispute->>'opened_at')::timestamptz AS due
			FROM tasks
			WHERE status = 'disputed' AND (dispute->>'opened_at')::timestamptz < $2
		) due
		ORDER BY op, due
		LIMIT $5
	`
	rows, err := f.db.Query(ctx, query, now, now.Add(-f.forceResolveAfter), task.OpAutoReopen, task.OpForceResolve, limit)
	if err != nil {
		return nil, fmt.Errorf("sweeper: query due tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, limit)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.TaskID, &c.Op); err != nil {
			return nil, fmt.Errorf("sweeper: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweeper: iterate candidates: %w", err)
	}
	return out, nil
}
