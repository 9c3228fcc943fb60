package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound signals the identity has no reputation yet.
var ErrNotFound = errors.New("reputation: not found")

// DB is the subset of pgxpool.Pool used for reads.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads and writes reputation rows. Writes run inside the caller's
// transaction so they commit with the task transition that caused them.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `identity, ratings, streak, claims, completions, bonuses, updated_at`

// LoadForUpdate locks the identity's row. A missing row yields an empty record.
func (r *Repository) LoadForUpdate(ctx context.Context, tx pgx.Tx, identity string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM reputations WHERE identity = $1 FOR UPDATE`, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{Identity: identity}, nil
		}
		return Record{}, fmt.Errorf("reputation: load for update: %w", err)
	}
	return rec, nil
}

// Save upserts the record.
func (r *Repository) Save(ctx context.Context, tx pgx.Tx, rec Record) error {
	ratings := make([]int32, len(rec.Ratings))
	for i, s := range rec.Ratings {
		ratings[i] = int32(s)
	}

	const upsertSQL = `
		INSERT INTO reputations (identity, ratings, streak, claims, completions, bonuses, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (identity) DO UPDATE
		SET ratings = EXCLUDED.ratings,
		    streak = EXCLUDED.streak,
		    claims = EXCLUDED.claims,
		    completions = EXCLUDED.completions,
		    bonuses = EXCLUDED.bonuses,
		    updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, rec.Identity, ratings, rec.Streak, rec.Claims, rec.Completions, rec.Bonuses); err != nil {
		return fmt.Errorf("reputation: save: %w", err)
	}
	return nil
}

// SaveFeedback stores feedback, replacing an earlier note by the same author.
func (r *Repository) SaveFeedback(ctx context.Context, tx pgx.Tx, fb Feedback) error {
	const upsertSQL = `
		INSERT INTO feedback (task_id, author, subject, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, author) DO UPDATE
		SET body = EXCLUDED.body, created_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, fb.TaskID, fb.Author, fb.Subject, fb.Body); err != nil {
		return fmt.Errorf("reputation: save feedback: %w", err)
	}
	return nil
}

// GetByID fetches the reputation of one identity.
func (r *Repository) GetByID(ctx context.Context, identity string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM reputations WHERE identity = $1`, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("reputation: query by id: %w", err)
	}
	return rec, nil
}

// List fetches up to limit records, most completions first.
func (r *Repository) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `SELECT `+recordColumns+` FROM reputations ORDER BY completions DESC, identity ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("reputation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("reputation: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reputation: iterate records: %w", err)
	}
	return out, nil
}

// ListFeedback returns the feedback left about subject, newest first.
func (r *Repository) ListFeedback(ctx context.Context, subject string) ([]Feedback, error) {
	const query = `
		SELECT task_id, author, subject, body, created_at
		FROM feedback
		WHERE subject = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("reputation: list feedback: %w", err)
	}
	defer rows.Close()

	out := make([]Feedback, 0, 8)
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.TaskID, &fb.Author, &fb.Subject, &fb.Body, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("reputation: scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reputation: iterate feedback: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		ratings []int32
	)
	if err := row.Scan(&rec.Identity, &ratings, &rec.Streak, &rec.Claims, &rec.Completions, &rec.Bonuses, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Ratings = make([]int, len(ratings))
	for i, s := range ratings {
		rec.Ratings[i] = int(s)
	}
	return rec, nil
}
