package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bountyflow/deadline"
	"bountyflow/dispute"
	"bountyflow/escrow"
)

var (
	// ErrNotFound is returned when no task row exists for the identifier.
	ErrNotFound = errors.New("task: not found")
	// ErrDuplicateSettlement signals a settlement key was already recorded.
	ErrDuplicateSettlement = errors.New("task: duplicate settlement key")
)

// Repository defines the data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, t Task) (Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Task, error)
	Update(ctx context.Context, tx pgx.Tx, t Task) error
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertSettlements(ctx context.Context, tx pgx.Tx, taskID string, recs []escrow.Record) error

	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, filters Filters) ([]Task, int, error)
}

// DB is the subset of pgxpool.Pool used outside transactions.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGRepository struct {
	db DB
}

func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

var _ Repository = (*PGRepository)(nil)

const taskColumns = `id, authority, asset_id, unitary_price, quantity, status, claimer, deadline, proof,
	escrow_assets, escrow_payments, locked_deposit, settlement_seq, rated,
	dispute, dispute_rounds, extension, cancellation, closed, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, t Task) (Task, error) {
	v, err := encodeVotes(t)
	if err != nil {
		return Task{}, err
	}

	query := `
		INSERT INTO tasks (id, authority, asset_id, unitary_price, quantity, status, claimer, deadline, proof,
			escrow_assets, escrow_payments, locked_deposit, settlement_seq, rated,
			dispute, dispute_rounds, extension, cancellation, closed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING ` + taskColumns

	row := tx.QueryRow(ctx, query,
		t.ID, t.Authority, t.AssetID, t.UnitaryPrice, t.Quantity, t.Status, t.Claimer, t.Deadline, t.Proof,
		t.Escrow.Assets, t.Escrow.Payments, t.LockedDeposit, t.SettlementSeq, t.Rated,
		v.dispute, t.DisputeRounds, v.extension, v.cancellation, t.Closed, t.CreatedAt, t.UpdatedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("task: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get for update: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, t Task) error {
	v, err := encodeVotes(t)
	if err != nil {
		return err
	}

	const updateSQL = `
		UPDATE tasks
		SET unitary_price = $2,
		    quantity = $3,
		    status = $4,
		    claimer = $5,
		    deadline = $6,
		    proof = $7,
		    escrow_assets = $8,
		    escrow_payments = $9,
		    locked_deposit = $10,
		    settlement_seq = $11,
		    rated = $12,
		    dispute = $13,
		    dispute_rounds = $14,
		    extension = $15,
		    cancellation = $16,
		    closed = $17,
		    updated_at = $18
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, updateSQL,
		t.ID, t.UnitaryPrice, t.Quantity, t.Status, t.Claimer, t.Deadline, t.Proof,
		t.Escrow.Assets, t.Escrow.Payments, t.LockedDeposit, t.SettlementSeq, t.Rated,
		v.dispute, t.DisputeRounds, v.extension, v.cancellation, t.Closed, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("task: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("task: marshal timeline payload: %w", err)
	}

	var actor any
	if ev.ActorID != "" {
		actor = ev.ActorID
	}

	// the task row is locked, so the next seq cannot race
	const insertSQL = `
		INSERT INTO timeline_events (task_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
		FROM timeline_events
		WHERE task_id = $1
	`
	if _, err := tx.Exec(ctx, insertSQL, ev.TaskID, ev.Type, actor, string(payload)); err != nil {
		return fmt.Errorf("task: insert timeline event: %w", err)
	}
	return nil
}

func (r *PGRepository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("task: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, string(b)); err != nil {
		return fmt.Errorf("task: insert outbox message: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertSettlements(ctx context.Context, tx pgx.Tx, taskID string, recs []escrow.Record) error {
	const insertSQL = `
		INSERT INTO settlements (key, task_id, leg, kind, asset_id, sender, receiver, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, rec := range recs {
		_, err := tx.Exec(ctx, insertSQL, rec.Key, taskID, rec.Leg, string(rec.Kind), rec.AssetID, rec.From, rec.To, rec.Amount)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateSettlement, rec.Key)
			}
			return fmt.Errorf("task: insert settlement: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Task, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.Authority != "" {
		args = append(args, filters.Authority)
		where = append(where, fmt.Sprintf("authority=$%d", len(args)))
	}
	if filters.Claimer != "" {
		args = append(args, filters.Claimer)
		where = append(where, fmt.Sprintf("claimer=$%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		taskColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("task: query list: %w", err)
	}
	defer rows.Close()

	list := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("task: scan list: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("task: iterate list: %w", err)
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("task: count list: %w", err)
	}
	return list, total, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t          Task
		dispJSON   []byte
		extJSON    []byte
		cancelJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.Authority, &t.AssetID, &t.UnitaryPrice, &t.Quantity, &t.Status, &t.Claimer, &t.Deadline, &t.Proof,
		&t.Escrow.Assets, &t.Escrow.Payments, &t.LockedDeposit, &t.SettlementSeq, &t.Rated,
		&dispJSON, &t.DisputeRounds, &extJSON, &cancelJSON, &t.Closed, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if len(dispJSON) > 0 {
		var d dispute.Dispute
		if err := json.Unmarshal(dispJSON, &d); err != nil {
			return Task{}, fmt.Errorf("task: decode dispute: %w", err)
		}
		t.Dispute = &d
	}
	if len(extJSON) > 0 {
		var ext deadline.ExtensionRound
		if err := json.Unmarshal(extJSON, &ext); err != nil {
			return Task{}, fmt.Errorf("task: decode extension round: %w", err)
		}
		t.Extension = ext
	}
	if len(cancelJSON) > 0 {
		var c CancellationRound
		if err := json.Unmarshal(cancelJSON, &c); err != nil {
			return Task{}, fmt.Errorf("task: decode cancellation round: %w", err)
		}
		t.Cancellation = c
	}
	return t, nil
}

// encodedVotes holds the JSONB columns of a task row.
type encodedVotes struct {
	dispute      any
	extension    string
	cancellation string
}

func encodeVotes(t Task) (encodedVotes, error) {
	var v encodedVotes
	if t.Dispute != nil {
		b, err := json.Marshal(t.Dispute)
		if err != nil {
			return v, fmt.Errorf("task: encode dispute: %w", err)
		}
		v.dispute = string(b)
	}
	ext, err := json.Marshal(t.Extension)
	if err != nil {
		return v, fmt.Errorf("task: encode extension round: %w", err)
	}
	v.extension = string(ext)
	cancel, err := json.Marshal(t.Cancellation)
	if err != nil {
		return v, fmt.Errorf("task: encode cancellation round: %w", err)
	}
	v.cancellation = string(cancel)
	return v, nil
}
