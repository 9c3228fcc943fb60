package dispute

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the read surface of pgxpool.Pool used for listing.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// ListActive returns tasks with an open dispute, most recently touched first.
// An empty authority lists every disputed task.
func (r *Repository) ListActive(ctx context.Context, authority string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, authority, claimer, asset_id, quantity, proof, dispute, updated_at
		FROM tasks
		WHERE status = 'disputed'
	`
	args := []any{}
	if authority != "" {
		args = append(args, authority)
		query += fmt.Sprintf(" AND authority = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var (
			rec     Record
			payload []byte
		)
		if err := rows.Scan(&rec.TaskID, &rec.Authority, &rec.Claimer, &rec.AssetID, &rec.Quantity, &rec.Proof, &payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Dispute); err != nil {
				return nil, fmt.Errorf("dispute: decode vote state: %w", err)
			}
		}
		if !rec.Dispute.Active {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
