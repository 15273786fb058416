package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/repopulse/relay/internal/model"
)

// GetAssignment returns the sticky assignment for (session, prompt type).
func (db *DB) GetAssignment(ctx context.Context, sessionID, promptType string) (model.Assignment, error) {
	var a model.Assignment
	err := db.pool.QueryRow(ctx,
		`SELECT session_id, prompt_type, variant_id, assignment_group, assigned_at
		 FROM variant_assignments
		 WHERE session_id = $1 AND prompt_type = $2`, sessionID, promptType,
	).Scan(&a.SessionID, &a.PromptType, &a.VariantID, &a.Group, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	if err != nil {
		return model.Assignment{}, fmt.Errorf("storage: get assignment: %w", err)
	}
	return a, nil
}

// CreateAssignment records a sticky assignment and increments the chosen
// variant's sample counter, atomically.
//
// The insert is idempotent under concurrent first-requests for the same
// session: ON CONFLICT DO NOTHING means exactly one writer wins, the
// counter increments exactly once, and every caller reads back the row
// that actually stuck (which may name a different variant than the one
// this caller drew).
func (db *DB) CreateAssignment(ctx context.Context, sessionID, promptType string, variantID uuid.UUID, group string) (model.Assignment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("storage: create assignment: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO variant_assignments (session_id, prompt_type, variant_id, assignment_group)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		sessionID, promptType, variantID, group,
	)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("storage: create assignment: insert: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`UPDATE prompt_variants SET sample_count = sample_count + 1, updated_at = now()
			 WHERE id = $1`, variantID,
		); err != nil {
			return model.Assignment{}, fmt.Errorf("storage: create assignment: bump sample count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Assignment{}, fmt.Errorf("storage: create assignment: commit: %w", err)
	}

	return db.GetAssignment(ctx, sessionID, promptType)
}

// CountAssignments returns how many sessions are assigned to a variant.
func (db *DB) CountAssignments(ctx context.Context, variantID uuid.UUID) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM variant_assignments WHERE variant_id = $1`, variantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count assignments: %w", err)
	}
	return n, nil
}
