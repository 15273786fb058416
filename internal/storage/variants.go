package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/repopulse/relay/internal/model"
)

const variantColumns = `id, prompt_type, version, system_prompt, user_prompt,
	traffic_allocation, is_control, is_active, is_winner, status,
	sample_count, completion_rate, avg_feedback_score, avg_latency_ms,
	avg_tokens, edit_rate, regenerate_rate,
	started_at, created_at, updated_at`

func scanVariant(row pgx.Row) (model.PromptVariant, error) {
	var v model.PromptVariant
	err := row.Scan(
		&v.ID, &v.PromptType, &v.Version, &v.SystemPrompt, &v.UserPrompt,
		&v.TrafficAllocation, &v.IsControl, &v.IsActive, &v.IsWinner, &v.Status,
		&v.Metrics.SampleCount, &v.Metrics.CompletionRate, &v.Metrics.AvgFeedbackScore,
		&v.Metrics.AvgLatencyMs, &v.Metrics.AvgTokens, &v.Metrics.EditRate,
		&v.Metrics.RegenerateRate,
		&v.StartedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PromptVariant{}, ErrNotFound
	}
	if err != nil {
		return model.PromptVariant{}, fmt.Errorf("storage: scan variant: %w", err)
	}
	return v, nil
}

// CreateVariant inserts a new prompt variant and returns its id.
func (db *DB) CreateVariant(ctx context.Context, v model.PromptVariant) (uuid.UUID, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO prompt_variants
		   (id, prompt_type, version, system_prompt, user_prompt,
		    traffic_allocation, is_control, is_active, is_winner, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.PromptType, v.Version, v.SystemPrompt, v.UserPrompt,
		v.TrafficAllocation, v.IsControl, v.IsActive, v.IsWinner, v.Status, v.StartedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create variant: %w", err)
	}
	return v.ID, nil
}

// GetVariant fetches one variant by id.
func (db *DB) GetVariant(ctx context.Context, id uuid.UUID) (model.PromptVariant, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM prompt_variants WHERE id = $1`, id)
	return scanVariant(row)
}

// GetVariantByVersion fetches a variant by (prompt type, version label).
func (db *DB) GetVariantByVersion(ctx context.Context, promptType, version string) (model.PromptVariant, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM prompt_variants
		 WHERE prompt_type = $1 AND version = $2`, promptType, version)
	return scanVariant(row)
}

// ListRunningVariants returns the running variants with non-zero traffic
// for a prompt type, in deterministic (created_at, version) order; ties
// in weighted selection resolve by this order, not by re-drawing.
func (db *DB) ListRunningVariants(ctx context.Context, promptType string) ([]model.PromptVariant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM prompt_variants
		 WHERE prompt_type = $1 AND status = 'running' AND traffic_allocation > 0
		 ORDER BY created_at, version`, promptType)
	if err != nil {
		return nil, fmt.Errorf("storage: list running variants: %w", err)
	}
	defer rows.Close()

	var out []model.PromptVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListRunningPromptTypes returns the prompt types that currently have a
// running experiment, for the periodic evaluation sweep.
func (db *DB) ListRunningPromptTypes(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT prompt_type FROM prompt_variants WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("storage: list running prompt types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pt string
		if err := rows.Scan(&pt); err != nil {
			return nil, fmt.Errorf("storage: scan prompt type: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// GetActiveVariant returns the single production variant for a prompt type.
func (db *DB) GetActiveVariant(ctx context.Context, promptType string) (model.PromptVariant, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM prompt_variants
		 WHERE prompt_type = $1 AND is_active`, promptType)
	return scanVariant(row)
}

// GetControlVariant returns the control variant among a prompt type's
// running experiment.
func (db *DB) GetControlVariant(ctx context.Context, promptType string) (model.PromptVariant, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM prompt_variants
		 WHERE prompt_type = $1 AND is_control AND status = 'running'`, promptType)
	return scanVariant(row)
}

// UpdateVariantMetrics folds one call outcome into the variant's running
// averages inside a single UPDATE, so concurrent writers cannot interleave
// a read-modify-write. n is the current (post-assignment-increment) sample
// count; nil metric values leave the matching average unchanged.
func (db *DB) UpdateVariantMetrics(ctx context.Context, id uuid.UUID, completed *bool, feedback *float64, latencyMs, tokens *float64, edited, regenerated *bool) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE prompt_variants SET
			completion_rate = CASE WHEN $2::boolean IS NULL THEN completion_rate
				ELSE (completion_rate * (GREATEST(sample_count, 1) - 1) +
				      CASE WHEN $2 THEN 1 ELSE 0 END) / GREATEST(sample_count, 1) END,
			avg_feedback_score = CASE WHEN $3::double precision IS NULL THEN avg_feedback_score
				ELSE (avg_feedback_score * (GREATEST(sample_count, 1) - 1) + $3) / GREATEST(sample_count, 1) END,
			avg_latency_ms = CASE WHEN $4::double precision IS NULL THEN avg_latency_ms
				ELSE (avg_latency_ms * (GREATEST(sample_count, 1) - 1) + $4) / GREATEST(sample_count, 1) END,
			avg_tokens = CASE WHEN $5::double precision IS NULL THEN avg_tokens
				ELSE (avg_tokens * (GREATEST(sample_count, 1) - 1) + $5) / GREATEST(sample_count, 1) END,
			edit_rate = CASE WHEN $6::boolean IS NULL THEN edit_rate
				ELSE (edit_rate * (GREATEST(sample_count, 1) - 1) +
				      CASE WHEN $6 THEN 1 ELSE 0 END) / GREATEST(sample_count, 1) END,
			regenerate_rate = CASE WHEN $7::boolean IS NULL THEN regenerate_rate
				ELSE (regenerate_rate * (GREATEST(sample_count, 1) - 1) +
				      CASE WHEN $7 THEN 1 ELSE 0 END) / GREATEST(sample_count, 1) END,
			updated_at = now()
		WHERE id = $1`,
		id, completed, feedback, latencyMs, tokens, edited, regenerated,
	)
	if err != nil {
		return fmt.Errorf("storage: update variant metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteWinner marks winnerID as the completed, active winner and
// archives every other variant of the same prompt type, atomically.
// Deactivation happens before activation so the one-active-per-type
// unique index is never violated mid-transaction. Deadlocks with a
// concurrent promotion or rollback are retried.
func (db *DB) PromoteWinner(ctx context.Context, winnerID uuid.UUID) error {
	return WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		return db.promoteWinner(ctx, winnerID)
	})
}

func (db *DB) promoteWinner(ctx context.Context, winnerID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: promote winner: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var promptType string
	err = tx.QueryRow(ctx,
		`SELECT prompt_type FROM prompt_variants WHERE id = $1 FOR UPDATE`, winnerID,
	).Scan(&promptType)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: promote winner: load: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prompt_variants
		 SET is_active = FALSE, is_winner = FALSE, status = 'archived', updated_at = now()
		 WHERE prompt_type = $1 AND id <> $2`, promptType, winnerID,
	); err != nil {
		return fmt.Errorf("storage: promote winner: archive others: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prompt_variants
		 SET is_active = TRUE, is_winner = TRUE, status = 'completed', updated_at = now()
		 WHERE id = $1`, winnerID,
	); err != nil {
		return fmt.Errorf("storage: promote winner: activate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: promote winner: commit: %w", err)
	}
	return nil
}

// RollbackToVersion deactivates the current production variant for
// promptType and reactivates the named archived version. Returns
// ErrNotFound when no archived variant matches; the active variant is
// left untouched in that case.
func (db *DB) RollbackToVersion(ctx context.Context, promptType, version string) error {
	return WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		return db.rollbackToVersion(ctx, promptType, version)
	})
}

func (db *DB) rollbackToVersion(ctx context.Context, promptType, version string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: rollback: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var targetID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM prompt_variants
		 WHERE prompt_type = $1 AND version = $2 AND status = 'archived'
		 FOR UPDATE`, promptType, version,
	).Scan(&targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: rollback: load target: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prompt_variants
		 SET is_active = FALSE, status = 'archived', updated_at = now()
		 WHERE prompt_type = $1 AND is_active`, promptType,
	); err != nil {
		return fmt.Errorf("storage: rollback: deactivate current: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prompt_variants
		 SET is_active = TRUE, is_winner = FALSE, status = 'completed', updated_at = now()
		 WHERE id = $1`, targetID,
	); err != nil {
		return fmt.Errorf("storage: rollback: activate target: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: rollback: commit: %w", err)
	}
	return nil
}
