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

// InsertUsageRecord appends one invocation record and upserts the
// matching daily rollup in a single transaction.
func (db *DB) InsertUsageRecord(ctx context.Context, rec model.UsageRecord) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_records
		   (id, user_id, session_id, model_id, task_category,
		    input_tokens, output_tokens, cost_usd, latency_ms, success,
		    failover_from, route_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.UserID, rec.SessionID, rec.ModelID, rec.TaskCategory,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Latency.Milliseconds(),
		rec.Success, rec.FailoverFrom, rec.RouteReason,
	); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert usage record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_daily (day, model_id, requests, input_tokens, output_tokens, cost_usd)
		 VALUES (CURRENT_DATE, $1, 1, $2, $3, $4)
		 ON CONFLICT (day, model_id) DO UPDATE SET
		   requests      = usage_daily.requests + 1,
		   input_tokens  = usage_daily.input_tokens + EXCLUDED.input_tokens,
		   output_tokens = usage_daily.output_tokens + EXCLUDED.output_tokens,
		   cost_usd      = usage_daily.cost_usd + EXCLUDED.cost_usd`,
		rec.ModelID, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	); err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert daily usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert usage: commit: %w", err)
	}
	return rec.ID, nil
}

// MonthlySpend sums a user's cost for the current calendar month.
// An empty userID sums across all users.
func (db *DB) MonthlySpend(ctx context.Context, userID string) (float64, error) {
	var spend float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE created_at >= date_trunc('month', now())
		   AND ($1 = '' OR user_id = $1)`, userID,
	).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("storage: monthly spend: %w", err)
	}
	return spend, nil
}

// DailyUsage returns per-model rollups for the half-open interval
// [from, to).
func (db *DB) DailyUsage(ctx context.Context, from, to time.Time) ([]model.DailyUsage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT day, model_id, requests, input_tokens, output_tokens, cost_usd
		 FROM usage_daily
		 WHERE day >= $1 AND day < $2
		 ORDER BY day, model_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: daily usage: %w", err)
	}
	defer rows.Close()

	var out []model.DailyUsage
	for rows.Next() {
		var d model.DailyUsage
		if err := rows.Scan(&d.Day, &d.ModelID, &d.Requests, &d.InputTokens, &d.OutputTokens, &d.CostUSD); err != nil {
			return nil, fmt.Errorf("storage: scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertModelHealth persists the latest health snapshot for one model.
func (db *DB) UpsertModelHealth(ctx context.Context, h model.ModelHealth) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO model_health
		   (model_id, status, avg_latency_ms, total_requests, failed_requests,
		    success_rate, circuit_state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (model_id) DO UPDATE SET
		   status          = EXCLUDED.status,
		   avg_latency_ms  = EXCLUDED.avg_latency_ms,
		   total_requests  = EXCLUDED.total_requests,
		   failed_requests = EXCLUDED.failed_requests,
		   success_rate    = EXCLUDED.success_rate,
		   circuit_state   = EXCLUDED.circuit_state,
		   updated_at      = now()`,
		h.ModelID, h.Status, h.AvgLatency.Milliseconds(), h.TotalRequests,
		h.FailedRequests, h.SuccessRate, h.CircuitState,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert model health: %w", err)
	}
	return nil
}

// GetModelHealth loads the persisted snapshot for one model.
func (db *DB) GetModelHealth(ctx context.Context, modelID string) (model.ModelHealth, error) {
	var (
		h         model.ModelHealth
		latencyMs int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT model_id, status, avg_latency_ms, total_requests, failed_requests,
		        success_rate, circuit_state, updated_at
		 FROM model_health WHERE model_id = $1`, modelID,
	).Scan(&h.ModelID, &h.Status, &latencyMs, &h.TotalRequests, &h.FailedRequests,
		&h.SuccessRate, &h.CircuitState, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ModelHealth{}, ErrNotFound
	}
	if err != nil {
		return model.ModelHealth{}, fmt.Errorf("storage: get model health: %w", err)
	}
	h.AvgLatency = time.Duration(latencyMs) * time.Millisecond
	return h, nil
}
