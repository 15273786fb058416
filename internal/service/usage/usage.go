// Package usage records post-call facts: the append-only usage ledger,
// the in-memory model health registry, and experiment metric updates all
// fan out from one RecordOutcome call.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/relay/internal/health"
	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/telemetry"
)

// Store is the persistence surface the recorder needs. *storage.DB
// satisfies it.
type Store interface {
	InsertUsageRecord(ctx context.Context, rec model.UsageRecord) (uuid.UUID, error)
	UpsertModelHealth(ctx context.Context, h model.ModelHealth) error
	MonthlySpend(ctx context.Context, userID string) (float64, error)
	DailyUsage(ctx context.Context, from, to time.Time) ([]model.DailyUsage, error)
}

// Aggregator folds call outcomes into experiment metrics. The experiments
// service satisfies it.
type Aggregator interface {
	RecordMetrics(ctx context.Context, variantID uuid.UUID, o model.Outcome) error
}

// Recorder implements RecordOutcome.
type Recorder struct {
	store      Store
	healthReg  *health.Registry
	aggregator Aggregator
	logger     *slog.Logger

	calls  metric.Int64Counter
	tokens metric.Int64Counter
	cost   metric.Float64Counter
}

// New creates a Recorder. aggregator may be nil when experimentation is
// not configured.
func New(store Store, healthReg *health.Registry, aggregator Aggregator, logger *slog.Logger) *Recorder {
	meter := telemetry.Meter("relay/usage")
	calls, _ := meter.Int64Counter("relay.model.calls",
		metric.WithDescription("Model invocations recorded"),
	)
	tokens, _ := meter.Int64Counter("relay.model.tokens",
		metric.WithDescription("Input plus output tokens consumed"),
	)
	cost, _ := meter.Float64Counter("relay.model.cost_usd",
		metric.WithDescription("Accumulated model spend in USD"),
	)

	return &Recorder{
		store:      store,
		healthReg:  healthReg,
		aggregator: aggregator,
		logger:     logger,
		calls:      calls,
		tokens:     tokens,
		cost:       cost,
	}
}

// RecordOutcome persists one call's facts and updates every derived view:
// the usage ledger and daily rollup, the model health running averages,
// OTEL counters, and (when the call belonged to an experiment) the
// variant's metrics.
//
// The ledger write is authoritative; failures there are returned. Health
// and experiment updates are best-effort and only logged, so a metrics
// hiccup never loses the usage row.
func (r *Recorder) RecordOutcome(ctx context.Context, o model.Outcome) (uuid.UUID, error) {
	rec := model.UsageRecord{
		UserID:       o.UserID,
		SessionID:    o.SessionID,
		ModelID:      o.ModelID,
		TaskCategory: o.TaskCategory,
		InputTokens:  o.InputTokens,
		OutputTokens: o.OutputTokens,
		CostUSD:      o.CostUSD,
		Latency:      o.Latency,
		Success:      o.Success,
		FailoverFrom: o.FailoverFrom,
		RouteReason:  o.RouteReason,
	}

	id, err := r.store.InsertUsageRecord(ctx, rec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("usage: record outcome: %w", err)
	}

	r.healthReg.Record(o.ModelID, o.Success, o.Latency)

	attrs := metric.WithAttributes(
		attribute.String("model_id", o.ModelID),
		attribute.String("category", string(o.TaskCategory)),
		attribute.Bool("success", o.Success),
	)
	r.calls.Add(ctx, 1, attrs)
	r.tokens.Add(ctx, int64(o.InputTokens+o.OutputTokens), attrs)
	r.cost.Add(ctx, o.CostUSD, attrs)

	if r.aggregator != nil && o.VariantID != nil {
		if err := r.aggregator.RecordMetrics(ctx, *o.VariantID, o); err != nil {
			r.logger.Warn("usage: experiment metrics update failed",
				"variant_id", *o.VariantID,
				"error", err,
			)
		}
	}

	return id, nil
}

// MonthlySpend reports the current calendar month's spend for userID, or
// for the whole product when userID is empty.
func (r *Recorder) MonthlySpend(ctx context.Context, userID string) (float64, error) {
	return r.store.MonthlySpend(ctx, userID)
}

// DailyUsage returns per-model daily rollups for the half-open
// interval [from, to).
func (r *Recorder) DailyUsage(ctx context.Context, from, to time.Time) ([]model.DailyUsage, error) {
	return r.store.DailyUsage(ctx, from, to)
}

// FlushHealth persists the in-memory health snapshots. Called
// periodically by the daemon so restarts keep a recent view of provider
// health.
func (r *Recorder) FlushHealth(ctx context.Context) error {
	var firstErr error
	for _, h := range r.healthReg.Snapshots() {
		if err := r.store.UpsertModelHealth(ctx, h); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("usage: flush health: %w", err)
		}
	}
	return firstErr
}
