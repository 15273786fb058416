// Package experiments implements prompt A/B experimentation: sticky
// weighted assignment of sessions to variants, incremental metric
// aggregation, and the significance-gated winner promotion workflow.
package experiments

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/telemetry"
)

// Store is the persistence surface the service needs. *storage.DB
// satisfies it.
type Store interface {
	GetAssignment(ctx context.Context, sessionID, promptType string) (model.Assignment, error)
	CreateAssignment(ctx context.Context, sessionID, promptType string, variantID uuid.UUID, group string) (model.Assignment, error)
	GetVariant(ctx context.Context, id uuid.UUID) (model.PromptVariant, error)
	ListRunningVariants(ctx context.Context, promptType string) ([]model.PromptVariant, error)
	GetActiveVariant(ctx context.Context, promptType string) (model.PromptVariant, error)
	GetControlVariant(ctx context.Context, promptType string) (model.PromptVariant, error)
	UpdateVariantMetrics(ctx context.Context, id uuid.UUID, completed *bool, feedback *float64, latencyMs, tokens *float64, edited, regenerated *bool) error
	PromoteWinner(ctx context.Context, winnerID uuid.UUID) error
	RollbackToVersion(ctx context.Context, promptType, version string) error
	Notify(ctx context.Context, channel, payload string) error
}

// Config holds the promotion gate thresholds.
type Config struct {
	MinSampleSize     int
	MinRuntime        time.Duration
	MinImprovementPct float64
	Alpha             float64
}

// DefaultConfig returns the standard promotion gates.
func DefaultConfig() Config {
	return Config{
		MinSampleSize:     100,
		MinRuntime:        24 * time.Hour,
		MinImprovementPct: 5,
		Alpha:             0.05,
	}
}

// Service encapsulates experiment business logic.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// rnd and now are injectable for deterministic tests.
	rnd func() float64
	now func() time.Time

	assignments metric.Int64Counter
}

// New creates an experiment Service. Zero-valued Config fields fall back
// to DefaultConfig.
func New(store Store, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = def.MinSampleSize
	}
	if cfg.MinRuntime <= 0 {
		cfg.MinRuntime = def.MinRuntime
	}
	if cfg.MinImprovementPct <= 0 {
		cfg.MinImprovementPct = def.MinImprovementPct
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}

	meter := telemetry.Meter("relay/experiments")
	assigned, _ := meter.Int64Counter("relay.experiment.assignments",
		metric.WithDescription("New variant assignments created"),
	)

	return &Service{
		store:       store,
		cfg:         cfg,
		logger:      logger,
		rnd:         rand.Float64,
		now:         time.Now,
		assignments: assigned,
	}
}
