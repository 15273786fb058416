// Package routing is the single entry point that turns a task description
// into a routing decision: task classification, budget-aware model
// selection, and experiment variant assignment in one call.
package routing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/relay/internal/classifier"
	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/selector"
	"github.com/repopulse/relay/internal/telemetry"
)

// Assigner resolves a session to its prompt variant. The experiments
// service satisfies it.
type Assigner interface {
	Assign(ctx context.Context, sessionID, promptType string) (model.PromptVariant, error)
}

// SpendReader reports accumulated spend for the budget gate. The usage
// recorder satisfies it.
type SpendReader interface {
	MonthlySpend(ctx context.Context, userID string) (float64, error)
}

// Request describes one task to route.
type Request struct {
	Prompt     string
	UserID     string
	SessionID  string
	PromptType string // empty skips experiment assignment

	// Category overrides the keyword classifier when set.
	Category model.TaskCategory
}

// Service combines the classifier, selector, and experiment router.
type Service struct {
	sel           *selector.Selector
	assigner      Assigner
	spend         SpendReader
	monthlyCapUSD float64
	logger        *slog.Logger

	decisions metric.Int64Counter
}

// New creates a routing Service. assigner may be nil when
// experimentation is not configured; monthlyCapUSD of 0 disables the
// budget gate.
func New(sel *selector.Selector, assigner Assigner, spend SpendReader, monthlyCapUSD float64, logger *slog.Logger) *Service {
	meter := telemetry.Meter("relay/routing")
	decisions, _ := meter.Int64Counter("relay.route.decisions",
		metric.WithDescription("Routing decisions issued"),
	)
	return &Service{
		sel:           sel,
		assigner:      assigner,
		spend:         spend,
		monthlyCapUSD: monthlyCapUSD,
		logger:        logger,
		decisions:     decisions,
	}
}

// Route classifies the request, selects a model under the current budget,
// and (when the request names a prompt type) resolves the session's
// experiment variant.
//
// A spend lookup failure downgrades to an uncapped budget rather than
// failing the request: routing must answer even when the ledger is
// unreachable.
func (s *Service) Route(ctx context.Context, req Request) (model.RouteDecision, error) {
	category := classifier.Classify(req.Prompt, req.Category)
	profile := classifier.Profile(category)

	budget := selector.Budget{MonthlyCapUSD: s.monthlyCapUSD}
	if s.monthlyCapUSD > 0 {
		spent, err := s.spend.MonthlySpend(ctx, req.UserID)
		if err != nil {
			s.logger.Warn("routing: spend lookup failed, skipping budget gate",
				"user_id", req.UserID,
				"error", err,
			)
			budget = selector.Budget{}
		} else {
			budget.MonthlySpendUSD = spent
		}
	}

	sel := s.sel.Select(category, profile.Tier, budget)
	cost, latency := s.sel.Estimate(sel.Model, req.Prompt)

	dec := model.RouteDecision{
		Model:            sel.Model,
		Category:         category,
		MaxOutputTokens:  profile.MaxOutputTokens,
		Timeout:          profile.Timeout,
		EstimatedCostUSD: cost,
		EstimatedLatency: latency,
		Reason:           sel.Reason,
		FailoverFrom:     sel.FailoverFrom,
	}

	if s.assigner != nil && req.PromptType != "" {
		variant, err := s.assigner.Assign(ctx, req.SessionID, req.PromptType)
		if err != nil {
			return model.RouteDecision{}, fmt.Errorf("routing: %w", err)
		}
		dec.Variant = &variant
	}

	s.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model_id", dec.Model.ID),
		attribute.String("category", string(category)),
		attribute.String("reason", dec.Reason),
	))
	s.logger.Debug("routing: decision",
		"model_id", dec.Model.ID,
		"category", category,
		"reason", dec.Reason,
	)
	return dec, nil
}
