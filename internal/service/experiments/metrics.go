package experiments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/repopulse/relay/internal/model"
)

// RecordMetrics folds one call's outcome into the variant's running
// averages. Optional fields left nil in the outcome are skipped, so a
// call that produced no feedback score (for example) does not disturb
// that average. Latency and token totals are only applied when the call
// actually measured them.
func (s *Service) RecordMetrics(ctx context.Context, variantID uuid.UUID, o model.Outcome) error {
	var latencyMs, tokens *float64
	if o.Latency > 0 {
		ms := float64(o.Latency.Milliseconds())
		latencyMs = &ms
	}
	if total := o.InputTokens + o.OutputTokens; total > 0 {
		t := float64(total)
		tokens = &t
	}

	err := s.store.UpdateVariantMetrics(ctx, variantID,
		o.Completed, o.FeedbackScore, latencyMs, tokens, o.Edited, o.Regenerated)
	if err != nil {
		return fmt.Errorf("experiments: record metrics: %w", err)
	}
	return nil
}
