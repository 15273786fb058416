package experiments

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/storage"
)

// Assignment groups.
const (
	groupControl = "control"
	groupVariant = "variant"
)

// Assign returns the prompt variant for (sessionID, promptType).
//
// A session that already holds an assignment always gets the same variant
// back, regardless of later traffic changes. Otherwise a running variant
// is chosen by weighted random selection and the assignment is persisted;
// concurrent first requests for the same session converge on whichever
// insert won. With no running variants the active production variant is
// returned unassigned, falling back to a built-in default template when
// none exists yet.
func (s *Service) Assign(ctx context.Context, sessionID, promptType string) (model.PromptVariant, error) {
	a, err := s.store.GetAssignment(ctx, sessionID, promptType)
	switch {
	case err == nil:
		return s.store.GetVariant(ctx, a.VariantID)
	case !errors.Is(err, storage.ErrNotFound):
		return model.PromptVariant{}, fmt.Errorf("experiments: assign: %w", err)
	}

	running, err := s.store.ListRunningVariants(ctx, promptType)
	if err != nil {
		return model.PromptVariant{}, fmt.Errorf("experiments: assign: %w", err)
	}
	candidates := running[:0:0]
	for _, v := range running {
		if v.TrafficAllocation > 0 {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		v, err := s.store.GetActiveVariant(ctx, promptType)
		if errors.Is(err, storage.ErrNotFound) {
			return defaultVariant(promptType), nil
		}
		if err != nil {
			return model.PromptVariant{}, fmt.Errorf("experiments: assign: %w", err)
		}
		return v, nil
	}

	chosen := candidates[pickWeighted(candidates, s.rnd())]
	group := groupVariant
	if chosen.IsControl {
		group = groupControl
	}

	a, err = s.store.CreateAssignment(ctx, sessionID, promptType, chosen.ID, group)
	if err != nil {
		return model.PromptVariant{}, fmt.Errorf("experiments: assign: %w", err)
	}
	s.assignments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("prompt_type", promptType),
		attribute.String("group", a.Group),
	))

	if a.VariantID != chosen.ID {
		// Lost a concurrent first-assignment race; the stored row wins.
		return s.store.GetVariant(ctx, a.VariantID)
	}
	return chosen, nil
}

// pickWeighted selects an index from variants by traffic allocation.
// u is a uniform draw in [0, 1); it is scaled to the total weight and
// each variant's weight is subtracted in order until the remainder goes
// non-positive. Callers must pass at least one variant with positive
// weight.
func pickWeighted(variants []model.PromptVariant, u float64) int {
	total := 0
	for _, v := range variants {
		total += v.TrafficAllocation
	}
	if total <= 0 {
		return 0
	}

	r := u * float64(total)
	for i, v := range variants {
		r -= float64(v.TrafficAllocation)
		if r <= 0 {
			return i
		}
	}
	return len(variants) - 1
}

// defaultVariant is the built-in template served before any variant has
// been configured for a prompt type.
func defaultVariant(promptType string) model.PromptVariant {
	return model.PromptVariant{
		PromptType:   promptType,
		Version:      "builtin-default",
		SystemPrompt: "You are an assistant producing concise, factual analysis of GitHub repository activity.",
		UserPrompt:   "{{input}}",
		IsActive:     true,
		Status:       model.VariantRunning,
	}
}
