package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/stats"
	"github.com/repopulse/relay/internal/storage"
)

// Reason is a structured code explaining why promotion (or rollback) was
// withheld. Empty on success.
type Reason string

const (
	ReasonNoCandidates          Reason = "no_candidates"
	ReasonInsufficientSamples   Reason = "insufficient_samples"
	ReasonInsufficientRuntime   Reason = "insufficient_runtime"
	ReasonMissingControl        Reason = "missing_control"
	ReasonNotSignificant        Reason = "not_significant"
	ReasonBelowImprovement      Reason = "below_improvement_threshold"
	ReasonTargetVersionNotFound Reason = "target_version_not_found"
)

// Evaluation is the outcome of checking an experiment's promotion gates.
type Evaluation struct {
	Eligible bool                 `json:"eligible"`
	Reason   Reason               `json:"reason,omitempty"`
	Winner   *model.PromptVariant `json:"winner,omitempty"`
	Test     stats.TestResult     `json:"test"`
}

// event is the NOTIFY payload broadcast on variant lifecycle changes.
type event struct {
	Event      string    `json:"event"`
	PromptType string    `json:"prompt_type"`
	Version    string    `json:"version"`
	VariantID  uuid.UUID `json:"variant_id"`
}

// Evaluate checks every running non-control variant of promptType against
// the control and returns the strongest eligible winner, or the reason the
// best candidate fell short.
func (s *Service) Evaluate(ctx context.Context, promptType string) (Evaluation, error) {
	control, err := s.store.GetControlVariant(ctx, promptType)
	if errors.Is(err, storage.ErrNotFound) {
		return Evaluation{Reason: ReasonMissingControl}, nil
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("experiments: evaluate %s: %w", promptType, err)
	}

	running, err := s.store.ListRunningVariants(ctx, promptType)
	if err != nil {
		return Evaluation{}, fmt.Errorf("experiments: evaluate %s: %w", promptType, err)
	}

	var (
		best     Evaluation
		found    bool
		fallback Evaluation
	)
	for _, v := range running {
		if v.IsControl {
			continue
		}
		ev := s.judge(v, control)
		if ev.Eligible {
			if best.Winner == nil || ev.Test.ImprovementPct > best.Test.ImprovementPct {
				best = ev
			}
		} else if !found {
			fallback, found = ev, true
		}
	}

	if best.Winner != nil {
		return best, nil
	}
	if found {
		return fallback, nil
	}
	return Evaluation{Reason: ReasonNoCandidates}, nil
}

// EvaluateVariant checks a single variant against its prompt type's
// control.
func (s *Service) EvaluateVariant(ctx context.Context, variantID uuid.UUID) (Evaluation, error) {
	v, err := s.store.GetVariant(ctx, variantID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("experiments: evaluate variant: %w", err)
	}
	control, err := s.store.GetControlVariant(ctx, v.PromptType)
	if errors.Is(err, storage.ErrNotFound) {
		return Evaluation{Reason: ReasonMissingControl}, nil
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("experiments: evaluate variant: %w", err)
	}
	return s.judge(v, control), nil
}

// judge applies the promotion gates in order: sample size, runtime,
// control metrics, statistical significance, minimum improvement.
func (s *Service) judge(variant, control model.PromptVariant) Evaluation {
	if variant.Metrics.SampleCount < int64(s.cfg.MinSampleSize) {
		return Evaluation{Reason: ReasonInsufficientSamples}
	}

	started := variant.CreatedAt
	if variant.StartedAt != nil {
		started = *variant.StartedAt
	}
	if s.now().Sub(started) < s.cfg.MinRuntime {
		return Evaluation{Reason: ReasonInsufficientRuntime}
	}

	if control.Metrics.SampleCount == 0 {
		return Evaluation{Reason: ReasonMissingControl}
	}

	res := stats.TwoProportionTest(
		stats.Proportion{N: control.Metrics.SampleCount, Rate: control.Metrics.CompletionRate},
		stats.Proportion{N: variant.Metrics.SampleCount, Rate: variant.Metrics.CompletionRate},
		s.cfg.Alpha,
	)
	if !res.Significant {
		return Evaluation{Reason: ReasonNotSignificant, Test: res}
	}
	if res.ImprovementPct < s.cfg.MinImprovementPct {
		return Evaluation{Reason: ReasonBelowImprovement, Test: res}
	}

	return Evaluation{Eligible: true, Winner: &variant, Test: res}
}

// Promote marks the variant as the winner, archives its competitors,
// activates it as the production variant, and broadcasts the change so
// running instances reload their prompt cache.
func (s *Service) Promote(ctx context.Context, winnerID uuid.UUID) error {
	v, err := s.store.GetVariant(ctx, winnerID)
	if err != nil {
		return fmt.Errorf("experiments: promote: %w", err)
	}
	if err := s.store.PromoteWinner(ctx, winnerID); err != nil {
		return fmt.Errorf("experiments: promote: %w", err)
	}

	s.broadcast(ctx, event{Event: "promoted", PromptType: v.PromptType, Version: v.Version, VariantID: v.ID})
	s.logger.Info("experiments: winner promoted",
		"prompt_type", v.PromptType,
		"version", v.Version,
		"variant_id", v.ID,
	)
	return nil
}

// Rollback reactivates an archived version as the production variant for
// promptType. A missing target is reported as a reason code, not an
// error: it is an expected operator mistake and the active variant is
// left untouched.
func (s *Service) Rollback(ctx context.Context, promptType, version string) (Reason, error) {
	err := s.store.RollbackToVersion(ctx, promptType, version)
	if errors.Is(err, storage.ErrNotFound) {
		return ReasonTargetVersionNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("experiments: rollback %s to %s: %w", promptType, version, err)
	}

	s.broadcast(ctx, event{Event: "rolled_back", PromptType: promptType, Version: version})
	s.logger.Info("experiments: rolled back",
		"prompt_type", promptType,
		"version", version,
	)
	return "", nil
}

func (s *Service) broadcast(ctx context.Context, ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Delivery is best-effort; a failed notify must not fail the
	// transaction that already committed.
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.Notify(nctx, storage.ChannelExperiments, string(payload)); err != nil {
		s.logger.Warn("experiments: notify failed", "event", ev.Event, "error", err)
	}
}
