// Package selector picks a concrete model for a classified task, consulting
// per-model health and degrading rather than failing when nothing healthy
// is left.
package selector

import (
	"math"
	"time"

	"github.com/repopulse/relay/internal/health"
	"github.com/repopulse/relay/internal/model"
)

// budgetDowngradeThreshold is the fraction of the monthly cap at which
// quality-tier requests get downgraded to the fast tier.
const budgetDowngradeThreshold = 0.9

// Assumed output size as a fraction of the input, for cost estimates.
const outputRatio = 0.5

// Budget is the caller's current spend state.
type Budget struct {
	MonthlySpendUSD float64
	MonthlyCapUSD   float64 // zero disables the budget gate
}

// limited reports whether spend has reached the downgrade threshold.
func (b Budget) limited() bool {
	return b.MonthlyCapUSD > 0 && b.MonthlySpendUSD >= budgetDowngradeThreshold*b.MonthlyCapUSD
}

// Selection is the selector's answer: the model, why it was picked, and
// whether the tier's preferred model was passed over.
type Selection struct {
	Model        model.ModelDescriptor
	Reason       string
	FailoverFrom string
}

// Selector resolves (task category, budget) to a model. The catalog slice
// order is the configured priority order, both within a tier and for the
// cross-tier fallback scan.
type Selector struct {
	catalog []model.ModelDescriptor
	reg     *health.Registry
	chain   model.FailoverChain
}

// New creates a selector over catalog. reg may not be nil.
func New(catalog []model.ModelDescriptor, reg *health.Registry, chain model.FailoverChain) *Selector {
	return &Selector{catalog: catalog, reg: reg, chain: chain}
}

// Select picks a model for the category's tier.
//
// Budget pressure downgrades quality to fast. Evaluation and creative
// pass through unchanged, pending product confirmation that they should
// ever feel budget pressure.
//
// Selection order: first healthy model in-tier, then any healthy model
// across tiers, then the tier's first model regardless of health (callers
// always get a best-effort answer).
func (s *Selector) Select(category model.TaskCategory, tier model.Tier, budget Budget) Selection {
	reason := "tier priority"
	if tier == model.TierQuality && !budgetExempt(category) && budget.limited() {
		tier = model.TierFast
		reason = "budget downgrade"
	}

	inTier := s.tierModels(tier)

	for _, m := range inTier {
		if usable(s.reg.Status(m.ID)) {
			return Selection{Model: m, Reason: reason}
		}
	}

	// Nothing healthy in-tier: scan the whole catalog in priority order.
	var from string
	if len(inTier) > 0 {
		from = inTier[0].ID
	}
	for _, m := range s.catalog {
		if m.Tier == tier {
			continue
		}
		if usable(s.reg.Status(m.ID)) {
			return Selection{Model: m, Reason: "cross-tier fallback", FailoverFrom: from}
		}
	}

	// Degrade rather than fail: hand back the tier's first model even
	// though it looks unhealthy.
	if len(inTier) > 0 {
		return Selection{Model: inTier[0], Reason: "degraded: no healthy model"}
	}
	if len(s.catalog) > 0 {
		return Selection{Model: s.catalog[0], Reason: "degraded: tier not configured"}
	}
	return Selection{Reason: "no models configured"}
}

// budgetExempt reports whether the category never feels budget
// pressure, whatever tier its profile resolves to.
func budgetExempt(category model.TaskCategory) bool {
	return category == model.TaskEvaluation || category == model.TaskCreative
}

// usable treats unknown like available so freshly configured models
// receive traffic.
func usable(st model.AvailabilityStatus) bool {
	return st == model.StatusAvailable || st == model.StatusUnknown
}

func (s *Selector) tierModels(tier model.Tier) []model.ModelDescriptor {
	var out []model.ModelDescriptor
	for _, m := range s.catalog {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// FailoverFor returns the static failover steps for a primary model.
func (s *Selector) FailoverFor(modelID string) []model.FailoverStep {
	return s.chain[modelID]
}

// ByID looks up a catalog entry.
func (s *Selector) ByID(modelID string) (model.ModelDescriptor, bool) {
	for _, m := range s.catalog {
		if m.ID == modelID {
			return m, true
		}
	}
	return model.ModelDescriptor{}, false
}

// Estimate predicts cost and latency for sending prompt to m.
// Input tokens ≈ ceil(len(prompt)/4); output assumed half the input.
// Latency prefers observed health data over the catalog figure.
func (s *Selector) Estimate(m model.ModelDescriptor, prompt string) (costUSD float64, latency time.Duration) {
	inTokens := math.Ceil(float64(len(prompt)) / 4)
	outTokens := inTokens * outputRatio
	costUSD = inTokens/1000*m.CostPer1KIn + outTokens/1000*m.CostPer1KOut

	latency = m.AvgLatency
	if snap := s.reg.Snapshot(m.ID); snap.AvgLatency > 0 {
		latency = snap.AvgLatency
	}
	return costUSD, latency
}
