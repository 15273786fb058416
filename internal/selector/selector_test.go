package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopulse/relay/internal/breaker"
	"github.com/repopulse/relay/internal/health"
	"github.com/repopulse/relay/internal/model"
)

func testCatalog() []model.ModelDescriptor {
	return []model.ModelDescriptor{
		{ID: "fast-1", Tier: model.TierFast, CostPer1KIn: 0.15, CostPer1KOut: 0.60, AvgLatency: 800 * time.Millisecond},
		{ID: "fast-2", Tier: model.TierFast, CostPer1KIn: 0.10, CostPer1KOut: 0.40, AvgLatency: 900 * time.Millisecond},
		{ID: "quality-1", Tier: model.TierQuality, CostPer1KIn: 3.00, CostPer1KOut: 15.00, AvgLatency: 2 * time.Second},
		{ID: "quality-2", Tier: model.TierQuality, CostPer1KIn: 2.50, CostPer1KOut: 10.00, AvgLatency: 3 * time.Second},
		{ID: "eval-1", Tier: model.TierEvaluation, CostPer1KIn: 1.00, CostPer1KOut: 3.00, AvgLatency: 1500 * time.Millisecond},
	}
}

// markUnavailable feeds enough failures to derive unavailable status.
func markUnavailable(reg *health.Registry, id string) {
	for range 10 {
		reg.Record(id, false, time.Millisecond)
	}
}

func markAvailable(reg *health.Registry, id string) {
	for range 10 {
		reg.Record(id, true, time.Millisecond)
	}
}

func TestSelectFirstInTier(t *testing.T) {
	reg := health.NewRegistry()
	s := New(testCatalog(), reg, nil)

	sel := s.Select(model.TaskComplex, model.TierQuality, Budget{})
	assert.Equal(t, "quality-1", sel.Model.ID)
	assert.Equal(t, "tier priority", sel.Reason)
	assert.Empty(t, sel.FailoverFrom)
}

func TestSelectSkipsUnhealthyInTier(t *testing.T) {
	reg := health.NewRegistry()
	markUnavailable(reg, "quality-1")
	s := New(testCatalog(), reg, nil)

	sel := s.Select(model.TaskComplex, model.TierQuality, Budget{})
	assert.Equal(t, "quality-2", sel.Model.ID)
}

func TestSelectCrossTierFallback(t *testing.T) {
	reg := health.NewRegistry()
	markUnavailable(reg, "quality-1")
	markUnavailable(reg, "quality-2")
	s := New(testCatalog(), reg, nil)

	sel := s.Select(model.TaskComplex, model.TierQuality, Budget{})
	assert.Equal(t, "fast-1", sel.Model.ID)
	assert.Equal(t, "cross-tier fallback", sel.Reason)
	assert.Equal(t, "quality-1", sel.FailoverFrom)
}

func TestSelectDegradesRatherThanFails(t *testing.T) {
	reg := health.NewRegistry()
	for _, m := range testCatalog() {
		markUnavailable(reg, m.ID)
	}
	s := New(testCatalog(), reg, nil)

	sel := s.Select(model.TaskComplex, model.TierQuality, Budget{})
	assert.Equal(t, "quality-1", sel.Model.ID)
	assert.Contains(t, sel.Reason, "degraded")
}

func TestSelectOpenCircuitSkipsModel(t *testing.T) {
	reg := health.NewRegistry()
	markAvailable(reg, "quality-1")
	reg.SetCircuitState("quality-1", breaker.StateOpen)
	s := New(testCatalog(), reg, nil)

	sel := s.Select(model.TaskComplex, model.TierQuality, Budget{})
	assert.Equal(t, "quality-2", sel.Model.ID)
}

func TestSelectBudgetDowngrade(t *testing.T) {
	reg := health.NewRegistry()
	s := New(testCatalog(), reg, nil)

	tests := []struct {
		name     string
		category model.TaskCategory
		tier     model.Tier
		budget   Budget
		wantID   string
		wantWhy  string
	}{
		{
			name:    "quality downgrades at 90 percent of cap",
			tier:    model.TierQuality,
			budget:  Budget{MonthlySpendUSD: 90, MonthlyCapUSD: 100},
			wantID:  "fast-1",
			wantWhy: "budget downgrade",
		},
		{
			name:    "quality passes below threshold",
			tier:    model.TierQuality,
			budget:  Budget{MonthlySpendUSD: 89.99, MonthlyCapUSD: 100},
			wantID:  "quality-1",
			wantWhy: "tier priority",
		},
		{
			name:    "zero cap disables the gate",
			tier:    model.TierQuality,
			budget:  Budget{MonthlySpendUSD: 1e9},
			wantID:  "quality-1",
			wantWhy: "tier priority",
		},
		{
			// Evaluation requests are exempt from budget pressure.
			name:     "evaluation tier passes through when budget-limited",
			category: model.TaskEvaluation,
			tier:     model.TierEvaluation,
			budget:   Budget{MonthlySpendUSD: 100, MonthlyCapUSD: 100},
			wantID:   "eval-1",
			wantWhy:  "tier priority",
		},
		{
			// Creative resolves to the quality tier but is likewise
			// exempt: the downgrade keys on category, not tier.
			name:     "creative keeps the quality tier when budget-limited",
			category: model.TaskCreative,
			tier:     model.TierQuality,
			budget:   Budget{MonthlySpendUSD: 95, MonthlyCapUSD: 100},
			wantID:   "quality-1",
			wantWhy:  "tier priority",
		},
		{
			name:    "fast tier unaffected",
			tier:    model.TierFast,
			budget:  Budget{MonthlySpendUSD: 100, MonthlyCapUSD: 100},
			wantID:  "fast-1",
			wantWhy: "tier priority",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category := tt.category
			if category == "" {
				category = model.TaskSimple
			}
			sel := s.Select(category, tt.tier, tt.budget)
			assert.Equal(t, tt.wantID, sel.Model.ID)
			assert.Equal(t, tt.wantWhy, sel.Reason)
		})
	}
}

func TestEstimate(t *testing.T) {
	reg := health.NewRegistry()
	s := New(testCatalog(), reg, nil)
	m, ok := s.ByID("quality-1")
	require.True(t, ok)

	// 400 chars → 100 input tokens, 50 output tokens.
	prompt := make([]byte, 400)
	for i := range prompt {
		prompt[i] = 'x'
	}
	cost, latency := s.Estimate(m, string(prompt))
	assert.InDelta(t, 100.0/1000*3.00+50.0/1000*15.00, cost, 1e-9)
	assert.Equal(t, 2*time.Second, latency)

	// Observed latency overrides the catalog figure.
	for range 3 {
		reg.Record("quality-1", true, 5*time.Second)
	}
	_, latency = s.Estimate(m, "hi")
	assert.Equal(t, 5*time.Second, latency)
}

func TestEstimateRoundsPartialTokensUp(t *testing.T) {
	reg := health.NewRegistry()
	s := New(testCatalog(), reg, nil)
	m, _ := s.ByID("fast-1")

	// 5 chars → ceil(5/4) = 2 input tokens, 1 output token.
	cost, _ := s.Estimate(m, "hello")
	assert.InDelta(t, 2.0/1000*0.15+1.0/1000*0.60, cost, 1e-9)
}

func TestFailoverFor(t *testing.T) {
	chain := model.FailoverChain{
		"quality-1": {
			{ModelID: "quality-2", Delay: time.Second},
			{ModelID: "fast-1", Delay: 2 * time.Second},
		},
	}
	s := New(testCatalog(), health.NewRegistry(), chain)

	steps := s.FailoverFor("quality-1")
	require.Len(t, steps, 2)
	assert.Equal(t, "quality-2", steps[0].ModelID)
	assert.Nil(t, s.FailoverFor("fast-1"))
}
