package model

import "time"

// RouteDecision is the combined answer to "route this task": which model,
// which prompt variant, and the budget envelope the caller should apply.
type RouteDecision struct {
	Model   ModelDescriptor `json:"model"`
	Variant *PromptVariant  `json:"variant,omitempty"`

	Category        TaskCategory  `json:"category"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Timeout         time.Duration `json:"timeout"`

	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	EstimatedLatency time.Duration `json:"estimated_latency"`

	// Reason explains why this model was chosen.
	Reason string `json:"reason"`

	// FailoverFrom is set when the preferred model was skipped for health
	// reasons and a substitute was returned.
	FailoverFrom string `json:"failover_from,omitempty"`
}
