package relay

import (
	"time"

	"github.com/google/uuid"
)

// Tier groups models by cost/quality trade-off.
type Tier string

const (
	TierFast       Tier = "fast"
	TierQuality    Tier = "quality"
	TierEvaluation Tier = "evaluation"
)

// TaskCategory is the closed set of task classes the router recognizes.
type TaskCategory string

const (
	TaskSimple     TaskCategory = "simple"
	TaskComplex    TaskCategory = "complex"
	TaskEvaluation TaskCategory = "evaluation"
	TaskCreative   TaskCategory = "creative"
)

// ModelDescriptor configures one routable model.
type ModelDescriptor struct {
	ID            string
	Provider      string
	Tier          Tier
	ContextWindow int
	CostPer1KIn   float64
	CostPer1KOut  float64
	AvgLatency    time.Duration

	// Capability tags, informational only.
	Strengths  []string
	Weaknesses []string
}

// FailoverStep is one entry in a failover chain.
type FailoverStep struct {
	ModelID string
	Delay   time.Duration
}

// RouteRequest describes one task to route.
type RouteRequest struct {
	Prompt    string
	UserID    string
	SessionID string

	// PromptType, when non-empty, resolves the session's experiment
	// variant alongside the model choice.
	PromptType string

	// Category overrides keyword classification when set.
	Category TaskCategory
}

// RouteDecision is the answer to a RouteRequest.
type RouteDecision struct {
	Model   ModelDescriptor
	Variant *PromptVariant

	Category        TaskCategory
	MaxOutputTokens int
	Timeout         time.Duration

	EstimatedCostUSD float64
	EstimatedLatency time.Duration

	// Reason explains the model choice ("tier priority",
	// "budget downgrade", "cross-tier fallback", ...).
	Reason string

	// FailoverFrom names the preferred model when it was passed over for
	// health reasons.
	FailoverFrom string
}

// PromptVariant is one competing prompt version for a prompt type.
type PromptVariant struct {
	ID           uuid.UUID
	PromptType   string
	Version      string
	SystemPrompt string
	UserPrompt   string

	TrafficAllocation int
	IsControl         bool
	IsActive          bool
	IsWinner          bool
	Status            string

	Metrics VariantMetrics

	StartedAt *time.Time
	CreatedAt time.Time
}

// VariantMetrics is a variant's running experiment statistics.
type VariantMetrics struct {
	SampleCount      int64
	CompletionRate   float64
	AvgFeedbackScore float64
	AvgLatencyMs     float64
	AvgTokens        float64
	EditRate         float64
	RegenerateRate   float64
}

// Outcome carries the post-call facts reported after one model
// invocation. Optional metric fields are pointers; absent values leave
// the matching experiment average untouched.
type Outcome struct {
	UserID       string
	SessionID    string
	PromptType   string
	VariantID    *uuid.UUID
	ModelID      string
	TaskCategory TaskCategory

	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Latency      time.Duration
	Success      bool

	FailoverFrom string
	RouteReason  string

	Completed     *bool
	FeedbackScore *float64
	Edited        *bool
	Regenerated   *bool
}

// Evaluation reports whether an experiment may promote a winner, and if
// not, the structured reason code (insufficient_samples,
// insufficient_runtime, missing_control, not_significant,
// below_improvement_threshold, no_candidates).
type Evaluation struct {
	Eligible bool
	Reason   string
	Winner   *PromptVariant

	ZScore         float64
	PValue         float64
	ImprovementPct float64
}

// ModelHealth is a point-in-time snapshot of one model's observed health.
type ModelHealth struct {
	ModelID        string
	Status         string
	AvgLatency     time.Duration
	TotalRequests  int64
	FailedRequests int64
	SuccessRate    float64
	CircuitState   string
	UpdatedAt      time.Time
}

// RetryConfig overrides the default retry policy for one invocation.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DailyUsage is a per-model, per-day cost rollup.
type DailyUsage struct {
	Day          time.Time
	ModelID      string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}
