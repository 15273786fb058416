package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one row per model invocation. Append-only.
type UsageRecord struct {
	ID           uuid.UUID    `json:"id"`
	UserID       string       `json:"user_id"`
	SessionID    string       `json:"session_id"`
	ModelID      string       `json:"model_id"`
	TaskCategory TaskCategory `json:"task_category"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	Latency time.Duration `json:"latency"`
	Success bool          `json:"success"`

	// FailoverFrom is the originally selected model when the call was
	// served by a fallback, empty otherwise.
	FailoverFrom string `json:"failover_from,omitempty"`

	// RouteReason explains the routing decision ("tier priority",
	// "budget downgrade", "cross-tier fallback", ...).
	RouteReason string `json:"route_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DailyUsage is the per-model, per-day cost rollup.
type DailyUsage struct {
	Day          time.Time `json:"day"`
	ModelID      string    `json:"model_id"`
	Requests     int64     `json:"requests"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Outcome carries the post-call facts a caller reports for one invocation.
// Optional metric fields are pointers: absent values leave the matching
// running average untouched.
type Outcome struct {
	UserID       string       `json:"user_id"`
	SessionID    string       `json:"session_id"`
	PromptType   string       `json:"prompt_type,omitempty"`
	VariantID    *uuid.UUID   `json:"variant_id,omitempty"`
	ModelID      string       `json:"model_id"`
	TaskCategory TaskCategory `json:"task_category"`

	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Latency      time.Duration `json:"latency"`
	Success      bool          `json:"success"`

	FailoverFrom string `json:"failover_from,omitempty"`
	RouteReason  string `json:"route_reason,omitempty"`

	Completed     *bool    `json:"completed,omitempty"`
	FeedbackScore *float64 `json:"feedback_score,omitempty"`
	Edited        *bool    `json:"edited,omitempty"`
	Regenerated   *bool    `json:"regenerated,omitempty"`
}
