package model

import (
	"time"

	"github.com/google/uuid"
)

// VariantStatus is the lifecycle state of a prompt variant.
type VariantStatus string

const (
	VariantDraft     VariantStatus = "draft"
	VariantRunning   VariantStatus = "running"
	VariantCompleted VariantStatus = "completed"
	VariantArchived  VariantStatus = "archived"
)

// PromptVariant is one competing prompt version for a prompt type.
// Exactly one non-experimental variant per prompt type has IsActive=true
// (the production version); the unique partial index in the schema
// enforces this.
type PromptVariant struct {
	ID           uuid.UUID     `json:"id"`
	PromptType   string        `json:"prompt_type"`
	Version      string        `json:"version"`
	SystemPrompt string        `json:"system_prompt"`
	UserPrompt   string        `json:"user_prompt"`

	// TrafficAllocation is the variant's weight in [0, 100].
	TrafficAllocation int `json:"traffic_allocation"`

	IsControl bool          `json:"is_control"`
	IsActive  bool          `json:"is_active"`
	IsWinner  bool          `json:"is_winner"`
	Status    VariantStatus `json:"status"`

	Metrics VariantMetrics `json:"metrics"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// VariantMetrics is the running statistics bundle for one variant.
// Averages are incremental means over SampleCount observations.
type VariantMetrics struct {
	SampleCount      int64   `json:"sample_count"`
	CompletionRate   float64 `json:"completion_rate"`
	AvgFeedbackScore float64 `json:"avg_feedback_score"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	AvgTokens        float64 `json:"avg_tokens"`
	EditRate         float64 `json:"edit_rate"`
	RegenerateRate   float64 `json:"regenerate_rate"`
}

// Assignment records which variant a session sees for a prompt type.
// Created once per (session, prompt type); immutable thereafter.
type Assignment struct {
	SessionID  string    `json:"session_id"`
	PromptType string    `json:"prompt_type"`
	VariantID  uuid.UUID `json:"variant_id"`
	Group      string    `json:"group"` // "control" or "variant"
	AssignedAt time.Time `json:"assigned_at"`
}
