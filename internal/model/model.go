// Package model defines the shared domain types for the Relay routing core:
// model catalog entries, per-model health, task classification profiles,
// prompt-variant experiments, and usage accounting records.
package model

import (
	"time"
)

// Tier groups models by cost/quality trade-off.
type Tier string

const (
	TierFast       Tier = "fast"
	TierQuality    Tier = "quality"
	TierEvaluation Tier = "evaluation"
)

// ModelDescriptor is the immutable configuration for one model.
type ModelDescriptor struct {
	ID            string  `json:"id"`
	Provider      string  `json:"provider"`
	Tier          Tier    `json:"tier"`
	ContextWindow int     `json:"context_window"`
	CostPer1KIn   float64 `json:"cost_per_1k_in"`
	CostPer1KOut  float64 `json:"cost_per_1k_out"`

	// AvgLatency is the vendor-advertised latency, used for estimates
	// before any observed data exists.
	AvgLatency time.Duration `json:"avg_latency"`

	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

// FailoverStep is one entry in a failover chain: the model to try next
// and how long to wait before attempting it.
type FailoverStep struct {
	ModelID string        `json:"model_id"`
	Delay   time.Duration `json:"delay"`
}

// FailoverChain maps a primary model ID to its ordered fallback steps.
// Static configuration; never mutated at runtime.
type FailoverChain map[string][]FailoverStep

// AvailabilityStatus describes a model's current fitness for traffic.
type AvailabilityStatus string

const (
	StatusAvailable   AvailabilityStatus = "available"
	StatusDegraded    AvailabilityStatus = "degraded"
	StatusUnavailable AvailabilityStatus = "unavailable"
	// StatusUnknown marks models with no observations yet. Selection
	// treats unknown like available so new models receive traffic.
	StatusUnknown AvailabilityStatus = "unknown"
)

// ModelHealth is a point-in-time snapshot of one model's observed health.
// The mutable registry lives in internal/health; this struct is what gets
// read by the selector and persisted by the usage recorder.
type ModelHealth struct {
	ModelID        string             `json:"model_id"`
	Status         AvailabilityStatus `json:"status"`
	AvgLatency     time.Duration      `json:"avg_latency"`
	TotalRequests  int64              `json:"total_requests"`
	FailedRequests int64              `json:"failed_requests"`
	SuccessRate    float64            `json:"success_rate"`
	CircuitState   string             `json:"circuit_state"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
