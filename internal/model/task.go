package model

import "time"

// TaskCategory is the closed set of task classes the classifier can emit.
type TaskCategory string

const (
	TaskSimple     TaskCategory = "simple"
	TaskComplex    TaskCategory = "complex"
	TaskEvaluation TaskCategory = "evaluation"
	TaskCreative   TaskCategory = "creative"
)

// TaskProfile binds a category to its resource budget.
type TaskProfile struct {
	Category        TaskCategory  `json:"category"`
	Tier            Tier          `json:"tier"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Timeout         time.Duration `json:"timeout"`
}
