// Package classifier maps a free-text task description to a task category
// and its resource budget (model tier, output token ceiling, timeout).
//
// Classification is keyword-based and checked in a fixed priority order:
// evaluation, complex, creative, simple. The ordering matters: an
// evaluation or complex intent must win even when the prompt also contains
// a keyword from a lower-priority category. An empty or unmatched prompt
// classifies as simple.
package classifier

import (
	"strings"
	"time"

	"github.com/repopulse/relay/internal/model"
)

// categoryKeywords holds the keyword list for one category.
type categoryKeywords struct {
	category model.TaskCategory
	keywords []string
}

// priorityOrder is checked top to bottom; first match wins.
var priorityOrder = []categoryKeywords{
	{
		category: model.TaskEvaluation,
		keywords: []string{
			"evaluate", "assess", "score", "grade", "rate the",
			"compare against", "benchmark", "judge", "review quality",
		},
	},
	{
		category: model.TaskComplex,
		keywords: []string{
			"analyze", "investigate", "diagnose", "root cause",
			"architecture", "refactor", "security audit", "deep dive",
			"explain in detail", "comprehensive", "trade-off",
		},
	},
	{
		category: model.TaskCreative,
		keywords: []string{
			"write", "compose", "draft", "generate a story",
			"blog post", "announcement", "release notes", "brainstorm",
			"creative", "rewrite",
		},
	},
}

// profiles binds each category to its resource budget.
var profiles = map[model.TaskCategory]model.TaskProfile{
	model.TaskSimple: {
		Category:        model.TaskSimple,
		Tier:            model.TierFast,
		MaxOutputTokens: 1024,
		Timeout:         15 * time.Second,
	},
	model.TaskComplex: {
		Category:        model.TaskComplex,
		Tier:            model.TierQuality,
		MaxOutputTokens: 4096,
		Timeout:         60 * time.Second,
	},
	model.TaskEvaluation: {
		Category:        model.TaskEvaluation,
		Tier:            model.TierEvaluation,
		MaxOutputTokens: 2048,
		Timeout:         45 * time.Second,
	},
	model.TaskCreative: {
		Category:        model.TaskCreative,
		Tier:            model.TierQuality,
		MaxOutputTokens: 4096,
		Timeout:         60 * time.Second,
	},
}

// Classify returns the task category for a prompt. The override, when
// non-empty and valid, short-circuits keyword matching.
func Classify(prompt string, override model.TaskCategory) model.TaskCategory {
	if override != "" {
		if _, ok := profiles[override]; ok {
			return override
		}
	}

	p := strings.ToLower(prompt)
	if strings.TrimSpace(p) == "" {
		return model.TaskSimple
	}

	for _, ck := range priorityOrder {
		for _, kw := range ck.keywords {
			if strings.Contains(p, kw) {
				return ck.category
			}
		}
	}
	return model.TaskSimple
}

// Profile returns the resource budget for a category. Unknown categories
// fall back to the simple profile.
func Profile(category model.TaskCategory) model.TaskProfile {
	if p, ok := profiles[category]; ok {
		return p
	}
	return profiles[model.TaskSimple]
}
