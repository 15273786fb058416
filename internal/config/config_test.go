package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.01")
	if v := envFloat("TEST_FLOAT", 0); v != 0.01 {
		t.Fatalf("expected 0.01, got %v", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.MinSampleSize != 100 {
		t.Fatalf("expected default min sample size 100, got %d", cfg.MinSampleSize)
	}
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	t.Setenv("RELAY_SIGNIFICANCE_ALPHA", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with alpha outside (0, 1)")
	}
}

func TestValidateRejectsNegativeCap(t *testing.T) {
	t.Setenv("RELAY_MONTHLY_CAP_USD", "-10")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with negative monthly cap")
	}
}
