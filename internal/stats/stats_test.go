package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1, 0.8413},
		{-1, 0.1587},
		{1.96, 0.9750},
		{2.576, 0.9950},
		{-2.576, 0.0050},
		{4, 0.99997},
	}
	for _, tt := range tests {
		got := NormalCDF(tt.x)
		assert.InDelta(t, tt.want, got, 0.0005, "Φ(%v)", tt.x)
	}
}

func TestTwoProportionTest(t *testing.T) {
	t.Run("clear improvement is significant", func(t *testing.T) {
		res := TwoProportionTest(
			Proportion{N: 200, Rate: 0.50},
			Proportion{N: 200, Rate: 0.65},
			DefaultAlpha,
		)
		assert.True(t, res.Significant)
		assert.Less(t, res.PValue, 0.05)
		assert.Greater(t, res.ZScore, 2.0)
		assert.InDelta(t, 30.0, res.ImprovementPct, 0.01)
	})

	t.Run("identical proportions are not significant", func(t *testing.T) {
		res := TwoProportionTest(
			Proportion{N: 500, Rate: 0.4},
			Proportion{N: 500, Rate: 0.4},
			DefaultAlpha,
		)
		assert.False(t, res.Significant)
		assert.Equal(t, 0.0, res.ImprovementPct)
	})

	t.Run("zero sample size is degenerate", func(t *testing.T) {
		res := TwoProportionTest(Proportion{}, Proportion{N: 100, Rate: 0.9}, DefaultAlpha)
		assert.False(t, res.Significant)
		assert.Equal(t, 1.0, res.PValue)
	})

	t.Run("both rates extreme gives zero SE", func(t *testing.T) {
		// pooled = 1.0 → SE = 0; must not divide by zero.
		res := TwoProportionTest(
			Proportion{N: 50, Rate: 1.0},
			Proportion{N: 50, Rate: 1.0},
			DefaultAlpha,
		)
		assert.False(t, res.Significant)
	})

	t.Run("small sample with same rates is not significant", func(t *testing.T) {
		res := TwoProportionTest(
			Proportion{N: 10, Rate: 0.5},
			Proportion{N: 10, Rate: 0.6},
			DefaultAlpha,
		)
		assert.False(t, res.Significant)
	})

	t.Run("regression direction yields negative z", func(t *testing.T) {
		res := TwoProportionTest(
			Proportion{N: 300, Rate: 0.7},
			Proportion{N: 300, Rate: 0.5},
			DefaultAlpha,
		)
		assert.True(t, res.Significant)
		assert.Less(t, res.ZScore, 0.0)
		assert.Less(t, res.ImprovementPct, 0.0)
	})
}

func TestConfidenceInterval(t *testing.T) {
	t.Run("95 percent default", func(t *testing.T) {
		iv := ConfidenceInterval(100, 400, 100, 90, 400, 100, 0.95)
		assert.InDelta(t, -10, iv.Diff, 1e-9)
		se := math.Sqrt(400.0/100 + 400.0/100)
		assert.InDelta(t, -10-1.96*se, iv.Lower, 1e-9)
		assert.InDelta(t, -10+1.96*se, iv.Upper, 1e-9)
	})

	t.Run("unknown confidence falls back to 95", func(t *testing.T) {
		iv := ConfidenceInterval(1, 1, 10, 2, 1, 10, 0.42)
		assert.Equal(t, 0.95, iv.Confidence)
	})

	t.Run("99 is wider than 90", func(t *testing.T) {
		narrow := ConfidenceInterval(0, 1, 50, 1, 1, 50, 0.90)
		wide := ConfidenceInterval(0, 1, 50, 1, 1, 50, 0.99)
		assert.Greater(t, wide.Upper-wide.Lower, narrow.Upper-narrow.Lower)
	})

	t.Run("zero samples degenerate to zero width", func(t *testing.T) {
		iv := ConfidenceInterval(5, 2, 0, 7, 2, 10, 0.95)
		assert.Equal(t, iv.Lower, iv.Upper)
		assert.InDelta(t, 2, iv.Diff, 1e-9)
	})
}
