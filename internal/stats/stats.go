// Package stats implements the significance analysis used to compare a
// prompt variant against its control: a two-proportion z-test on success
// rates and a normal-approximation confidence interval for continuous
// metric differences. No external statistics library is used; the normal
// CDF is the Abramowitz–Stegun rational approximation (26.2.17), accurate
// to about 7 decimal digits.
package stats

import "math"

// Proportion is an observed success rate over a sample.
type Proportion struct {
	N    int64   // sample size
	Rate float64 // success proportion in [0, 1]
}

// TestResult is the outcome of a two-proportion z-test.
type TestResult struct {
	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`

	// ImprovementPct is the relative change of the variant over the
	// control, in percent: (variant - control) / control * 100.
	// Zero when the control rate is zero.
	ImprovementPct float64 `json:"improvement_pct"`
}

// Interval is a confidence interval for a metric difference.
type Interval struct {
	Diff       float64 `json:"diff"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

// zTable maps confidence level to the two-sided critical z value.
var zTable = map[float64]float64{
	0.90: 1.645,
	0.95: 1.960,
	0.99: 2.576,
}

// DefaultAlpha is the significance threshold for the two-sided test.
const DefaultAlpha = 0.05

// TwoProportionTest compares control vs variant success rates.
//
// Degenerate inputs (empty samples, or a zero standard error because both
// proportions are identical or extreme) return a not-significant result
// rather than dividing by zero.
func TwoProportionTest(control, variant Proportion, alpha float64) TestResult {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if control.N == 0 || variant.N == 0 {
		return TestResult{PValue: 1}
	}

	n1, n2 := float64(control.N), float64(variant.N)
	p1, p2 := control.Rate, variant.Rate

	pooled := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return TestResult{PValue: 1}
	}

	z := (p2 - p1) / se
	p := 2 * (1 - NormalCDF(math.Abs(z)))

	var improvement float64
	if p1 != 0 {
		improvement = (p2 - p1) / p1 * 100
	}

	return TestResult{
		ZScore:         z,
		PValue:         p,
		Significant:    p < alpha,
		ImprovementPct: improvement,
	}
}

// ConfidenceInterval computes diff ± z·sqrt(var1/n1 + var2/n2) for a
// continuous metric (e.g. latency). Unknown confidence levels fall back
// to 95%. Empty samples yield a degenerate zero-width interval.
func ConfidenceInterval(mean1, var1 float64, n1 int64, mean2, var2 float64, n2 int64, confidence float64) Interval {
	z, ok := zTable[confidence]
	if !ok {
		confidence = 0.95
		z = zTable[confidence]
	}

	diff := mean2 - mean1
	if n1 == 0 || n2 == 0 {
		return Interval{Diff: diff, Lower: diff, Upper: diff, Confidence: confidence}
	}

	se := math.Sqrt(var1/float64(n1) + var2/float64(n2))
	return Interval{
		Diff:       diff,
		Lower:      diff - z*se,
		Upper:      diff + z*se,
		Confidence: confidence,
	}
}

// NormalCDF is Φ(x), the standard normal cumulative distribution function,
// via the Abramowitz–Stegun 26.2.17 rational approximation.
func NormalCDF(x float64) float64 {
	if x < 0 {
		return 1 - NormalCDF(-x)
	}

	const (
		b0 = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)

	t := 1 / (1 + b0*x)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}
