package stats

import "math"

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// NormalQuantile approximates the standard normal inverse CDF
// (Abramowitz & Stegun 26.2.23, |error| < 4.5e-4), enough for confidence
// interval bounds.
func NormalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	if p < 0.5 {
		return -NormalQuantile(1 - p)
	}
	t := math.Sqrt(-2.0 * math.Log(1-p))
	return t - (2.515517+0.802853*t+0.010328*t*t)/
		(1.0+1.432788*t+0.189269*t*t+0.001308*t*t*t)
}

// TwoProportionZ runs a pooled two-proportion z-test. x is the success
// count, n the trials per side. Returns the z statistic and two-tailed
// p-value; ok is false when the test is undefined (zero trials or zero
// pooled variance).
func TwoProportionZ(x1, n1, x2, n2 uint64) (z, p float64, ok bool) {
	if n1 == 0 || n2 == 0 {
		return 0, 1, false
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	pooled := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0, 1, false
	}
	z = (p1 - p2) / se
	p = 2 * (1 - NormalCDF(math.Abs(z)))
	return z, p, true
}

// WelchT runs Welch's unequal-variance t-test from sample summaries.
// The p-value uses the normal approximation to the t distribution, which
// is adequate at the sample sizes the evaluator's minimum-sample gate
// admits.
func WelchT(mean1, var1 float64, n1 uint64, mean2, var2 float64, n2 uint64) (t, p float64, ok bool) {
	if n1 < 2 || n2 < 2 {
		return 0, 1, false
	}
	se := math.Sqrt(var1/float64(n1) + var2/float64(n2))
	if se == 0 {
		return 0, 1, false
	}
	t = (mean1 - mean2) / se
	p = 2 * (1 - NormalCDF(math.Abs(t)))
	return t, p, true
}
