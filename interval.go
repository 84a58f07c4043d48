package mixpower

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// IntervalMethod selects the binomial confidence interval for power.
type IntervalMethod string

const (
	IntervalClopperPearson IntervalMethod = "clopper-pearson" // exact, conservative
	IntervalWilson         IntervalMethod = "wilson"          // score interval
)

// ParseIntervalMethod validates a method name; "" selects clopper-pearson.
func ParseIntervalMethod(s string) (IntervalMethod, error) {
	switch IntervalMethod(s) {
	case "", IntervalClopperPearson:
		return IntervalClopperPearson, nil
	case IntervalWilson:
		return IntervalWilson, nil
	}
	return "", fmt.Errorf("unknown interval method %q (valid: clopper-pearson, wilson)", s)
}

// Interval returns the two-sided interval for x successes in n trials.
func (im IntervalMethod) Interval(x, n int, confidence float64) (lo, hi float64) {
	if im == IntervalWilson {
		return Wilson(x, n, confidence)
	}
	return ClopperPearson(x, n, confidence)
}

// ClopperPearson is the exact binomial interval from Beta quantiles:
//
//	lo = B(a/2; x, n-x+1),  hi = B(1-a/2; x+1, n-x)
//
// with lo = 0 when x = 0 and hi = 1 when x = n. Coverage is at least the
// nominal level for every p. n = 0 yields [0, 1].
func ClopperPearson(x, n int, confidence float64) (lo, hi float64) {
	if n <= 0 {
		return 0, 1
	}
	a := 1 - confidence
	lo, hi = 0, 1
	if x > 0 {
		lo = distuv.Beta{Alpha: float64(x), Beta: float64(n - x + 1)}.Quantile(a / 2)
	}
	if x < n {
		hi = distuv.Beta{Alpha: float64(x + 1), Beta: float64(n - x)}.Quantile(1 - a/2)
	}
	return lo, hi
}

// Wilson is the score interval, centred on (x + z²/2)/(n + z²).
func Wilson(x, n int, confidence float64) (lo, hi float64) {
	if n <= 0 {
		return 0, 1
	}
	z := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	nf := float64(n)
	p := float64(x) / nf
	z2 := z * z
	den := 1 + z2/nf
	centre := (p + z2/(2*nf)) / den
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / den
	return math.Max(0, centre-half), math.Min(1, centre+half)
}

// Coverage is the exact probability that the interval for Binomial(n, p)
// contains p.
func (im IntervalMethod) Coverage(n int, p, confidence float64) float64 {
	dist := distuv.Binomial{N: float64(n), P: p}
	var cov float64
	for x := 0; x <= n; x++ {
		lo, hi := im.Interval(x, n, confidence)
		if lo <= p && p <= hi {
			cov += dist.Prob(float64(x))
		}
	}
	return cov
}
