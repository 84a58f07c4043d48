package mixpower

import (
	"math"
)

// MeasureEffect returns mean(RT | a) - mean(RT | b).
//
// The result does not depend on observation order. An empty subset for
// either condition yields a *SubsetError.
func MeasureEffect(d Dataset, a, b string) (float64, error) {
	var sumA, sumB float64
	var nA, nB int
	for _, o := range d.obs {
		switch o.Condition {
		case a:
			sumA += o.RT
			nA++
		case b:
			sumB += o.RT
			nB++
		}
	}
	if nA == 0 {
		return 0, &SubsetError{Condition: a}
	}
	if nB == 0 {
		return 0, &SubsetError{Condition: b}
	}
	return sumA/float64(nA) - sumB/float64(nB), nil
}

// SetEffect translates every RT in condition shift by a constant so that
// MeasureEffect(out, a, b) == target.
//
// Shifting b moves its mean by current-target; shifting a moves its mean by
// target-current. Either way the subset's variance, the row order and every
// non-RT field are unchanged. When the effect already equals target the input
// is returned as is.
func SetEffect(d Dataset, shift string, target float64, a, b string) (Dataset, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return Dataset{}, invalidShiftf("target must be finite, got %v", target)
	}
	if shift != a && shift != b {
		return Dataset{}, invalidShiftf("shift condition %q is neither %q nor %q", shift, a, b)
	}
	current, err := MeasureEffect(d, a, b)
	if err != nil {
		return Dataset{}, err
	}

	delta := current - target
	if shift == a {
		delta = -delta
	}
	if delta == 0 {
		return d, nil
	}

	rts := d.RTs()
	for i, o := range d.obs {
		if o.Condition != shift {
			continue
		}
		rts[i] = o.RT + delta
		if !(rts[i] > 0) || math.IsInf(rts[i], 0) {
			return Dataset{}, invalidShiftf("shifting %q by %.4g makes row %d non-positive (%.4g ms)",
				shift, delta, i, rts[i])
		}
	}
	return d.withRTs(rts), nil
}

// MeasureContrast is MeasureEffect with the labels taken from c.
func MeasureContrast(d Dataset, c Contrast) (float64, error) {
	return MeasureEffect(d, c.A, c.B)
}
