package mixpower

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

// primingData builds a crossed dataset where unrelated RTs average
// meanA and repeated RTs average meanB exactly.
func primingData(t *testing.T, participants, items int, meanA, meanB float64) Dataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 43))
	var obs []Observation
	var devA, devB []float64
	for p := 0; p < participants; p++ {
		for i := 0; i < items; i++ {
			cond := PrimingContrast.A
			if (p+i)%2 == 1 {
				cond = PrimingContrast.B
			}
			dev := 40 * rng.NormFloat64()
			if cond == PrimingContrast.A {
				devA = append(devA, dev)
			} else {
				devB = append(devB, dev)
			}
			obs = append(obs, Observation{
				Participant: fmt.Sprintf("p%02d", p+1),
				Item:        fmt.Sprintf("i%02d", i+1),
				Condition:   cond,
				RT:          dev,
			})
		}
	}
	// Center deviations per condition so the means are exact.
	center := func(devs []float64) float64 {
		var s float64
		for _, d := range devs {
			s += d
		}
		return s / float64(len(devs))
	}
	ca, cb := center(devA), center(devB)
	for k := range obs {
		if obs[k].Condition == PrimingContrast.A {
			obs[k].RT += meanA - ca
		} else {
			obs[k].RT += meanB - cb
		}
	}
	d, err := NewDataset(obs)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	return d
}

func variance(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		m += x
	}
	m /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - m) * (x - m)
	}
	return v / float64(len(xs)-1)
}

func subsetRTs(d Dataset, cond string) []float64 {
	var out []float64
	for _, o := range d.Observations() {
		if o.Condition == cond {
			out = append(out, o.RT)
		}
	}
	return out
}

// itemsSplitData builds a design where items 1-3 only appear in condition A
// and items 4-6 only in condition B, so condition varies within participants
// but not within items.
func itemsSplitData(t *testing.T, participants int) Dataset {
	t.Helper()
	var obs []Observation
	for p := 1; p <= participants; p++ {
		for i := 1; i <= 6; i++ {
			cond := PrimingContrast.A
			if i > 3 {
				cond = PrimingContrast.B
			}
			obs = append(obs, Observation{
				Participant: fmt.Sprintf("p%d", p),
				Item:        fmt.Sprintf("i%d", i),
				Condition:   cond,
				RT:          480 + float64(10*p+i),
			})
		}
	}
	d, err := NewDataset(obs)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	return d
}
