package mixpower

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

const effectTol = 1e-9

func TestMeasureEffect_PrimingScenario(t *testing.T) {
	d := primingData(t, 10, 20, 500, 463.04)

	got, err := MeasureContrast(d, PrimingContrast)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-36.96) > effectTol {
		t.Fatalf("effect = %.6f, want 36.96", got)
	}
	t.Logf("✓ Observed effect %.2f ms", got)

	adjusted, err := SetEffect(d, PrimingContrast.B, 15, PrimingContrast.A, PrimingContrast.B)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := MeasureContrast(adjusted, PrimingContrast)
	if math.Abs(after-15) > effectTol {
		t.Errorf("effect after SetEffect = %.6f, want 15", after)
	}
	t.Logf("✓ Effect set to %.2f ms", after)

	// Target equal to the current effect returns the data unchanged.
	same, err := SetEffect(d, PrimingContrast.B, got, PrimingContrast.A, PrimingContrast.B)
	if err != nil {
		t.Fatal(err)
	}
	if !same.Equal(d) {
		t.Error("SetEffect with the current effect must return an unchanged dataset")
	}
}

func TestSetEffect_RoundTrip(t *testing.T) {
	d := primingData(t, 6, 12, 520, 490)
	rng := rand.New(rand.NewPCG(1, 1))
	for k := 0; k < 50; k++ {
		target := -40 + 100*rng.Float64()
		for _, shift := range []string{PrimingContrast.A, PrimingContrast.B} {
			out, err := SetEffect(d, shift, target, PrimingContrast.A, PrimingContrast.B)
			if err != nil {
				t.Fatalf("SetEffect(shift=%s, target=%.3f): %v", shift, target, err)
			}
			got, _ := MeasureContrast(out, PrimingContrast)
			if math.Abs(got-target) > 1e-8 {
				t.Fatalf("shift %s: measured %.10f, want %.10f", shift, got, target)
			}
		}
	}
	t.Logf("✓ measure(set(D, t)) == t for 50 targets, shifting either condition")
}

func TestSetEffect_PreservesFieldsAndVariance(t *testing.T) {
	d := primingData(t, 5, 8, 500, 470)
	out, err := SetEffect(d, PrimingContrast.B, 10, PrimingContrast.A, PrimingContrast.B)
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != d.Len() {
		t.Fatalf("cardinality changed: %d -> %d", d.Len(), out.Len())
	}
	for i := 0; i < d.Len(); i++ {
		before, after := d.At(i), out.At(i)
		if before.Participant != after.Participant || before.Item != after.Item || before.Condition != after.Condition {
			t.Fatalf("row %d: non-RT fields changed: %+v -> %+v", i, before, after)
		}
		if before.Condition == PrimingContrast.A && before.RT != after.RT {
			t.Fatalf("row %d: unshifted condition changed", i)
		}
	}

	vb, va := variance(subsetRTs(d, "repeated")), variance(subsetRTs(out, "repeated"))
	if math.Abs(vb-va) > 1e-6*vb {
		t.Errorf("shifted subset variance changed: %.6f -> %.6f", vb, va)
	}
	// Input untouched.
	if got, _ := MeasureContrast(d, PrimingContrast); math.Abs(got-30) > effectTol {
		t.Errorf("input dataset was modified: effect %.4f", got)
	}
	t.Logf("✓ Translation kept %d rows and subset variance %.2f", out.Len(), va)
}

func TestSetEffect_ShiftDirection(t *testing.T) {
	d := primingData(t, 4, 4, 500, 460) // effect 40

	outB, _ := SetEffect(d, "repeated", 15, "unrelated", "repeated")
	if got := mean(subsetRTs(outB, "repeated")); math.Abs(got-485) > effectTol {
		t.Errorf("shifting B: repeated mean %.4f, want 485", got)
	}

	outA, _ := SetEffect(d, "unrelated", 15, "unrelated", "repeated")
	if got := mean(subsetRTs(outA, "unrelated")); math.Abs(got-475) > effectTol {
		t.Errorf("shifting A: unrelated mean %.4f, want 475", got)
	}
}

func TestMeasureEffect_OrderInvariant(t *testing.T) {
	d := primingData(t, 6, 10, 510, 495)
	obs := d.Observations()
	rng := rand.New(rand.NewPCG(9, 9))
	rng.Shuffle(len(obs), func(i, j int) { obs[i], obs[j] = obs[j], obs[i] })
	shuffled, err := NewDataset(obs)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := MeasureContrast(d, PrimingContrast)
	b, _ := MeasureContrast(shuffled, PrimingContrast)
	if math.Abs(a-b) > effectTol {
		t.Errorf("effect depends on order: %.12f vs %.12f", a, b)
	}
}

func TestMeasureEffect_EmptySubset(t *testing.T) {
	d := primingData(t, 2, 2, 500, 480)
	_, err := MeasureEffect(d, "unrelated", "neutral")

	var se *SubsetError
	if !errors.As(err, &se) || se.Condition != "neutral" {
		t.Fatalf("expected SubsetError for neutral, got %v", err)
	}
	if !errors.Is(err, ErrEmptySubset) {
		t.Error("SubsetError must unwrap to ErrEmptySubset")
	}

	if _, err := SetEffect(d, "neutral", 10, "unrelated", "neutral"); !errors.Is(err, ErrEmptySubset) {
		t.Errorf("SetEffect on empty subset: expected ErrEmptySubset, got %v", err)
	}
}

func TestSetEffect_InvalidShift(t *testing.T) {
	d := primingData(t, 2, 4, 500, 480)
	tests := []struct {
		name   string
		shift  string
		target float64
	}{
		{"unknown condition", "neutral", 10},
		{"nan target", "repeated", math.NaN()},
		{"infinite target", "repeated", math.Inf(1)},
		{"negative RTs", "repeated", 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SetEffect(d, tt.shift, tt.target, "unrelated", "repeated")
			if !errors.Is(err, ErrInvalidShift) {
				t.Errorf("expected ErrInvalidShift, got %v", err)
			}
		})
	}
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
