package mixpower

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
)

func trialModel(t *testing.T) *FittedModel {
	t.Helper()
	design := DefaultSyntheticDesign()
	design.Participants, design.Items = 6, 10
	design.Structure = InterceptByBoth()
	_, m, err := design.Generate(rand.New(rand.NewPCG(3, 4)))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRunTrial_Deterministic(t *testing.T) {
	ctx := context.Background()
	m := trialModel(t)
	sim := &Simulator{Fitter: &olsFitter{}, Test: MethodWaldZ, Alpha: 0.05}

	a, err := sim.RunTrial(ctx, m, InterceptByBoth(), FixedCondition, 12345)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sim.RunTrial(ctx, m, InterceptByBoth(), FixedCondition, 12345)
	if err != nil {
		t.Fatal(err)
	}
	if a.PValue != b.PValue || a.Estimate != b.Estimate || a.Significant != b.Significant {
		t.Errorf("same seed, different results: %+v vs %+v", a, b)
	}
	c, err := sim.RunTrial(ctx, m, InterceptByBoth(), FixedCondition, 54321)
	if err != nil {
		t.Fatal(err)
	}
	if c.Estimate == a.Estimate {
		t.Error("different seeds gave identical estimates")
	}
	if a.Significant != (a.PValue <= 0.05) {
		t.Errorf("significance %v inconsistent with p = %v", a.Significant, a.PValue)
	}
	t.Logf("✓ seed 12345: estimate %.2f p = %.4f", a.Estimate, a.PValue)
}

func TestRunTrial_ConvergenceDiscards(t *testing.T) {
	m := trialModel(t)
	sim := &Simulator{Fitter: &olsFitter{failRate: 1}, Test: MethodWaldZ}

	res, err := sim.RunTrial(context.Background(), m, InterceptByBoth(), FixedCondition, 1)
	if err != nil {
		t.Fatalf("convergence failure must not be an error: %v", err)
	}
	if !res.Discarded || res.Significant {
		t.Errorf("expected a discarded trial, got %+v", res)
	}
	if !strings.Contains(res.Reason, "forced failure") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestRunTrial_SimulationDiscards(t *testing.T) {
	m := trialModel(t)
	// On the inverse scale a non-negative draw has no RT.
	bad := *m
	bad.Formula.Response = ResponseInverseRT
	bad.Beta = []float64{5000, 15}
	sim := &Simulator{Fitter: &olsFitter{}, Test: MethodWaldZ}

	res, err := sim.RunTrial(context.Background(), &bad, InterceptByBoth(), FixedCondition, 1)
	if err != nil {
		t.Fatalf("invalid simulated RTs must not be an error: %v", err)
	}
	if !res.Discarded || res.Cause != DiscardSimulation || !strings.Contains(res.Reason, ErrSimulation.Error()) {
		t.Errorf("expected a simulation discard, got %+v", res)
	}
}

// rawRTModel has residual and participant variance large enough that a
// good share of draws fall below zero on the rt scale.
func rawRTModel(t *testing.T) *FittedModel {
	t.Helper()
	design := DefaultSyntheticDesign()
	design.Participants, design.Items = 20, 40
	design.Structure = InterceptByBoth()
	design.Params = KnownParams{
		Intercept:     300,
		Effect:        15,
		Sigma:         200,
		ParticipantSD: [2]float64{100, 0},
		ItemSD:        [2]float64{40, 0},
	}
	_, m, err := design.Generate(rand.New(rand.NewPCG(9, 10)))
	if err != nil {
		t.Fatalf("raw-RT parameters must generate: %v", err)
	}
	return m
}

func TestRunTrial_RawRTKeepsEveryTrial(t *testing.T) {
	m := rawRTModel(t)
	fitter := &olsFitter{}

	sim, err := fitter.Simulate(m, newTrialRand(1))
	if err != nil {
		t.Fatal(err)
	}
	var below, floored int
	y := sim.Response(ResponseRT)
	for i, rt := range sim.RTs() {
		if y[i] <= 0 {
			below++
		}
		if rt == SimulatedRTFloor {
			floored++
		}
	}
	if below == 0 || floored != below {
		t.Fatalf("expected draws below zero floored in the RT column, got %d below and %d floored", below, floored)
	}

	s := &Simulator{Fitter: fitter, Test: MethodWaldZ, Alpha: 0.05}
	const trials = 100
	var sum float64
	for seed := uint64(0); seed < trials; seed++ {
		res, err := s.RunTrial(context.Background(), m, InterceptByBoth(), FixedCondition, seed)
		if err != nil {
			t.Fatal(err)
		}
		if res.Discarded {
			t.Fatalf("seed %d discarded: %s", seed, res.Reason)
		}
		sum += res.Estimate
	}
	// Estimates come from the unfloored draws, so they centre on the effect.
	if mean := sum / trials; math.Abs(mean-15) > 6 {
		t.Errorf("mean estimate %.2f, want about 15", mean)
	}
	t.Logf("✓ %d of %d rows below zero, %d/%d trials kept", below, sim.Len(), trials, trials)
}

func TestRunTrial_FatalError(t *testing.T) {
	m := trialModel(t)
	boom := errors.New("disk full")
	sim := &Simulator{Fitter: &olsFitter{err: boom}, Test: MethodWaldZ}

	res, err := sim.RunTrial(context.Background(), m, InterceptByBoth(), FixedCondition, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fit error, got %v", err)
	}
	if res.Discarded {
		t.Error("a fatal error is not a discard")
	}
}

func TestRunTrial_Cancelled(t *testing.T) {
	m := trialModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim := &Simulator{Fitter: &olsFitter{}, Test: MethodWaldZ}
	if _, err := sim.RunTrial(ctx, m, InterceptByBoth(), FixedCondition, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSimulator_Alpha(t *testing.T) {
	for _, tt := range []struct {
		in, want float64
		wantErr  bool
	}{
		{0, 0.05, false},
		{0.01, 0.01, false},
		{1, 0, true},
		{-0.1, 0, true},
	} {
		s := &Simulator{Alpha: tt.in}
		got, err := s.alpha()
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("alpha(%v) = %v, %v; want %v, error %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestRunTrial_InvalidAlpha(t *testing.T) {
	m := trialModel(t)
	fitter := &olsFitter{}
	sim := &Simulator{Fitter: fitter, Test: MethodWaldZ, Alpha: 1.5}
	if _, err := sim.RunTrial(context.Background(), m, InterceptByBoth(), FixedCondition, 1); err == nil {
		t.Fatal("expected an error for alpha 1.5")
	}
	if fitter.fits.Load() != 0 {
		t.Error("no fit should run with an invalid alpha")
	}
}
