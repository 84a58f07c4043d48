package mixpower

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func fitData(t *testing.T, participants, items int) (Dataset, *FittedModel) {
	t.Helper()
	design := DefaultSyntheticDesign()
	design.Participants, design.Items = participants, items
	design.Structure = InterceptByBoth()
	data, m, err := design.Generate(rand.New(rand.NewPCG(21, 22)))
	if err != nil {
		t.Fatal(err)
	}
	return data, m
}

func TestLMMFitter_InterceptByBoth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model fit in short mode")
	}
	data, truth := fitData(t, 20, 30)
	fitter := NewLMMFitter(DefaultFitterConfig())

	m, err := fitter.Fit(context.Background(), data, truth.Formula)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// Balanced crossed intercepts: GLS and the difference of means agree.
	diff, _ := MeasureContrast(data, PrimingContrast)
	if est, _ := m.Coef(FixedCondition); math.Abs(est-diff) > 1e-6 {
		t.Errorf("effect = %.6f, difference of means = %.6f", est, diff)
	}
	se, ok := m.StdErr(FixedCondition)
	if !ok || !(se > 0) {
		t.Errorf("StdErr = %v, %v", se, ok)
	}
	if m.Sigma < 50 || m.Sigma > 70 {
		t.Errorf("sigma = %.1f, generated with 60", m.Sigma)
	}
	for _, tc := range m.VarCorr() {
		sd := tc.SD()[0]
		switch tc.Factor {
		case Participant:
			if sd < 25 || sd > 80 {
				t.Errorf("participant SD = %.1f, generated with 50", sd)
			}
		case Item:
			if sd > 45 {
				t.Errorf("item SD = %.1f, generated with 20", sd)
			}
		}
	}
	if len(m.RanEf[Participant]) != 20 || len(m.RanEf[Item]) != 30 {
		t.Errorf("conditional modes for %d/%d levels", len(m.RanEf[Participant]), len(m.RanEf[Item]))
	}
	if m.NumParams != 5 || m.AIC != m.Deviance+10 {
		t.Errorf("NumParams %d, AIC %.2f, deviance %.2f", m.NumParams, m.AIC, m.Deviance)
	}
	if m.Evaluations == 0 || m.FitTime <= 0 {
		t.Errorf("fit statistics not recorded: %d evaluations in %v", m.Evaluations, m.FitTime)
	}
	t.Logf("✓ effect %.2f (SE %.2f), σ %.1f, %d evaluations in %v",
		m.Beta[1], se, m.Sigma, m.Evaluations, m.FitTime.Round(time.Millisecond))
}

func TestLMMFitter_MLvsREML(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model fit in short mode")
	}
	data, truth := fitData(t, 12, 16)
	fitter := NewLMMFitter(DefaultFitterConfig())
	ctx := context.Background()

	reml, err := fitter.Fit(ctx, data, truth.Formula.WithREML(true))
	if err != nil {
		t.Fatal(err)
	}
	ml, err := fitter.Fit(ctx, data, truth.Formula.WithREML(false))
	if err != nil {
		t.Fatal(err)
	}
	if ml.Formula.REML || !reml.Formula.REML {
		t.Error("REML flag not carried into the fitted formula")
	}
	if math.Abs(ml.Beta[1]-reml.Beta[1]) > 1e-6 {
		t.Errorf("balanced design: ML effect %.6f vs REML %.6f", ml.Beta[1], reml.Beta[1])
	}
	if math.Abs(ml.Sigma-reml.Sigma) > 0.1*reml.Sigma {
		t.Errorf("ML residual SD %.2f far from REML %.2f", ml.Sigma, reml.Sigma)
	}

	// Dropping the effect can only raise the ML deviance.
	reduced, err := fitter.Fit(ctx, data, ml.Formula.WithoutFixed(FixedCondition))
	if err != nil {
		t.Fatal(err)
	}
	if reduced.Deviance < ml.Deviance-1e-3 {
		t.Errorf("reduced deviance %.3f below full %.3f", reduced.Deviance, ml.Deviance)
	}
	if len(reduced.Beta) != 1 {
		t.Errorf("reduced model has %d fixed effects", len(reduced.Beta))
	}
	t.Logf("✓ ML σ %.2f, REML σ %.2f; LRT χ² = %.2f", ml.Sigma, reml.Sigma, reduced.Deviance-ml.Deviance)
}

func TestLMMFitter_LogResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model fit in short mode")
	}
	data, truth := fitData(t, 10, 12)
	f := truth.Formula
	f.Response = ResponseLogRT
	m, err := NewLMMFitter(DefaultFitterConfig()).Fit(context.Background(), data, f)
	if err != nil {
		t.Fatal(err)
	}
	if m.Beta[0] < 5.9 || m.Beta[0] > 6.5 {
		t.Errorf("log-scale intercept %.3f, expected near log(500)", m.Beta[0])
	}

	sim, err := NewLMMFitter(DefaultFitterConfig()).Simulate(m, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	for _, rt := range sim.RTs() {
		if !(rt > 0) {
			t.Fatalf("simulated RT %v on the log scale must be positive", rt)
		}
	}
}

func TestLMMFitter_ConvergenceFailure(t *testing.T) {
	data, truth := fitData(t, 6, 8)
	cfg := DefaultFitterConfig()
	cfg.MaxEvaluations = 3

	_, err := NewLMMFitter(cfg).Fit(context.Background(), data, truth.Formula)
	if !IsConvergence(err) {
		t.Fatalf("expected a convergence error, got %v", err)
	}
	var ce *ConvergenceError
	if !errors.As(err, &ce) || ce.Structure != StructureInterceptByBoth {
		t.Errorf("error = %v", err)
	}
	t.Logf("✓ %v", err)
}

func TestLMMFitter_InvalidInput(t *testing.T) {
	data, truth := fitData(t, 4, 4)
	fitter := NewLMMFitter(DefaultFitterConfig())
	ctx := context.Background()

	bad := truth.Formula
	bad.Family = "poisson"
	if _, err := fitter.Fit(ctx, data, bad); err == nil {
		t.Error("expected error for unsupported family")
	}

	other := truth.Formula
	other.Contrast = Contrast{A: "word", B: "nonword"}
	if _, err := fitter.Fit(ctx, data, other); !errors.Is(err, ErrInvalidDataset) {
		t.Errorf("expected ErrInvalidDataset for conditions outside the contrast, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := fitter.Fit(cancelled, data, truth.Formula); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLMMFitter_Simulate(t *testing.T) {
	_, m := fitData(t, 5, 6)
	fitter := NewLMMFitter(DefaultFitterConfig())

	a, err := fitter.Simulate(m, rand.New(rand.NewPCG(8, 8)))
	if err != nil {
		t.Fatal(err)
	}
	b, err := fitter.Simulate(m, rand.New(rand.NewPCG(8, 8)))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("same generator state should simulate the same data")
	}
	if a.Len() != m.Data().Len() {
		t.Errorf("simulated %d rows, design has %d", a.Len(), m.Data().Len())
	}
	for i := 0; i < a.Len(); i++ {
		x, y := a.At(i), m.Data().At(i)
		if x.Participant != y.Participant || x.Item != y.Item || x.Condition != y.Condition {
			t.Fatalf("row %d layout changed", i)
		}
	}
}
