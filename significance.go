package mixpower

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// TestMethod selects how a fixed effect is tested for significance.
type TestMethod string

const (
	// MethodLRT compares ML fits with and without the effect (chi-square, 1 df).
	MethodLRT TestMethod = "lrt"
	// MethodWaldZ treats estimate/SE as standard normal.
	MethodWaldZ TestMethod = "wald-z"
	// MethodWaldT uses Student's t with the smallest grouping factor's level
	// count minus p degrees of freedom.
	MethodWaldT TestMethod = "wald-t"
)

// ParseTestMethod validates a method name; "" selects lrt.
func ParseTestMethod(s string) (TestMethod, error) {
	switch TestMethod(s) {
	case "", MethodLRT:
		return MethodLRT, nil
	case MethodWaldZ, MethodWaldT:
		return TestMethod(s), nil
	}
	return "", fmt.Errorf("unknown test method %q (valid: lrt, wald-z, wald-t)", s)
}

// Formula returns the formula the full model should be fitted with: the LRT
// needs ML fits, the Wald tests keep the base formula's REML setting.
func (tm TestMethod) Formula(base Formula) Formula {
	if tm == MethodLRT {
		return base.WithREML(false)
	}
	return base
}

// TestOutcome is the result of one significance test.
type TestOutcome struct {
	Estimate  float64
	StdErr    float64
	Statistic float64
	PValue    float64
}

// WaldZ returns the two-sided normal p-value for effect in m.
func WaldZ(m *FittedModel, effect string) (TestOutcome, error) {
	est, se, err := estimateSE(m, effect)
	if err != nil {
		return TestOutcome{}, err
	}
	z := est / se
	return TestOutcome{Estimate: est, StdErr: se, Statistic: z, PValue: 2 * distuv.UnitNormal.Survival(math.Abs(z))}, nil
}

// WaldT returns the two-sided t p-value for effect in m. The degrees of
// freedom are the level count of the smallest grouping factor in the random
// structure minus the number of fixed effects, not the residual n - p. A
// model without data or random terms falls back to n - p.
func WaldT(m *FittedModel, effect string) (TestOutcome, error) {
	est, se, err := estimateSE(m, effect)
	if err != nil {
		return TestOutcome{}, err
	}
	df := waldTDF(m)
	if df < 1 {
		return TestOutcome{}, fmt.Errorf("wald-t: %v degrees of freedom", df)
	}
	t := est / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return TestOutcome{Estimate: est, StdErr: se, Statistic: t, PValue: 2 * dist.Survival(math.Abs(t))}, nil
}

func waldTDF(m *FittedModel) float64 {
	p := len(m.Beta)
	if m.data.Len() == 0 || len(m.Formula.Random.Terms) == 0 {
		return float64(m.NumObs - p)
	}
	levels := m.data.Len()
	for _, term := range m.Formula.Random.Terms {
		levels = min(levels, len(m.data.Levels(term.Factor)))
	}
	return float64(levels - p)
}

// LRT compares ML fits of full and reduced with one degree of freedom.
func LRT(full, reduced *FittedModel, effect string) (TestOutcome, error) {
	if full.Formula.REML || reduced.Formula.REML {
		return TestOutcome{}, fmt.Errorf("lrt: both models must be fitted by ML")
	}
	est, _ := full.Coef(effect)
	se, _ := full.StdErr(effect)
	chi := reduced.Deviance - full.Deviance
	if chi < 0 {
		// The optimiser may land a hair above the reduced optimum.
		chi = 0
	}
	p := distuv.ChiSquared{K: 1}.Survival(chi)
	return TestOutcome{Estimate: est, StdErr: se, Statistic: chi, PValue: p}, nil
}

func estimateSE(m *FittedModel, effect string) (float64, float64, error) {
	est, ok := m.Coef(effect)
	if !ok {
		return 0, 0, fmt.Errorf("model has no fixed effect %q", effect)
	}
	se, ok := m.StdErr(effect)
	if !ok || !(se > 0) || math.IsInf(se, 0) {
		return 0, 0, &ConvergenceError{Structure: m.Formula.Random.Name, Reason: fmt.Sprintf("standard error of %s is %v", effect, se)}
	}
	return est, se, nil
}

// Test fits what the method needs on data and tests effect. Convergence
// failures of either fit come back as *ConvergenceError.
func (tm TestMethod) Test(ctx context.Context, fitter ModelFitter, data Dataset, base Formula, effect string) (*FittedModel, TestOutcome, error) {
	full, err := fitter.Fit(ctx, data, tm.Formula(base))
	if err != nil {
		return nil, TestOutcome{}, err
	}
	var out TestOutcome
	switch tm {
	case MethodWaldZ:
		out, err = WaldZ(full, effect)
	case MethodWaldT:
		out, err = WaldT(full, effect)
	default:
		var reduced *FittedModel
		reduced, err = fitter.Fit(ctx, data, full.Formula.WithoutFixed(effect))
		if err != nil {
			return full, TestOutcome{}, err
		}
		out, err = LRT(full, reduced, effect)
	}
	return full, out, err
}
