// Package mixpower estimates statistical power for crossed
// participant × item designs by simulation from a fitted linear mixed model.
//
// # Overview
//
// A priming study measures a small difference in reaction times between two
// conditions (unrelated vs repeated prime). Power for such an effect depends
// on the number of participants and items, and on how much both vary. mixpower
// answers "how many items do I need?" the way it is done in practice: fit a
// mixed model to pilot data, set the effect to the size you care about,
// simulate many experiments at larger designs, refit each one and count how
// often the effect comes out significant.
//
// # Architecture
//
// The package components:
//
//   - dataset/response  - immutable Dataset, RT transforms
//   - effect            - MeasureEffect, SetEffect
//   - structure         - random-effects structures and formulas
//   - lmm               - LMMFitter, the ModelFitter implementation
//   - selector          - candidate sweep by AIC
//   - extend            - design extension along one grouping factor
//   - trial/curve       - single trials and the parallel power curve
//   - interval          - Clopper-Pearson and Wilson intervals
//   - reliability       - per-point trust assessment
//   - assertions        - test helpers for power-curve properties
//
// # Quick Start
//
//	data, _ := mixpower.NewDataset(obs)
//
//	// Impose a 15 ms priming effect by shifting the repeated condition.
//	c := mixpower.PrimingContrast
//	data, err := mixpower.SetEffect(data, c.B, 15, c.A, c.B)
//
//	// Pick the richest structure that converges.
//	sel := &mixpower.Selector{Fitter: fitter}
//	res, err := sel.Select(ctx, data, mixpower.DefaultFormula(mixpower.SlopesByBoth()),
//	    mixpower.DefaultCandidates())
//
//	// Sweep items.
//	runner := &mixpower.Runner{Fitter: fitter}
//	curve, err := runner.Run(ctx, res.Best, res.Best.Structure(), mixpower.DefaultCurveConfig())
//
// # The Model
//
// For n observations with fixed-effect design X (intercept and a
// treatment-coded condition dummy, 1 for A) and random-effect design Z:
//
//	y = Xβ + Zb + ε,   b ~ N(0, σ²ΛΛ'),   ε ~ N(0, σ²I)
//
// Λ is block diagonal with one lower-triangular factor T per random term,
// repeated for every level. LMMFitter minimises the profiled deviance over θ
// (the entries of the T blocks) with Nelder-Mead:
//
//	ML:   d(θ) = log|Λ'Z'ZΛ + I| + n(1 + log(2π r²(θ)/n))
//	REML: d(θ) = log|A(θ)| + (n-p)(1 + log(2π r²(θ)/(n-p)))
//
// where r²(θ) is the penalised residual sum of squares of the system A(θ).
//
// # Significance
//
// Three tests are available per trial:
//
//   - lrt:    χ²₁ on ML deviances with and without the effect (default)
//   - wald-z: β/SE against N(0,1)
//   - wald-t: β/SE against t with n-p degrees of freedom
//
// # Reproducibility
//
// Every trial owns a PCG generator seeded from (Seed, breakpoint, trial), so
// a curve is bit-for-bit reproducible regardless of worker count.
package mixpower
