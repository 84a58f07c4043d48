package mixpower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// FitterConfig bounds the optimizer.
type FitterConfig struct {
	MaxIterations  int           // Nelder-Mead major iterations
	MaxEvaluations int           // deviance evaluations
	MaxFitDuration time.Duration // wall-clock ceiling per fit, 0 = none

	// GradientTolerance is the largest finite-difference gradient component
	// of the deviance accepted at the optimum. 0 disables the check.
	GradientTolerance float64

	// RejectSingular turns a boundary fit (a variance estimated at zero)
	// into a convergence failure.
	RejectSingular bool
}

// DefaultFitterConfig returns limits that fit the crossed designs used in
// lexical-decision studies in well under a second.
func DefaultFitterConfig() FitterConfig {
	return FitterConfig{
		MaxIterations:     2000,
		MaxEvaluations:    5000,
		MaxFitDuration:    30 * time.Second,
		GradientTolerance: 0.5,
	}
}

const singularTolerance = 1e-4

// LMMFitter fits Gaussian linear mixed models with crossed random effects by
// minimising the profiled deviance over the relative covariance factor.
//
// For a given theta the penalised least squares system
//
//	[ L'Z'ZL + I   L'Z'X ] [u]   [L'Z'y]
//	[ X'ZL         X'X   ] [b] = [X'y  ]
//
// is solved by Cholesky factorisation; the deviance follows from the
// penalised residual sum of squares and the log-determinants of the factor.
type LMMFitter struct {
	Config FitterConfig
	Logger *slog.Logger
}

// NewLMMFitter returns a fitter with cfg and the default logger.
func NewLMMFitter(cfg FitterConfig) *LMMFitter {
	return &LMMFitter{Config: cfg}
}

func (f *LMMFitter) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Fit implements ModelFitter.
func (f *LMMFitter) Fit(ctx context.Context, data Dataset, form Formula) (*FittedModel, error) {
	if err := form.Validate(); err != nil {
		return nil, fmt.Errorf("fit %s: %w", form.Random.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := newDesign(data, form)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ceiling := f.Config.MaxFitDuration
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); ceiling == 0 || rem < ceiling {
			ceiling = rem
		}
	}

	obj := d.objective()
	problem := optimize.Problem{
		Func: obj,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: f.Config.MaxIterations,
		FuncEvaluations: f.Config.MaxEvaluations,
		Runtime:         ceiling,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Relative:   1e-10,
			Iterations: 50,
		},
	}
	res, err := optimize.Minimize(problem, d.theta0(), settings, &optimize.NelderMead{})
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	fail := func(reason string, args ...any) (*FittedModel, error) {
		ce := &ConvergenceError{Structure: form.Random.Name, Reason: fmt.Sprintf(reason, args...)}
		f.logger().Debug("fit failed", "structure", form.Random.Name, "reason", ce.Reason)
		return nil, ce
	}
	if err != nil {
		return fail("optimizer: %v", err)
	}
	if res.Status.Early() {
		return fail("optimizer stopped early: %s after %d evaluations", res.Status, res.Stats.FuncEvaluations)
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return fail("non-finite deviance %v", res.F)
	}

	theta := d.canonical(res.X)
	if tol := f.Config.GradientTolerance; tol > 0 {
		grad := fd.Gradient(nil, obj, theta, &fd.Settings{Formula: fd.Central, Step: 1e-4})
		for i, g := range grad {
			if math.IsNaN(g) || math.Abs(g) > tol {
				return fail("gradient component %d is %.3g (tolerance %.3g)", i, g, tol)
			}
		}
	}

	m, err := d.model(theta)
	if err != nil {
		return fail("%v", err)
	}
	if m.Singular && f.Config.RejectSingular {
		return fail("singular fit: a random-effect variance is estimated at zero")
	}
	m.Evaluations = res.Stats.FuncEvaluations
	m.FitTime = time.Since(start)
	return m, nil
}

// Simulate implements ModelFitter: fresh random effects for every level,
// fresh residuals for every row. The draws stay in the dataset's model-scale
// column for the refit.
func (f *LMMFitter) Simulate(m *FittedModel, rng *rand.Rand) (Dataset, error) {
	return simulateResponses(m, m.data, nil, rng)
}

// Extend implements ModelFitter. See Extender for the validated entry point.
func (f *LMMFitter) Extend(m *FittedModel, factor GroupingFactor, levels int, rng *rand.Rand) (*ExtendedDesign, error) {
	return extendDesign(m, factor, levels, rng)
}

// simulateResponses draws y = X beta + Z b + e on the model scale for data.
// Levels found in keep reuse the given effects; all others are drawn fresh.
func simulateResponses(m *FittedModel, data Dataset, keep map[GroupingFactor]map[string][]float64, rng *rand.Rand) (Dataset, error) {
	effects := make([]map[string][]float64, len(m.Formula.Random.Terms))
	for ti, term := range m.Formula.Random.Terms {
		levels := data.Levels(term.Factor)
		var fresh []string
		for _, lv := range levels {
			if _, ok := keep[term.Factor][lv]; !ok {
				fresh = append(fresh, lv)
			}
		}
		drawn := drawLevels(m.termFactor(ti), m.Sigma, fresh, rng)
		for lv, b := range keep[term.Factor] {
			drawn[lv] = b
		}
		effects[ti] = drawn
	}

	c := m.Formula.Contrast
	y := make([]float64, data.Len())
	for i, o := range data.obs {
		x := 0.0
		if o.Condition == c.A {
			x = 1
		}
		v := m.Beta[0]
		if len(m.Beta) > 1 {
			v += m.Beta[1] * x
		}
		for ti, term := range m.Formula.Random.Terms {
			b := effects[ti][o.Level(term.Factor)]
			j := 0
			if term.Intercept {
				v += b[j]
				j++
			}
			if term.Slope {
				v += b[j] * x
			}
		}
		y[i] = v + m.Sigma*rng.NormFloat64()
	}
	return data.fromResponse(m.Formula.Response, y)
}

// design holds the fixed parts of the PLS system for one dataset/formula.
type design struct {
	form  Formula
	data  Dataset
	n, p  int
	q     int
	y     []float64
	x     []float64 // condition dummy per row
	terms []termDesign

	// scratch, reused across deviance evaluations of one fit
	a    *mat.SymDense
	rhs  *mat.VecDense
	sol  *mat.VecDense
	chol mat.Cholesky
	cols []int
	vals []float64
}

type termDesign struct {
	term   RandomTerm
	k      int
	offset int // first column of this term in u
	nTheta int
	levels []string
	index  []int // level index per row
}

func newDesign(data Dataset, form Formula) (*design, error) {
	c := form.Contrast
	for i, o := range data.obs {
		if o.Condition != c.A && o.Condition != c.B {
			return nil, invalidDataf("row %d: condition %q is not in contrast %s", i, o.Condition, c)
		}
	}
	if form.HasFixed(FixedCondition) {
		if _, err := MeasureEffect(data, c.A, c.B); err != nil {
			return nil, err
		}
	}

	d := &design{
		form: form,
		data: data,
		n:    data.Len(),
		p:    len(form.FixedNames()),
		y:    data.Response(form.Response),
		x:    make([]float64, data.Len()),
	}
	for i, o := range data.obs {
		if o.Condition == c.A {
			d.x[i] = 1
		}
	}
	for _, term := range form.Random.Terms {
		td := termDesign{
			term:   term,
			k:      term.Dim(),
			offset: d.q,
			levels: data.Levels(term.Factor),
			index:  make([]int, d.n),
		}
		td.nTheta = td.k * (td.k + 1) / 2
		pos := make(map[string]int, len(td.levels))
		for j, lv := range td.levels {
			pos[lv] = j
		}
		for i, o := range data.obs {
			td.index[i] = pos[o.Level(term.Factor)]
		}
		d.q += td.k * len(td.levels)
		d.terms = append(d.terms, td)
	}
	if d.n <= d.p {
		return nil, invalidDataf("%d observations for %d fixed effects", d.n, d.p)
	}

	dim := d.q + d.p
	d.a = mat.NewSymDense(dim, nil)
	d.rhs = mat.NewVecDense(dim, nil)
	d.sol = mat.NewVecDense(dim, nil)
	return d, nil
}

func (d *design) theta0() []float64 {
	var th []float64
	for _, td := range d.terms {
		if td.k == 1 {
			th = append(th, 1)
		} else {
			th = append(th, 1, 0, 1)
		}
	}
	return th
}

// canonical takes diagonals of theta in absolute value.
func (d *design) canonical(theta []float64) []float64 {
	out := make([]float64, len(theta))
	copy(out, theta)
	off := 0
	for _, td := range d.terms {
		idx := off
		for r := 0; r < td.k; r++ {
			for c := 0; c <= r; c++ {
				if r == c {
					out[idx] = math.Abs(out[idx])
				}
				idx++
			}
		}
		off += td.nTheta
	}
	return out
}

// row fills the non-zero entries of [ZL | X] for row i.
func (d *design) row(i int, factors [][][]float64) {
	d.cols = d.cols[:0]
	d.vals = d.vals[:0]
	xi := d.x[i]
	for ti, td := range d.terms {
		t := factors[ti]
		var z [2]float64
		m := 0
		if td.term.Intercept {
			z[m] = 1
			m++
		}
		if td.term.Slope {
			z[m] = xi
		}
		base := td.offset + td.index[i]*td.k
		for j := 0; j < td.k; j++ {
			var w float64
			for r := j; r < td.k; r++ {
				w += z[r] * t[r][j]
			}
			d.cols = append(d.cols, base+j)
			d.vals = append(d.vals, w)
		}
	}
	d.cols = append(d.cols, d.q)
	d.vals = append(d.vals, 1)
	if d.p > 1 {
		d.cols = append(d.cols, d.q+1)
		d.vals = append(d.vals, xi)
	}
}

func (d *design) factors(theta []float64) [][][]float64 {
	out := make([][][]float64, len(d.terms))
	off := 0
	for ti, td := range d.terms {
		out[ti] = thetaBlock(theta[off:], td.k)
		off += td.nTheta
	}
	return out
}

// pls is the solution of the penalised least squares system at one theta.
type pls struct {
	r2     float64 // penalised residual sum of squares
	ldL    float64 // log|L'Z'ZL + I|
	ldA    float64 // log|A|, used by REML
	solved []float64
}

var errNotPositiveDefinite = errors.New("penalised system is not positive definite")

func (d *design) solve(theta []float64) (pls, error) {
	factors := d.factors(theta)
	d.a.Zero()
	d.rhs.Zero()
	raw := d.a.RawSymmetric()
	rhs := d.rhs.RawVector().Data
	for i := 0; i < d.n; i++ {
		d.row(i, factors)
		yi := d.y[i]
		for a := range d.cols {
			ca, va := d.cols[a], d.vals[a]
			rhs[ca] += va * yi
			for b := a; b < len(d.cols); b++ {
				cb, vb := d.cols[b], d.vals[b]
				r, c := ca, cb
				if r > c {
					r, c = c, r
				}
				raw.Data[r*raw.Stride+c] += va * vb
			}
		}
	}
	for j := 0; j < d.q; j++ {
		raw.Data[j*raw.Stride+j]++
	}

	if ok := d.chol.Factorize(d.a); !ok {
		return pls{}, errNotPositiveDefinite
	}
	if err := d.chol.SolveVecTo(d.sol, d.rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return pls{}, err
		}
	}
	sol := d.sol.RawVector().Data

	var r2 float64
	for i := 0; i < d.n; i++ {
		d.row(i, factors)
		fit := 0.0
		for a, c := range d.cols {
			fit += d.vals[a] * sol[c]
		}
		e := d.y[i] - fit
		r2 += e * e
	}
	for j := 0; j < d.q; j++ {
		r2 += sol[j] * sol[j]
	}

	u := d.chol.RawU()
	var ldL float64
	for j := 0; j < d.q; j++ {
		ldL += 2 * math.Log(u.At(j, j))
	}
	return pls{r2: r2, ldL: ldL, ldA: d.chol.LogDet(), solved: sol}, nil
}

// deviance is -2 log-likelihood (ML) or the REML criterion.
func (d *design) deviance(s pls) float64 {
	if d.form.REML {
		df := float64(d.n - d.p)
		return s.ldA + df*(1+math.Log(2*math.Pi*s.r2/df))
	}
	n := float64(d.n)
	return s.ldL + n*(1+math.Log(2*math.Pi*s.r2/n))
}

func (d *design) objective() func([]float64) float64 {
	return func(theta []float64) float64 {
		s, err := d.solve(theta)
		if err != nil || !(s.r2 > 0) {
			return math.Inf(1)
		}
		dev := d.deviance(s)
		if math.IsNaN(dev) {
			return math.Inf(1)
		}
		return dev
	}
}

// model assembles a FittedModel at the optimum.
func (d *design) model(theta []float64) (*FittedModel, error) {
	s, err := d.solve(theta)
	if err != nil {
		return nil, err
	}
	dev := d.deviance(s)
	if math.IsNaN(dev) || math.IsInf(dev, 0) {
		return nil, fmt.Errorf("non-finite deviance at optimum")
	}

	denom := float64(d.n)
	if d.form.REML {
		denom = float64(d.n - d.p)
	}
	sigma2 := s.r2 / denom

	m := &FittedModel{
		ID:         uuid.New().String(),
		Formula:    d.form,
		FixedNames: d.form.FixedNames(),
		Theta:      theta,
		Sigma:      math.Sqrt(sigma2),
		Deviance:   dev,
		LogLik:     -dev / 2,
		NumObs:     d.n,
		data:       d.data,
	}
	m.Beta = make([]float64, d.p)
	copy(m.Beta, s.solved[d.q:d.q+d.p])
	m.NumParams = d.p + len(theta) + 1
	m.AIC = dev + 2*float64(m.NumParams)

	dim := d.q + d.p
	e := mat.NewVecDense(dim, nil)
	x := mat.NewVecDense(dim, nil)
	m.BetaCov = make([][]float64, d.p)
	for j := 0; j < d.p; j++ {
		e.Zero()
		e.SetVec(d.q+j, 1)
		if err := d.chol.SolveVecTo(x, e); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, err
			}
		}
		m.BetaCov[j] = make([]float64, d.p)
		for l := 0; l < d.p; l++ {
			m.BetaCov[j][l] = sigma2 * x.AtVec(d.q+l)
		}
	}

	factors := d.factors(theta)
	m.RanEf = make(map[GroupingFactor]map[string][]float64, len(d.terms))
	for ti, td := range d.terms {
		t := factors[ti]
		for r := 0; r < td.k; r++ {
			if t[r][r] < singularTolerance {
				m.Singular = true
			}
		}
		levels := make(map[string][]float64, len(td.levels))
		for li, lv := range td.levels {
			u := s.solved[td.offset+li*td.k : td.offset+(li+1)*td.k]
			b := make([]float64, td.k)
			for r := 0; r < td.k; r++ {
				for c := 0; c <= r; c++ {
					b[r] += t[r][c] * u[c]
				}
			}
			levels[lv] = b
		}
		m.RanEf[td.term.Factor] = levels
	}
	return m, nil
}
