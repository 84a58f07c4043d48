package mixpower

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"
)

// olsFitter is a fast ModelFitter for tests. It ignores the random effects
// when fitting and estimates the condition effect by ordinary least squares,
// so a power curve over thousands of trials runs in seconds. Simulation and
// extension use the real generative code.
type olsFitter struct {
	aic      map[string]float64 // overrides AIC per structure name
	fail     map[string]bool    // structures that never converge
	failRate float64            // share of datasets that fail to converge
	err      error              // returned from every Fit when set
	fits     atomic.Int64
}

func (f *olsFitter) Fit(ctx context.Context, data Dataset, form Formula) (*FittedModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.fits.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.fail[form.Random.Name] {
		return nil, &ConvergenceError{Structure: form.Random.Name, Reason: "forced failure"}
	}
	y := data.Response(form.Response)
	if f.failRate > 0 && len(y) > 0 {
		// Deterministic in the data so trials stay reproducible.
		if _, frac := math.Modf(y[0] * 1000); math.Abs(frac) < f.failRate {
			return nil, &ConvergenceError{Structure: form.Random.Name, Reason: "forced failure"}
		}
	}

	c := form.Contrast
	var sumA, sumB, ssA, ssB float64
	var nA, nB int
	for i, o := range data.obs {
		switch o.Condition {
		case c.A:
			sumA += y[i]
			nA++
		case c.B:
			sumB += y[i]
			nB++
		}
	}
	if nA < 2 || nB < 2 {
		return nil, &SubsetError{Condition: c.A}
	}
	meanA, meanB := sumA/float64(nA), sumB/float64(nB)
	grand := (sumA + sumB) / float64(nA+nB)
	var ssTotal float64
	for i, o := range data.obs {
		switch o.Condition {
		case c.A:
			ssA += (y[i] - meanA) * (y[i] - meanA)
		case c.B:
			ssB += (y[i] - meanB) * (y[i] - meanB)
		}
		ssTotal += (y[i] - grand) * (y[i] - grand)
	}
	n := float64(nA + nB)
	varA, varB := ssA/float64(nA-1), ssB/float64(nB-1)

	m := &FittedModel{
		ID:         uuid.New().String(),
		Formula:    form,
		FixedNames: form.FixedNames(),
		Theta:      make([]float64, form.Random.NumTheta()),
		Sigma:      math.Sqrt((ssA + ssB) / n),
		NumObs:     data.Len(),
		data:       data,
	}
	rss := ssA + ssB
	if form.HasFixed(FixedCondition) {
		m.Beta = []float64{meanB, meanA - meanB}
		m.BetaCov = [][]float64{
			{varB / float64(nB), 0},
			{0, varA/float64(nA) + varB/float64(nB)},
		}
	} else {
		m.Beta = []float64{grand}
		m.BetaCov = [][]float64{{ssTotal / (n - 1) / n}}
		rss = ssTotal
	}
	m.Deviance = n * (1 + math.Log(2*math.Pi*rss/n))
	m.LogLik = -m.Deviance / 2
	m.NumParams = len(m.Beta) + len(m.Theta) + 1
	m.AIC = m.Deviance + 2*float64(m.NumParams)
	if a, ok := f.aic[form.Random.Name]; ok {
		m.AIC = a
	}
	return m, nil
}

func (f *olsFitter) Simulate(m *FittedModel, rng *rand.Rand) (Dataset, error) {
	return simulateResponses(m, m.data, nil, rng)
}

func (f *olsFitter) Extend(m *FittedModel, factor GroupingFactor, levels int, rng *rand.Rand) (*ExtendedDesign, error) {
	return extendDesign(m, factor, levels, rng)
}
