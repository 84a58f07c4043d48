package mixpower

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// ModelFitter fits, simulates from and extends linear mixed models.
//
// Fit may fail with a *ConvergenceError, which callers treat as recoverable.
// Simulate draws new responses for the fitted design; the design (rows,
// levels, conditions) is unchanged. Extend grows the design along one
// grouping factor and returns the model carried over to it.
type ModelFitter interface {
	Fit(ctx context.Context, data Dataset, f Formula) (*FittedModel, error)
	Simulate(m *FittedModel, rng *rand.Rand) (Dataset, error)
	Extend(m *FittedModel, factor GroupingFactor, levels int, rng *rand.Rand) (*ExtendedDesign, error)
}

// FittedModel is an immutable fitted linear mixed model.
//
// Theta holds, per random term in order, the lower-triangular relative
// covariance factor T (row-major: t00 for one coefficient; t00, t10, t11 for
// two). The random-effects covariance of a term is Sigma^2 * T * T'.
type FittedModel struct {
	ID         string
	Formula    Formula
	FixedNames []string
	Beta       []float64
	BetaCov    [][]float64
	Theta      []float64
	Sigma      float64
	// RanEf holds conditional modes per factor and level, one value per
	// term coefficient (intercept first).
	RanEf map[GroupingFactor]map[string][]float64

	Deviance  float64
	LogLik    float64
	AIC       float64
	NumParams int
	NumObs    int
	Singular  bool

	Evaluations int
	FitTime     time.Duration

	data Dataset
}

// Data returns the dataset the model was fitted to.
func (m *FittedModel) Data() Dataset { return m.data }

// Structure is shorthand for m.Formula.Random.
func (m *FittedModel) Structure() RandomEffectsStructure { return m.Formula.Random }

// Coef returns the estimate for a named fixed effect.
func (m *FittedModel) Coef(name string) (float64, bool) {
	i := m.fixedIndex(name)
	if i < 0 {
		return 0, false
	}
	return m.Beta[i], true
}

// StdErr returns the standard error of a named fixed effect.
func (m *FittedModel) StdErr(name string) (float64, bool) {
	i := m.fixedIndex(name)
	if i < 0 || i >= len(m.BetaCov) {
		return 0, false
	}
	return math.Sqrt(m.BetaCov[i][i]), true
}

func (m *FittedModel) fixedIndex(name string) int {
	for i, n := range m.FixedNames {
		if n == name {
			return i
		}
	}
	return -1
}

// termFactor returns the lower-triangular factor T for term index ti.
func (m *FittedModel) termFactor(ti int) [][]float64 {
	off := 0
	for i := 0; i < ti; i++ {
		k := m.Formula.Random.Terms[i].Dim()
		off += k * (k + 1) / 2
	}
	return thetaBlock(m.Theta[off:], m.Formula.Random.Terms[ti].Dim())
}

// thetaBlock unpacks k(k+1)/2 row-major lower-triangular entries. Diagonals
// are taken in absolute value so any real vector is a valid parameter.
func thetaBlock(theta []float64, k int) [][]float64 {
	t := make([][]float64, k)
	idx := 0
	for r := 0; r < k; r++ {
		t[r] = make([]float64, k)
		for c := 0; c <= r; c++ {
			v := theta[idx]
			if r == c {
				v = math.Abs(v)
			}
			t[r][c] = v
			idx++
		}
	}
	return t
}

// TermCov is the estimated covariance of one random term.
type TermCov struct {
	Factor GroupingFactor `json:"factor"`
	Names  []string       `json:"names"`
	Cov    [][]float64    `json:"cov"`
}

// SD returns standard deviations of the term's coefficients.
func (tc TermCov) SD() []float64 {
	out := make([]float64, len(tc.Cov))
	for i := range tc.Cov {
		out[i] = math.Sqrt(tc.Cov[i][i])
	}
	return out
}

// Corr returns the correlation between the two coefficients, or 0 for a
// one-dimensional term.
func (tc TermCov) Corr() float64 {
	if len(tc.Cov) < 2 {
		return 0
	}
	den := math.Sqrt(tc.Cov[0][0] * tc.Cov[1][1])
	if den == 0 {
		return 0
	}
	return tc.Cov[1][0] / den
}

// VarCorr returns the variance-covariance of every random term.
func (m *FittedModel) VarCorr() []TermCov {
	s2 := m.Sigma * m.Sigma
	out := make([]TermCov, len(m.Formula.Random.Terms))
	for ti, term := range m.Formula.Random.Terms {
		t := m.termFactor(ti)
		k := term.Dim()
		cov := make([][]float64, k)
		for i := 0; i < k; i++ {
			cov[i] = make([]float64, k)
			for j := 0; j < k; j++ {
				var s float64
				for l := 0; l < k; l++ {
					s += t[i][l] * t[j][l]
				}
				cov[i][j] = s2 * s
			}
		}
		out[ti] = TermCov{Factor: term.Factor, Names: termNames(term), Cov: cov}
	}
	return out
}

func termNames(t RandomTerm) []string {
	var names []string
	if t.Intercept {
		names = append(names, InterceptName)
	}
	if t.Slope {
		names = append(names, FixedCondition)
	}
	return names
}

// ModelSnapshot is the serialisable form of a FittedModel.
type ModelSnapshot struct {
	ID          string                                  `json:"id"`
	Formula     Formula                                 `json:"formula"`
	FixedNames  []string                                `json:"fixed_names"`
	Beta        []float64                               `json:"beta"`
	BetaCov     [][]float64                             `json:"beta_cov"`
	Theta       []float64                               `json:"theta"`
	Sigma       float64                                 `json:"sigma"`
	RanEf       map[GroupingFactor]map[string][]float64 `json:"ranef"`
	Deviance    float64                                 `json:"deviance"`
	LogLik      float64                                 `json:"loglik"`
	AIC         float64                                 `json:"aic"`
	NumParams   int                                     `json:"num_params"`
	NumObs      int                                     `json:"num_obs"`
	Singular    bool                                    `json:"singular"`
	Evaluations int                                     `json:"evaluations"`
	FitTimeNS   int64                                   `json:"fit_time_ns"`
	Data        []Observation                           `json:"data"`
	// Model-scale draws of simulated data, absent for observed data.
	Response      []float64 `json:"response,omitempty"`
	ResponseScale Response  `json:"response_scale,omitempty"`
}

// Snapshot captures the model for persistence. encoding/json writes the
// shortest float64 representation that parses back exactly.
func (m *FittedModel) Snapshot() ([]byte, error) {
	s := ModelSnapshot{
		ID:          m.ID,
		Formula:     m.Formula,
		FixedNames:  m.FixedNames,
		Beta:        m.Beta,
		BetaCov:     m.BetaCov,
		Theta:       m.Theta,
		Sigma:       m.Sigma,
		RanEf:       m.RanEf,
		Deviance:    m.Deviance,
		LogLik:      m.LogLik,
		AIC:         m.AIC,
		NumParams:   m.NumParams,
		NumObs:      m.NumObs,
		Singular:    m.Singular,
		Evaluations: m.Evaluations,
		FitTimeNS:   int64(m.FitTime),
		Data:        m.data.obs,
	}
	if m.data.y != nil {
		s.Response, s.ResponseScale = m.data.y, m.data.scale
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot model %s: %w", m.ID, err)
	}
	return b, nil
}

// RestoreModel rebuilds a FittedModel from Snapshot output.
func RestoreModel(b []byte) (*FittedModel, error) {
	var s ModelSnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("restore model: %w", err)
	}
	data, err := NewDataset(s.Data)
	if err != nil {
		return nil, fmt.Errorf("restore model %s: %w", s.ID, err)
	}
	if s.Response != nil {
		if len(s.Response) != data.Len() {
			return nil, fmt.Errorf("restore model %s: %d responses for %d observations",
				s.ID, len(s.Response), data.Len())
		}
		data.y, data.scale = s.Response, s.ResponseScale.orRT()
	}
	if err := s.Formula.Validate(); err != nil {
		return nil, fmt.Errorf("restore model %s: %w", s.ID, err)
	}
	if len(s.Theta) != s.Formula.Random.NumTheta() {
		return nil, fmt.Errorf("restore model %s: %d theta values for %d parameters",
			s.ID, len(s.Theta), s.Formula.Random.NumTheta())
	}
	return &FittedModel{
		ID:          s.ID,
		Formula:     s.Formula,
		FixedNames:  s.FixedNames,
		Beta:        s.Beta,
		BetaCov:     s.BetaCov,
		Theta:       s.Theta,
		Sigma:       s.Sigma,
		RanEf:       s.RanEf,
		Deviance:    s.Deviance,
		LogLik:      s.LogLik,
		AIC:         s.AIC,
		NumParams:   s.NumParams,
		NumObs:      s.NumObs,
		Singular:    s.Singular,
		Evaluations: s.Evaluations,
		FitTime:     time.Duration(s.FitTimeNS),
		data:        data,
	}, nil
}

// KnownParams describes a generative model without fitting it.
type KnownParams struct {
	Intercept float64 // mean of condition B on the model scale
	Effect    float64 // A minus B on the model scale
	Sigma     float64 // residual SD
	// SD of random coefficients per factor; an entry with a slope SD of zero
	// and Slope false in the structure is ignored.
	ParticipantSD [2]float64 // intercept, slope
	ItemSD        [2]float64
	Corr          float64 // intercept/slope correlation, both factors
}

// NewKnownModel builds a FittedModel for data with the given parameters.
// Random effects are drawn from the implied covariance so Simulate and
// Extend behave exactly as on a fitted model. Deviance, AIC and BetaCov are
// left at zero.
func NewKnownModel(data Dataset, f Formula, p KnownParams, rng *rand.Rand) (*FittedModel, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if !(p.Sigma > 0) {
		return nil, fmt.Errorf("known model: sigma must be positive, got %v", p.Sigma)
	}
	var theta []float64
	for _, term := range f.Random.Terms {
		sd := p.ParticipantSD
		if term.Factor == Item {
			sd = p.ItemSD
		}
		switch {
		case term.Intercept && term.Slope:
			// Cholesky of [[s0², r s0 s1],[r s0 s1, s1²]] / sigma².
			t00 := sd[0] / p.Sigma
			t10 := p.Corr * sd[1] / p.Sigma
			t11 := math.Sqrt(math.Max(0, 1-p.Corr*p.Corr)) * sd[1] / p.Sigma
			theta = append(theta, t00, t10, t11)
		case term.Slope:
			theta = append(theta, sd[1]/p.Sigma)
		default:
			theta = append(theta, sd[0]/p.Sigma)
		}
	}

	m := &FittedModel{
		ID:         uuid.New().String(),
		Formula:    f,
		FixedNames: f.FixedNames(),
		Theta:      theta,
		Sigma:      p.Sigma,
		NumObs:     data.Len(),
		data:       data,
	}
	m.Beta = []float64{p.Intercept}
	if f.HasFixed(FixedCondition) {
		m.Beta = append(m.Beta, p.Effect)
	}
	m.NumParams = len(m.Beta) + len(theta) + 1
	m.RanEf = make(map[GroupingFactor]map[string][]float64)
	for ti, term := range f.Random.Terms {
		m.RanEf[term.Factor] = drawLevels(m.termFactor(ti), p.Sigma, data.Levels(term.Factor), rng)
	}
	return m, nil
}

// drawLevels draws sigma * T * g, g ~ N(0, I), for each level.
func drawLevels(t [][]float64, sigma float64, levels []string, rng *rand.Rand) map[string][]float64 {
	k := len(t)
	out := make(map[string][]float64, len(levels))
	g := make([]float64, k)
	for _, lv := range levels {
		for j := range g {
			g[j] = rng.NormFloat64()
		}
		b := make([]float64, k)
		for r := 0; r < k; r++ {
			var s float64
			for c := 0; c <= r; c++ {
				s += t[r][c] * g[c]
			}
			b[r] = sigma * s
		}
		out[lv] = b
	}
	return out
}
