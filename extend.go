package mixpower

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

// ExtendedDesign is a fitted model carried over to a larger design.
type ExtendedDesign struct {
	Data   Dataset
	Model  *FittedModel // same parameters, fitted design replaced by Data
	Factor GroupingFactor
	Levels int
	Origin RandomEffectsStructure
	Seed   uint64
}

// Extender validates extension requests before handing them to a fitter.
type Extender struct {
	Fitter ModelFitter
	Logger *slog.Logger
}

// Extend grows m's design to levels levels of factor.
//
// The request fails with an *ExtensionError when the factor is unknown, when
// levels is below 2 or below the current count, or when the model carries a
// random slope on a factor that does not see both contrast conditions. The
// result must use refit as its random-effects structure, otherwise
// ErrStructureMismatch is returned.
func (e *Extender) Extend(ctx context.Context, m *FittedModel, factor GroupingFactor, levels int, refit RandomEffectsStructure, seed uint64) (*ExtendedDesign, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateExtension(m, factor, levels); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(seed, extendStream))
	ext, err := e.Fitter.Extend(m, factor, levels, rng)
	if err != nil {
		return nil, fmt.Errorf("extend %s to %d: %w", factor, levels, err)
	}
	if !ext.Model.Structure().Equal(refit) {
		return nil, fmt.Errorf("%w: extended model uses %s, refit uses %s",
			ErrStructureMismatch, ext.Model.Structure(), refit)
	}
	ext.Seed = seed

	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("design extended",
		"factor", factor,
		"from", len(m.data.Levels(factor)),
		"to", levels,
		"rows", ext.Data.Len())
	return ext, nil
}

// extendStream separates extension draws from trial draws sharing a seed.
const extendStream = 0x6578746e64

func validateExtension(m *FittedModel, factor GroupingFactor, levels int) error {
	current := len(m.data.Levels(factor))
	if !factor.Valid() {
		return &ExtensionError{Factor: factor, Requested: levels, Current: current, Msg: "unknown grouping factor"}
	}
	if levels < 2 {
		return &ExtensionError{Factor: factor, Requested: levels, Current: current, Msg: "need at least 2 levels"}
	}
	if levels < current {
		return &ExtensionError{Factor: factor, Requested: levels, Current: current, Msg: "design cannot shrink"}
	}
	for _, t := range m.Formula.Random.Terms {
		if t.Slope && !m.data.CrossedWith(t.Factor, m.Formula.Contrast) {
			return &ExtensionError{Factor: factor, Requested: levels, Current: current,
				Msg: fmt.Sprintf("random slope on %s but condition does not vary within %s", t.Factor, t.Factor)}
		}
	}
	return nil
}

// extendDesign copies the rows of level j mod current for every new level j
// under a fresh identifier and generates their responses from m with new
// random effects. Existing rows and their responses are kept.
func extendDesign(m *FittedModel, factor GroupingFactor, levels int, rng *rand.Rand) (*ExtendedDesign, error) {
	if err := validateExtension(m, factor, levels); err != nil {
		return nil, err
	}
	base := m.data
	existing := base.Levels(factor)
	current := len(existing)

	byLevel := make(map[string][]Observation, current)
	for _, o := range base.obs {
		lv := o.Level(factor)
		byLevel[lv] = append(byLevel[lv], o)
	}
	taken := make(map[string]bool, levels)
	for _, lv := range existing {
		taken[lv] = true
	}

	var added []Observation
	for j := current; j < levels; j++ {
		src := existing[j%current]
		id := newLevelID(src, j/current, taken)
		taken[id] = true
		for _, o := range byLevel[src] {
			if factor == Participant {
				o.Participant = id
			} else {
				o.Item = id
			}
			added = append(added, o)
		}
	}

	out := &ExtendedDesign{
		Factor: factor,
		Levels: levels,
		Origin: m.Formula.Random,
	}
	if len(added) == 0 {
		out.Data = base
		out.Model = m.withData(base, m.RanEf)
		return out, nil
	}

	addedSet, err := NewDataset(added)
	if err != nil {
		return nil, err
	}

	// New levels get their own effects, drawn once from the estimated
	// covariance and used both for their responses and for the model.
	ranef := make(map[GroupingFactor]map[string][]float64, len(m.RanEf))
	for g, lv := range m.RanEf {
		cp := make(map[string][]float64, len(lv))
		for k, v := range lv {
			cp[k] = v
		}
		ranef[g] = cp
	}
	for ti, term := range m.Formula.Random.Terms {
		if term.Factor != factor {
			continue
		}
		if ranef[factor] == nil {
			ranef[factor] = make(map[string][]float64)
		}
		var fresh []string
		for _, lv := range addedSet.Levels(factor) {
			if _, ok := ranef[factor][lv]; !ok {
				fresh = append(fresh, lv)
			}
		}
		for lv, b := range drawLevels(m.termFactor(ti), m.Sigma, fresh, rng) {
			ranef[factor][lv] = b
		}
	}

	simulated, err := simulateResponses(m, addedSet, ranef, rng)
	if err != nil {
		return nil, fmt.Errorf("generate responses for new %s levels: %w", factor, err)
	}
	out.Data = appendRows(base, simulated)
	out.Model = m.withData(out.Data, ranef)
	return out, nil
}

func newLevelID(src string, copyN int, taken map[string]bool) string {
	id := src + "+" + strconv.Itoa(copyN)
	for taken[id] {
		id += "'"
	}
	return id
}

// withData returns a copy of m over data with the given conditional modes.
func (m *FittedModel) withData(data Dataset, ranef map[GroupingFactor]map[string][]float64) *FittedModel {
	cp := *m
	cp.ID = uuid.New().String()
	cp.data = data
	cp.NumObs = data.Len()
	cp.RanEf = ranef
	return &cp
}
