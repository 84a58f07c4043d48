package mixpower

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// GroupingFactor names a random-effects grouping variable.
type GroupingFactor string

const (
	Participant GroupingFactor = "participant"
	Item        GroupingFactor = "item"
)

// Valid reports whether g is one of the supported grouping factors.
func (g GroupingFactor) Valid() bool {
	return g == Participant || g == Item
}

// Other returns the crossed factor (participant <-> item).
func (g GroupingFactor) Other() GroupingFactor {
	if g == Participant {
		return Item
	}
	return Participant
}

// ParseGroupingFactor accepts "participant"/"participants"/"subject" and
// "item"/"items".
func ParseGroupingFactor(s string) (GroupingFactor, error) {
	switch s {
	case "participant", "participants", "subject", "subjects":
		return Participant, nil
	case "item", "items":
		return Item, nil
	}
	return "", fmt.Errorf("unknown grouping factor %q (valid: participant, item)", s)
}

// Contrast fixes which condition is subtracted from which.
// EffectSize = mean(RT | A) - mean(RT | B).
type Contrast struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// PrimingContrast is the lexical-decision convention: unrelated minus repeated.
// A positive value means repeated primes speed responses.
var PrimingContrast = Contrast{A: "unrelated", B: "repeated"}

func (c Contrast) String() string { return c.A + " - " + c.B }

// Valid reports whether both labels are set and distinct.
func (c Contrast) Valid() error {
	if c.A == "" || c.B == "" {
		return fmt.Errorf("contrast needs two condition labels, got %q and %q", c.A, c.B)
	}
	if c.A == c.B {
		return fmt.Errorf("contrast conditions must differ, both are %q", c.A)
	}
	return nil
}

// Observation is one lexical-decision trial.
type Observation struct {
	Participant string  `json:"participant"`
	Item        string  `json:"item"`
	Condition   string  `json:"condition"`
	RT          float64 `json:"rt"` // milliseconds, > 0
}

// SimulatedRTFloor is the RT recorded for a simulated draw on the rt scale
// that falls at or below zero. The draw itself stays in the dataset's
// model-scale column and is what a refit sees.
const SimulatedRTFloor = 1.0

// Level returns the observation's level for grouping factor g.
func (o Observation) Level(g GroupingFactor) string {
	if g == Participant {
		return o.Participant
	}
	return o.Item
}

func (o Observation) validate() error {
	switch {
	case o.Participant == "":
		return fmt.Errorf("missing participant")
	case o.Item == "":
		return fmt.Errorf("missing item")
	case o.Condition == "":
		return fmt.Errorf("missing condition")
	case math.IsNaN(o.RT) || math.IsInf(o.RT, 0) || o.RT <= 0:
		return fmt.Errorf("response time must be positive and finite, got %v", o.RT)
	}
	return nil
}

// Dataset is an immutable, ordered collection of observations.
// Every operation that changes data returns a new Dataset.
type Dataset struct {
	obs []Observation

	// y is the simulated response on scale; nil for observed data.
	y     []float64
	scale Response
}

// NewDataset copies obs and validates every observation.
func NewDataset(obs []Observation) (Dataset, error) {
	if len(obs) == 0 {
		return Dataset{}, invalidDataf("dataset is empty")
	}
	cp := make([]Observation, len(obs))
	for i, o := range obs {
		if err := o.validate(); err != nil {
			return Dataset{}, invalidDataf("observation %d: %v", i, err)
		}
		cp[i] = o
	}
	return Dataset{obs: cp}, nil
}

// Len returns the number of observations.
func (d Dataset) Len() int { return len(d.obs) }

// At returns observation i.
func (d Dataset) At(i int) Observation { return d.obs[i] }

// Observations returns a copy of the underlying observations.
func (d Dataset) Observations() []Observation {
	cp := make([]Observation, len(d.obs))
	copy(cp, d.obs)
	return cp
}

// RTs returns a copy of the response-time column.
func (d Dataset) RTs() []float64 {
	out := make([]float64, len(d.obs))
	for i, o := range d.obs {
		out[i] = o.RT
	}
	return out
}

// Levels returns the sorted distinct levels of grouping factor g.
func (d Dataset) Levels(g GroupingFactor) []string {
	seen := make(map[string]struct{})
	for _, o := range d.obs {
		seen[o.Level(g)] = struct{}{}
	}
	return sortedKeys(seen)
}

// Conditions returns the sorted distinct condition labels.
func (d Dataset) Conditions() []string {
	seen := make(map[string]struct{})
	for _, o := range d.obs {
		seen[o.Condition] = struct{}{}
	}
	return sortedKeys(seen)
}

// Count returns how many observations carry condition c.
func (d Dataset) Count(c string) int {
	n := 0
	for _, o := range d.obs {
		if o.Condition == c {
			n++
		}
	}
	return n
}

// Filter returns the observations for which keep is true.
func (d Dataset) Filter(keep func(Observation) bool) (Dataset, error) {
	out := make([]Observation, 0, len(d.obs))
	for _, o := range d.obs {
		if keep(o) {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return Dataset{}, invalidDataf("filter removed every observation")
	}
	res := Dataset{obs: out}
	if d.y != nil {
		res.scale = d.scale
		for i, o := range d.obs {
			if keep(o) {
				res.y = append(res.y, d.y[i])
			}
		}
	}
	return res, nil
}

// Equal reports whether two datasets hold identical observations in order.
func (d Dataset) Equal(other Dataset) bool {
	if len(d.obs) != len(other.obs) || len(d.y) != len(other.y) || d.scale != other.scale {
		return false
	}
	for i := range d.obs {
		if d.obs[i] != other.obs[i] {
			return false
		}
	}
	for i := range d.y {
		if d.y[i] != other.y[i] {
			return false
		}
	}
	return true
}

// withRTs returns a copy with the RT column replaced and no model-scale
// column. Callers guarantee len(rts) == d.Len() and positive values.
func (d Dataset) withRTs(rts []float64) Dataset {
	out := make([]Observation, len(d.obs))
	for i, o := range d.obs {
		o.RT = rts[i]
		out[i] = o
	}
	return Dataset{obs: out}
}

// appendRows returns a followed by b. When either carries a model-scale
// column the result carries one on the same scale for every row.
func appendRows(a, b Dataset) Dataset {
	obs := make([]Observation, 0, len(a.obs)+len(b.obs))
	obs = append(obs, a.obs...)
	obs = append(obs, b.obs...)
	out := Dataset{obs: obs}
	switch {
	case b.y != nil:
		out.scale = b.scale
	case a.y != nil:
		out.scale = a.scale
	default:
		return out
	}
	out.y = append(a.Response(out.scale), b.Response(out.scale)...)
	return out
}

// Standardized returns RTs as z-scores over the whole dataset.
func (d Dataset) Standardized() []float64 {
	rts := d.RTs()
	mean, sd := stat.MeanStdDev(rts, nil)
	out := make([]float64, len(rts))
	if sd == 0 || math.IsNaN(sd) {
		return out
	}
	for i, rt := range rts {
		out[i] = (rt - mean) / sd
	}
	return out
}

// CrossedWith reports whether every level of g observes both contrast
// conditions, i.e. condition varies within g and a by-g random slope for
// condition is meaningful.
func (d Dataset) CrossedWith(g GroupingFactor, c Contrast) bool {
	type seen struct{ a, b bool }
	levels := make(map[string]*seen)
	for _, o := range d.obs {
		s, ok := levels[o.Level(g)]
		if !ok {
			s = &seen{}
			levels[o.Level(g)] = s
		}
		switch o.Condition {
		case c.A:
			s.a = true
		case c.B:
			s.b = true
		}
	}
	if len(levels) == 0 {
		return false
	}
	for _, s := range levels {
		if !s.a || !s.b {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
