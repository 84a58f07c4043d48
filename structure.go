package mixpower

import (
	"fmt"
	"strings"
)

// RandomTerm is one "(... | factor)" block of a mixed-model formula.
type RandomTerm struct {
	Factor    GroupingFactor `json:"factor"`
	Intercept bool           `json:"intercept"`
	Slope     bool           `json:"slope"` // by-factor random slope for condition
}

// Dim is the number of random coefficients per level.
func (t RandomTerm) Dim() int {
	n := 0
	if t.Intercept {
		n++
	}
	if t.Slope {
		n++
	}
	return n
}

func (t RandomTerm) String() string {
	switch {
	case t.Intercept && t.Slope:
		return fmt.Sprintf("(1 + condition | %s)", t.Factor)
	case t.Slope:
		return fmt.Sprintf("(0 + condition | %s)", t.Factor)
	default:
		return fmt.Sprintf("(1 | %s)", t.Factor)
	}
}

// RandomEffectsStructure is an ordered list of random terms, at most one per
// grouping factor.
type RandomEffectsStructure struct {
	Name  string       `json:"name"`
	Terms []RandomTerm `json:"terms"`
}

// Structure names, maximal first.
const (
	StructureSlopesByBoth           = "slopes-by-both"
	StructureSlopeByParticipant     = "slope-by-participant"
	StructureSlopeByItem            = "slope-by-item"
	StructureInterceptByBoth        = "intercept-by-both"
	StructureInterceptByParticipant = "intercept-by-participant"
	StructureInterceptByItem        = "intercept-by-item"
)

// InterceptByItem is (1 | item).
func InterceptByItem() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureInterceptByItem, Terms: []RandomTerm{
		{Factor: Item, Intercept: true},
	}}
}

// InterceptByParticipant is (1 | participant).
func InterceptByParticipant() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureInterceptByParticipant, Terms: []RandomTerm{
		{Factor: Participant, Intercept: true},
	}}
}

// InterceptByBoth is (1 | participant) + (1 | item).
func InterceptByBoth() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureInterceptByBoth, Terms: []RandomTerm{
		{Factor: Participant, Intercept: true},
		{Factor: Item, Intercept: true},
	}}
}

// SlopeByParticipant is (1 + condition | participant) + (1 | item).
func SlopeByParticipant() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureSlopeByParticipant, Terms: []RandomTerm{
		{Factor: Participant, Intercept: true, Slope: true},
		{Factor: Item, Intercept: true},
	}}
}

// SlopeByItem is (1 | participant) + (1 + condition | item).
func SlopeByItem() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureSlopeByItem, Terms: []RandomTerm{
		{Factor: Participant, Intercept: true},
		{Factor: Item, Intercept: true, Slope: true},
	}}
}

// SlopesByBoth is the maximal structure.
func SlopesByBoth() RandomEffectsStructure {
	return RandomEffectsStructure{Name: StructureSlopesByBoth, Terms: []RandomTerm{
		{Factor: Participant, Intercept: true, Slope: true},
		{Factor: Item, Intercept: true, Slope: true},
	}}
}

// DefaultCandidates returns every named structure, maximal first.
func DefaultCandidates() []RandomEffectsStructure {
	return []RandomEffectsStructure{
		SlopesByBoth(),
		SlopeByParticipant(),
		SlopeByItem(),
		InterceptByBoth(),
		InterceptByParticipant(),
		InterceptByItem(),
	}
}

// ParseStructure resolves a kebab-case structure name.
func ParseStructure(name string) (RandomEffectsStructure, error) {
	for _, s := range DefaultCandidates() {
		if s.Name == name {
			return s, nil
		}
	}
	return RandomEffectsStructure{}, fmt.Errorf("unknown random-effects structure %q", name)
}

// Validate checks that terms are non-empty, use known factors and do not
// repeat a factor.
func (s RandomEffectsStructure) Validate() error {
	if len(s.Terms) == 0 {
		return fmt.Errorf("structure %q has no random terms", s.Name)
	}
	seen := make(map[GroupingFactor]bool)
	for _, t := range s.Terms {
		if !t.Factor.Valid() {
			return fmt.Errorf("structure %q: unknown grouping factor %q", s.Name, t.Factor)
		}
		if t.Dim() == 0 {
			return fmt.Errorf("structure %q: empty term for %s", s.Name, t.Factor)
		}
		if seen[t.Factor] {
			return fmt.Errorf("structure %q: factor %s appears twice", s.Name, t.Factor)
		}
		seen[t.Factor] = true
	}
	return nil
}

// Term returns the term for factor g, if any.
func (s RandomEffectsStructure) Term(g GroupingFactor) (RandomTerm, bool) {
	for _, t := range s.Terms {
		if t.Factor == g {
			return t, true
		}
	}
	return RandomTerm{}, false
}

// HasSlope reports whether the structure has a random slope on g.
func (s RandomEffectsStructure) HasSlope(g GroupingFactor) bool {
	t, ok := s.Term(g)
	return ok && t.Slope
}

// NumTheta is the number of covariance parameters (lower-triangular entries).
func (s RandomEffectsStructure) NumTheta() int {
	n := 0
	for _, t := range s.Terms {
		k := t.Dim()
		n += k * (k + 1) / 2
	}
	return n
}

// Equal compares terms; names are ignored.
func (s RandomEffectsStructure) Equal(o RandomEffectsStructure) bool {
	if len(s.Terms) != len(o.Terms) {
		return false
	}
	for i := range s.Terms {
		if s.Terms[i] != o.Terms[i] {
			return false
		}
	}
	return true
}

// NestedIn reports whether every random coefficient of s is also in o and o
// is strictly larger, i.e. s is a simpler model nested in o.
func (s RandomEffectsStructure) NestedIn(o RandomEffectsStructure) bool {
	if s.NumTheta() >= o.NumTheta() {
		return false
	}
	for _, t := range s.Terms {
		ot, ok := o.Term(t.Factor)
		if !ok {
			return false
		}
		if (t.Intercept && !ot.Intercept) || (t.Slope && !ot.Slope) {
			return false
		}
	}
	return true
}

func (s RandomEffectsStructure) String() string {
	parts := make([]string, len(s.Terms))
	for i, t := range s.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " + ")
}

// Formula is the full model specification handed to a ModelFitter.
type Formula struct {
	Response Response               `json:"response"`
	Fixed    []string               `json:"fixed"` // subset of {"condition"}; intercept implied
	Random   RandomEffectsStructure `json:"random"`
	Family   string                 `json:"family"`
	Contrast Contrast               `json:"contrast"`
	REML     bool                   `json:"reml"`
}

// FixedCondition is the only fixed-effect predictor.
const FixedCondition = "condition"

// InterceptName labels the intercept coefficient.
const InterceptName = "(Intercept)"

// FamilyGaussian is the only implemented family.
const FamilyGaussian = "gaussian"

// DefaultFormula is rt ~ condition + random, gaussian, priming contrast, REML.
func DefaultFormula(random RandomEffectsStructure) Formula {
	return Formula{
		Response: ResponseRT,
		Fixed:    []string{FixedCondition},
		Random:   random,
		Family:   FamilyGaussian,
		Contrast: PrimingContrast,
		REML:     true,
	}
}

// HasFixed reports whether name is a fixed effect of f.
func (f Formula) HasFixed(name string) bool {
	if name == InterceptName {
		return true
	}
	for _, n := range f.Fixed {
		if n == name {
			return true
		}
	}
	return false
}

// FixedNames lists coefficient names in design-matrix order.
func (f Formula) FixedNames() []string {
	names := []string{InterceptName}
	if f.HasFixed(FixedCondition) {
		names = append(names, FixedCondition)
	}
	return names
}

// WithRandom returns a copy using structure s.
func (f Formula) WithRandom(s RandomEffectsStructure) Formula {
	f.Random = s
	return f
}

// WithoutFixed returns a copy with the named fixed effect dropped.
func (f Formula) WithoutFixed(name string) Formula {
	kept := make([]string, 0, len(f.Fixed))
	for _, n := range f.Fixed {
		if n != name {
			kept = append(kept, n)
		}
	}
	f.Fixed = kept
	return f
}

// WithREML returns a copy with the REML flag set to reml.
func (f Formula) WithREML(reml bool) Formula {
	f.REML = reml
	return f
}

// Validate checks the formula against what LMMFitter can fit.
func (f Formula) Validate() error {
	if _, err := ParseResponse(string(f.Response)); err != nil {
		return err
	}
	for _, n := range f.Fixed {
		if n != FixedCondition {
			return fmt.Errorf("unsupported fixed effect %q", n)
		}
	}
	if f.Family != "" && f.Family != FamilyGaussian {
		return fmt.Errorf("family %q is not implemented (only %s)", f.Family, FamilyGaussian)
	}
	if err := f.Contrast.Valid(); err != nil {
		return err
	}
	return f.Random.Validate()
}

// String renders lme4-style text, e.g.
// rt ~ condition + (1 + condition | participant) + (1 | item).
func (f Formula) String() string {
	resp := string(f.Response)
	if resp == "" {
		resp = string(ResponseRT)
	}
	fixed := "1"
	if len(f.Fixed) > 0 {
		fixed = strings.Join(f.Fixed, " + ")
	}
	s := resp + " ~ " + fixed
	if len(f.Random.Terms) > 0 {
		s += " + " + f.Random.String()
	}
	return s
}
