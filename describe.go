package mixpower

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ConditionSummary describes the RT distribution of one condition.
//
// Reaction times are right-skewed. TailRatio = P99/P50 is the quick check:
// around 2 for typical lexical-decision data, well above 3 when outliers
// (lapses, timeouts) dominate the mean and a log or inverse response is the
// better model scale.
type ConditionSummary struct {
	Condition string  `json:"condition"`
	N         int     `json:"n"`
	Mean      float64 `json:"mean"`
	SD        float64 `json:"sd"`
	P50       float64 `json:"p50"`
	P99       float64 `json:"p99"`
	TailRatio float64 `json:"tail_ratio"`
}

// Description summarises a dataset before modelling.
type Description struct {
	N            int                `json:"n"`
	Participants int                `json:"participants"`
	Items        int                `json:"items"`
	Conditions   []ConditionSummary `json:"conditions"`

	// Crossed reports per factor whether every level saw both contrast
	// conditions.
	Crossed map[GroupingFactor]bool `json:"crossed"`

	Effect    float64 `json:"effect"`
	HasEffect bool    `json:"has_effect"` // false when a contrast subset is empty
}

// Describe summarises d under contrast c.
func Describe(d Dataset, c Contrast) Description {
	desc := Description{
		N:            d.Len(),
		Participants: len(d.Levels(Participant)),
		Items:        len(d.Levels(Item)),
		Crossed: map[GroupingFactor]bool{
			Participant: d.CrossedWith(Participant, c),
			Item:        d.CrossedWith(Item, c),
		},
	}

	byCond := make(map[string][]float64)
	for _, o := range d.obs {
		byCond[o.Condition] = append(byCond[o.Condition], o.RT)
	}
	for _, cond := range d.Conditions() {
		desc.Conditions = append(desc.Conditions, summarise(cond, byCond[cond]))
	}

	if eff, err := MeasureContrast(d, c); err == nil {
		desc.Effect, desc.HasEffect = eff, true
	}
	return desc
}

func summarise(cond string, rts []float64) ConditionSummary {
	sorted := make([]float64, len(rts))
	copy(sorted, rts)
	sort.Float64s(sorted)

	s := ConditionSummary{Condition: cond, N: len(sorted)}
	if len(sorted) == 0 {
		return s
	}
	s.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		s.SD = stat.StdDev(sorted, nil)
	}
	s.P50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	s.P99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	if s.P50 > 0 {
		s.TailRatio = s.P99 / s.P50
	} else {
		s.TailRatio = 1
	}
	return s
}
