package mixpower

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// SyntheticDesign generates a fully crossed priming experiment with known
// parameters. Every participant responds to every item once; conditions are
// counterbalanced so condition varies within both participants and items.
type SyntheticDesign struct {
	Participants int
	Items        int
	Contrast     Contrast
	Structure    RandomEffectsStructure
	Response     Response
	Params       KnownParams
}

// DefaultSyntheticDesign mirrors a typical masked-priming study: 40
// participants, 80 items, a 500 ms baseline and a 15 ms priming effect.
func DefaultSyntheticDesign() SyntheticDesign {
	return SyntheticDesign{
		Participants: 40,
		Items:        80,
		Contrast:     PrimingContrast,
		Structure:    SlopesByBoth(),
		Response:     ResponseRT,
		Params: KnownParams{
			Intercept:     500,
			Effect:        15,
			Sigma:         60,
			ParticipantSD: [2]float64{50, 10},
			ItemSD:        [2]float64{20, 5},
			Corr:          0.2,
		},
	}
}

// Formula is the generating formula, fitted by REML.
func (s SyntheticDesign) Formula() Formula {
	f := DefaultFormula(s.Structure)
	f.Contrast = s.Contrast
	if s.Response != "" {
		f.Response = s.Response
	}
	return f
}

// Generate draws a dataset and returns it with the generating model.
func (s SyntheticDesign) Generate(rng *rand.Rand) (Dataset, *FittedModel, error) {
	if s.Participants < 2 || s.Items < 2 {
		return Dataset{}, nil, fmt.Errorf("synthetic design needs at least 2 participants and 2 items, got %d and %d",
			s.Participants, s.Items)
	}
	pw := len(strconv.Itoa(s.Participants))
	iw := len(strconv.Itoa(s.Items))
	obs := make([]Observation, 0, s.Participants*s.Items)
	for p := 0; p < s.Participants; p++ {
		for i := 0; i < s.Items; i++ {
			cond := s.Contrast.A
			if (p+i)%2 == 1 {
				cond = s.Contrast.B
			}
			obs = append(obs, Observation{
				Participant: fmt.Sprintf("p%0*d", pw, p+1),
				Item:        fmt.Sprintf("i%0*d", iw, i+1),
				Condition:   cond,
				RT:          1, // replaced below
			})
		}
	}
	design, err := NewDataset(obs)
	if err != nil {
		return Dataset{}, nil, err
	}
	m, err := NewKnownModel(design, s.Formula(), s.Params, rng)
	if err != nil {
		return Dataset{}, nil, err
	}
	data, err := simulateResponses(m, design, m.RanEf, rng)
	if err != nil {
		return Dataset{}, nil, err
	}
	return data, m.withData(data, m.RanEf), nil
}
