package mixpower

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat/distuv"
)

// CandidateStatus records what happened to one candidate structure.
type CandidateStatus string

const (
	CandidateExcluded  CandidateStatus = "excluded"  // slope on a non-crossed factor, never fitted
	CandidateFailed    CandidateStatus = "failed"    // fit did not converge
	CandidateConverged CandidateStatus = "converged" // usable
)

// CandidateResult is one row of a selection table.
type CandidateResult struct {
	Structure RandomEffectsStructure
	Status    CandidateStatus
	Reason    string
	Model     *FittedModel
	AIC       float64

	// Likelihood-ratio test against the best simpler nested candidate.
	NestedIn  string  // name of that simpler structure, "" if none
	ChiSquare float64 // deviance difference
	DF        int     // extra covariance parameters
	PValue    float64
}

// Selection is the outcome of Select.
type Selection struct {
	Best       *FittedModel
	Candidates []CandidateResult
}

// BestResult returns the table row of the chosen model.
func (s *Selection) BestResult() (CandidateResult, bool) {
	for _, c := range s.Candidates {
		if c.Model != nil && c.Model == s.Best {
			return c, true
		}
	}
	return CandidateResult{}, false
}

// Selector fits a list of random-effects structures and keeps the best.
type Selector struct {
	Fitter ModelFitter
	Logger *slog.Logger
}

// Select fits every candidate that the data can support and returns the
// converged one with the lowest AIC; ties go to the earlier candidate.
//
// Candidates with a random slope on a factor whose levels do not all see
// both contrast conditions are excluded without fitting. Convergence failures
// are recorded and skipped. When nothing converges the error is a
// *SelectionError wrapping ErrNoViableModel. Any other fit error aborts.
func (s *Selector) Select(ctx context.Context, data Dataset, base Formula, candidates []RandomEffectsStructure) (*Selection, error) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	sel := &Selection{Candidates: make([]CandidateResult, len(candidates))}
	bestIdx := -1

	for i, cand := range candidates {
		res := CandidateResult{Structure: cand}
		if reason, ok := excluded(data, base.Contrast, cand); ok {
			res.Status, res.Reason = CandidateExcluded, reason
			sel.Candidates[i] = res
			log.Info("candidate excluded", "structure", cand.Name, "reason", reason)
			continue
		}

		m, err := s.Fitter.Fit(ctx, data, base.WithRandom(cand))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !IsConvergence(err) {
				return nil, fmt.Errorf("fit candidate %s: %w", cand.Name, err)
			}
			res.Status, res.Reason = CandidateFailed, err.Error()
			sel.Candidates[i] = res
			log.Info("candidate failed", "structure", cand.Name, "reason", err)
			continue
		}

		res.Status, res.Model, res.AIC = CandidateConverged, m, m.AIC
		if m.Singular {
			res.Reason = "singular fit"
		}
		sel.Candidates[i] = res
		log.Info("candidate converged",
			"structure", cand.Name,
			"aic", m.AIC,
			"deviance", m.Deviance,
			"singular", m.Singular)
		if bestIdx < 0 || m.AIC < sel.Candidates[bestIdx].AIC {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		reasons := make([]string, len(candidates))
		for i, c := range sel.Candidates {
			reasons[i] = fmt.Sprintf("%s: %s (%s)", c.Structure.Name, c.Status, c.Reason)
		}
		return nil, &SelectionError{Reasons: reasons}
	}
	compareNested(sel.Candidates)
	sel.Best = sel.Candidates[bestIdx].Model
	return sel, nil
}

// excluded reports why a candidate cannot be fitted to data.
func excluded(data Dataset, c Contrast, s RandomEffectsStructure) (string, bool) {
	if err := s.Validate(); err != nil {
		return err.Error(), true
	}
	for _, t := range s.Terms {
		if t.Slope && !data.CrossedWith(t.Factor, c) {
			return fmt.Sprintf("condition does not vary within every %s, so a by-%s slope is not identifiable",
				t.Factor, t.Factor), true
		}
	}
	return "", false
}

// compareNested fills the LRT columns: each converged candidate is compared
// with the lowest-deviance converged candidate nested in it.
func compareNested(rows []CandidateResult) {
	for i := range rows {
		if rows[i].Status != CandidateConverged {
			continue
		}
		simpler := -1
		for j := range rows {
			if i == j || rows[j].Status != CandidateConverged {
				continue
			}
			if !rows[j].Structure.NestedIn(rows[i].Structure) {
				continue
			}
			if simpler < 0 || rows[j].Model.Deviance < rows[simpler].Model.Deviance {
				simpler = j
			}
		}
		if simpler < 0 {
			continue
		}
		chi := rows[simpler].Model.Deviance - rows[i].Model.Deviance
		if chi < 0 {
			chi = 0
		}
		df := rows[i].Structure.NumTheta() - rows[simpler].Structure.NumTheta()
		rows[i].NestedIn = rows[simpler].Structure.Name
		rows[i].ChiSquare = chi
		rows[i].DF = df
		rows[i].PValue = distuv.ChiSquared{K: float64(df)}.Survival(chi)
	}
}
