package mixpower

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DiscardCause says why a trial did not count.
type DiscardCause string

const (
	DiscardConvergence DiscardCause = "convergence" // refit failed
	DiscardSimulation  DiscardCause = "simulation"  // draw had no valid response
	DiscardError       DiscardCause = "error"       // other trial error, runner only
)

// TrialResult is the outcome of one simulate-refit-test cycle.
type TrialResult struct {
	Seed        uint64
	Significant bool
	PValue      float64
	Estimate    float64
	Discarded   bool
	Cause       DiscardCause
	Reason      string // why the trial was discarded
	FitTime     time.Duration
}

// Simulator runs single power trials.
type Simulator struct {
	Fitter ModelFitter
	Test   TestMethod
	// Alpha is the significance level, in (0, 1). Zero means 0.05; any
	// other value outside the interval makes RunTrial fail.
	Alpha float64
}

// RunTrial simulates responses from m with a generator seeded by seed, refits
// with structure and tests effect. Convergence failures and draws with no
// valid response on a log or inverse scale are returned as discarded trials
// with a nil error. Any other error, including context cancellation, is
// returned.
func (s *Simulator) RunTrial(ctx context.Context, m *FittedModel, structure RandomEffectsStructure, effect string, seed uint64) (TrialResult, error) {
	res := TrialResult{Seed: seed}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	alpha, err := s.alpha()
	if err != nil {
		return res, err
	}

	rng := newTrialRand(seed)
	sim, err := s.Fitter.Simulate(m, rng)
	if err != nil {
		if errors.Is(err, ErrSimulation) {
			res.Discarded, res.Cause, res.Reason = true, DiscardSimulation, err.Error()
			return res, nil
		}
		return res, fmt.Errorf("simulate: %w", err)
	}

	start := time.Now()
	_, out, err := s.Test.Test(ctx, s.Fitter, sim, m.Formula.WithRandom(structure), effect)
	res.FitTime = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if IsConvergence(err) {
			res.Discarded, res.Cause, res.Reason = true, DiscardConvergence, err.Error()
			return res, nil
		}
		return res, fmt.Errorf("refit %s: %w", structure.Name, err)
	}
	res.PValue = out.PValue
	res.Estimate = out.Estimate
	res.Significant = out.PValue <= alpha
	return res, nil
}

func (s *Simulator) alpha() (float64, error) {
	switch {
	case s.Alpha == 0:
		return 0.05, nil
	case s.Alpha > 0 && s.Alpha < 1:
		return s.Alpha, nil
	}
	return 0, fmt.Errorf("alpha must be in (0, 1), got %v", s.Alpha)
}
