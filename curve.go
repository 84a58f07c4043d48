package mixpower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CurvePoint is the power estimate at one breakpoint.
type CurvePoint struct {
	Breakpoint  int         `json:"breakpoint"`  // levels of the swept factor
	Trials      int         `json:"trials"`      // trials attempted
	Effective   int         `json:"effective"`   // Trials - Discarded
	Significant int         `json:"significant"` // p <= alpha
	Discarded   int         `json:"discarded"`   // convergence or simulation failures
	SimFailed   int         `json:"sim_failed"`  // of Discarded, draws with no valid response
	Power       float64     `json:"power"`       // Significant / Effective, 0 if none
	Lower       float64     `json:"lower"`
	Upper       float64     `json:"upper"`
	DiscardRate float64     `json:"discard_rate"`
	Reliability Reliability `json:"reliability"`
}

// Curve is an ordered power curve plus the parameters that produced it.
type Curve struct {
	ID             string         `json:"id"`
	Factor         GroupingFactor `json:"factor"`
	Structure      string         `json:"structure"`
	Formula        string         `json:"formula"`
	Effect         string         `json:"effect"`
	EffectSize     float64        `json:"effect_size"` // base model estimate
	Alpha          float64        `json:"alpha"`
	Test           TestMethod     `json:"test"`
	Interval       IntervalMethod `json:"interval"`
	Confidence     float64        `json:"confidence"`
	TrialsPerPoint int            `json:"trials_per_point"`
	Seed           uint64         `json:"seed"`
	Started        time.Time      `json:"started"`
	Elapsed        time.Duration  `json:"elapsed"`
	FitP50         time.Duration  `json:"fit_p50"`
	FitP99         time.Duration  `json:"fit_p99"`
	Points         []CurvePoint   `json:"points"`
}

// LevelsFor returns the smallest breakpoint, linearly interpolated between
// neighbouring points, at which power reaches target. ok is false when no
// point reaches it.
func (c *Curve) LevelsFor(target float64) (levels float64, ok bool) {
	for i, p := range c.Points {
		if p.Power < target {
			continue
		}
		if i == 0 {
			return float64(p.Breakpoint), true
		}
		prev := c.Points[i-1]
		span := p.Power - prev.Power
		if span <= 0 {
			return float64(p.Breakpoint), true
		}
		frac := (target - prev.Power) / span
		return float64(prev.Breakpoint) + frac*float64(p.Breakpoint-prev.Breakpoint), true
	}
	return 0, false
}

// CurveConfig controls a power-curve run.
type CurveConfig struct {
	Factor          GroupingFactor // swept factor
	Breakpoints     []int          // strictly ascending, each >= 2
	TrialsPerPoint  int
	Alpha           float64
	Effect          string // fixed effect under test
	Test            TestMethod
	Interval        IntervalMethod
	Confidence      float64
	Workers         int // 0 = GOMAXPROCS
	Seed            uint64
	DiscardWarnRate float64
}

// DefaultCurveConfig sweeps 100 to 200 items in steps of 20 with 1000 trials
// per point.
func DefaultCurveConfig() CurveConfig {
	return CurveConfig{
		Factor:          Item,
		Breakpoints:     []int{100, 120, 140, 160, 180, 200},
		TrialsPerPoint:  1000,
		Alpha:           0.05,
		Effect:          FixedCondition,
		Test:            MethodLRT,
		Interval:        IntervalClopperPearson,
		Confidence:      0.95,
		Seed:            1,
		DiscardWarnRate: 0.10,
	}
}

// Validate checks cfg against the base formula.
func (cfg CurveConfig) Validate(base Formula) error {
	if !cfg.Factor.Valid() {
		return fmt.Errorf("unknown grouping factor %q", cfg.Factor)
	}
	if len(cfg.Breakpoints) == 0 {
		return errors.New("no breakpoints")
	}
	for i, b := range cfg.Breakpoints {
		if b < 2 {
			return fmt.Errorf("breakpoint %d is %d, need at least 2 levels", i, b)
		}
		if i > 0 && b <= cfg.Breakpoints[i-1] {
			return fmt.Errorf("breakpoints must be strictly ascending: %d after %d", b, cfg.Breakpoints[i-1])
		}
	}
	if cfg.TrialsPerPoint < 1 {
		return fmt.Errorf("trials per point must be positive, got %d", cfg.TrialsPerPoint)
	}
	if !(cfg.Alpha > 0 && cfg.Alpha < 1) {
		return fmt.Errorf("alpha must be in (0, 1), got %v", cfg.Alpha)
	}
	if !(cfg.Confidence > 0 && cfg.Confidence < 1) {
		return fmt.Errorf("confidence must be in (0, 1), got %v", cfg.Confidence)
	}
	if cfg.Effect == InterceptName || !base.HasFixed(cfg.Effect) {
		return fmt.Errorf("effect %q is not a testable fixed effect of %s", cfg.Effect, base)
	}
	if _, err := ParseTestMethod(string(cfg.Test)); err != nil {
		return err
	}
	if _, err := ParseIntervalMethod(string(cfg.Interval)); err != nil {
		return err
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	return nil
}

// TrialObserver receives trial and breakpoint completions. Calls arrive
// from worker goroutines and must be safe for concurrent use.
type TrialObserver interface {
	TrialDone(ctx context.Context, breakpoint int, r TrialResult)
	BreakpointDone(ctx context.Context, p CurvePoint)
}

// Runner sweeps breakpoints and estimates power at each.
type Runner struct {
	Fitter   ModelFitter
	Logger   *slog.Logger
	Observer TrialObserver // optional

	// ProgressInterval throttles progress logs; 0 means every 5s.
	ProgressInterval time.Duration
}

// bpState is the shared per-breakpoint aggregate. Only atomics are touched
// by workers.
type bpState struct {
	index       int
	levels      int
	design      *ExtendedDesign
	significant atomic.Int64
	discarded   atomic.Int64
	simFailed   atomic.Int64
	remaining   atomic.Int64
}

// Run extends base to every breakpoint and runs cfg.TrialsPerPoint trials at
// each. Any extension error aborts the run. Trial failures other than
// cancellation are counted as discards.
func (r *Runner) Run(ctx context.Context, base *FittedModel, structure RandomEffectsStructure, cfg CurveConfig) (*Curve, error) {
	if err := cfg.Validate(base.Formula); err != nil {
		return nil, fmt.Errorf("curve config: %w", err)
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.Test, _ = ParseTestMethod(string(cfg.Test))
	cfg.Interval, _ = ParseIntervalMethod(string(cfg.Interval))
	if cfg.DiscardWarnRate <= 0 {
		cfg.DiscardWarnRate = DefaultAssessor().WarnDiscardRate
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	curve := &Curve{
		ID:             uuid.New().String(),
		Factor:         cfg.Factor,
		Structure:      structure.Name,
		Formula:        base.Formula.WithRandom(structure).String(),
		Effect:         cfg.Effect,
		Alpha:          cfg.Alpha,
		Test:           cfg.Test,
		Interval:       cfg.Interval,
		Confidence:     cfg.Confidence,
		TrialsPerPoint: cfg.TrialsPerPoint,
		Seed:           cfg.Seed,
		Started:        time.Now(),
	}
	curve.EffectSize, _ = base.Coef(cfg.Effect)

	// ========================================
	// Phase I: extend the design per breakpoint
	// ========================================
	ext := &Extender{Fitter: r.Fitter, Logger: log}
	states := make([]*bpState, len(cfg.Breakpoints))
	for i, b := range cfg.Breakpoints {
		d, err := ext.Extend(ctx, base, cfg.Factor, b, structure, BreakpointSeed(cfg.Seed, i))
		if err != nil {
			return nil, fmt.Errorf("breakpoint %d (%d levels): %w", i, b, err)
		}
		st := &bpState{index: i, levels: b, design: d}
		st.remaining.Store(int64(cfg.TrialsPerPoint))
		states[i] = st
	}

	// ========================================
	// Phase II: run every trial on a bounded pool
	// ========================================
	sim := &Simulator{Fitter: r.Fitter, Test: cfg.Test, Alpha: cfg.Alpha}
	interval := r.ProgressInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	progress := rate.Sometimes{Interval: interval}
	total := int64(len(states) * cfg.TrialsPerPoint)
	var done atomic.Int64
	latency := NewFitLatencyTracker(1000)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	log.Info("power curve started",
		"factor", cfg.Factor,
		"breakpoints", len(states),
		"trials", cfg.TrialsPerPoint,
		"test", cfg.Test,
		"workers", workers)

schedule:
	for _, st := range states {
		log.Debug("breakpoint scheduled", "levels", st.levels, "rows", st.design.Data.Len())
		for t := 0; t < cfg.TrialsPerPoint; t++ {
			if gctx.Err() != nil {
				break schedule
			}
			g.Go(func() error {
				seed := TrialSeed(cfg.Seed, st.index, t)
				res, err := sim.RunTrial(gctx, st.design.Model, structure, cfg.Effect, seed)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					res = TrialResult{Seed: seed, Discarded: true, Cause: DiscardError, Reason: err.Error()}
				}
				switch {
				case res.Discarded:
					st.discarded.Add(1)
					if res.Cause == DiscardSimulation {
						st.simFailed.Add(1)
					}
					log.Debug("trial discarded", "levels", st.levels, "seed", seed, "reason", res.Reason)
				case res.Significant:
					st.significant.Add(1)
				}
				if res.FitTime > 0 {
					latency.Record(res.FitTime)
				}
				if r.Observer != nil {
					r.Observer.TrialDone(gctx, st.levels, res)
				}
				n := done.Add(1)
				progress.Do(func() {
					log.Info("power curve progress", "done", n, "total", total)
				})
				if st.remaining.Add(-1) == 0 {
					r.finishBreakpoint(gctx, log, st, cfg)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	curve.Points = make([]CurvePoint, len(states))
	for i, st := range states {
		curve.Points[i] = point(st, cfg)
	}
	curve.Elapsed = time.Since(curve.Started)
	ls := latency.Stats()
	curve.FitP50, curve.FitP99 = ls.P50, ls.P99
	log.Info("power curve finished",
		"id", curve.ID,
		"elapsed", curve.Elapsed.Round(time.Millisecond),
		"fit_p50", ls.P50,
		"fit_p99", ls.P99)
	if ls.TailRatio > 10 {
		log.Warn("refit latency dominated by a few slow fits",
			"tail_ratio", ls.TailRatio,
			"max", ls.Max)
	}
	return curve, nil
}

func (r *Runner) finishBreakpoint(ctx context.Context, log *slog.Logger, st *bpState, cfg CurveConfig) {
	p := point(st, cfg)
	attrs := []any{
		"levels", p.Breakpoint,
		"power", p.Power,
		"lower", p.Lower,
		"upper", p.Upper,
		"effective", p.Effective,
	}
	if p.DiscardRate > cfg.DiscardWarnRate {
		log.Warn("high discard rate", append(attrs,
			"discarded", p.Discarded,
			"sim_failed", p.SimFailed,
			"rate", p.DiscardRate)...)
	} else {
		log.Info("breakpoint finished", attrs...)
	}
	if r.Observer != nil {
		r.Observer.BreakpointDone(ctx, p)
	}
}

func point(st *bpState, cfg CurveConfig) CurvePoint {
	trials := cfg.TrialsPerPoint
	sig := int(st.significant.Load())
	disc := int(st.discarded.Load())
	p := CurvePoint{
		Breakpoint:  st.levels,
		Trials:      trials,
		Effective:   trials - disc,
		Significant: sig,
		Discarded:   disc,
		SimFailed:   int(st.simFailed.Load()),
		DiscardRate: float64(disc) / float64(trials),
	}
	if p.Effective > 0 {
		p.Power = float64(sig) / float64(p.Effective)
	}
	p.Lower, p.Upper = cfg.Interval.Interval(sig, p.Effective, cfg.Confidence)

	a := DefaultAssessor()
	a.WarnDiscardRate = cfg.DiscardWarnRate
	p.Reliability = a.Assess(p)
	return p
}
