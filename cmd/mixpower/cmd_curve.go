package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower"
	"github.com/alexshd/mixpower/internal/dataio"
	"github.com/alexshd/mixpower/internal/report"
	"github.com/alexshd/mixpower/internal/telemetry"
)

func newCurveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curve [data.csv]",
		Short: "Estimate a power curve over participants or items",
		Long: `curve runs the whole analysis: load (or synthesise) data, set the effect,
select the random-effects structure, then simulate and refit at every
breakpoint. Results are stored when a store is configured.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := applyCurveFlags(cmd, a); err != nil {
				return err
			}
			return runCurve(cmd.Context(), cmd, a, args)
		},
	}
	cmd.Flags().Float64("target", 0, "Set the effect to this size (ms) before fitting")
	cmd.Flags().String("factor", "", "Grouping factor to sweep: participant or item")
	cmd.Flags().IntSlice("breakpoints", nil, "Levels of the swept factor, ascending")
	cmd.Flags().Int("trials", 0, "Trials per breakpoint")
	cmd.Flags().Int("workers", 0, "Concurrent trials (0 = GOMAXPROCS)")
	cmd.Flags().Uint64("seed", 0, "Base seed")
	cmd.Flags().String("test", "", "Significance test: lrt, wald-z, wald-t")
	cmd.Flags().String("interval", "", "Power interval: clopper-pearson, wilson")
	cmd.Flags().Float64("alpha", 0, "Significance level")
	cmd.Flags().String("structure", "", "Skip selection and use this random-effects structure")
	cmd.Flags().Bool("synthetic", false, "Use the built-in synthetic priming design instead of a CSV")
	cmd.Flags().Float64("power", 0.8, "Target power for the planning summary")
	cmd.Flags().String("csv", "", "Also write the curve as CSV to this path")
	return cmd
}

func applyCurveFlags(cmd *cobra.Command, a *app) error {
	f := cmd.Flags()
	if f.Changed("target") {
		v, _ := f.GetFloat64("target")
		a.cfg.Effect.Target = &v
	}
	if f.Changed("factor") {
		a.cfg.Curve.Factor, _ = f.GetString("factor")
	}
	if f.Changed("breakpoints") {
		a.cfg.Curve.Breakpoints, _ = f.GetIntSlice("breakpoints")
	}
	if f.Changed("trials") {
		a.cfg.Curve.Trials, _ = f.GetInt("trials")
	}
	if f.Changed("workers") {
		a.cfg.Curve.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("seed") {
		a.cfg.Curve.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("test") {
		a.cfg.Curve.Test, _ = f.GetString("test")
	}
	if f.Changed("interval") {
		a.cfg.Curve.Interval, _ = f.GetString("interval")
	}
	if f.Changed("alpha") {
		a.cfg.Curve.Alpha, _ = f.GetFloat64("alpha")
	}
	return a.cfg.Validate()
}

func runCurve(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	cc, err := a.cfg.CurveConfig()
	if err != nil {
		return err
	}

	var data mixpower.Dataset
	if synth, _ := cmd.Flags().GetBool("synthetic"); synth {
		design := mixpower.DefaultSyntheticDesign()
		design.Contrast = a.cfg.Contrast()
		data, _, err = design.Generate(rand.New(rand.NewPCG(cc.Seed, 0x73796e)))
		if err != nil {
			return err
		}
		a.log.Info("synthetic data generated",
			"participants", design.Participants,
			"items", design.Items,
			"effect", design.Params.Effect)
	} else if data, err = a.loadData(args); err != nil {
		return err
	}
	if data, err = a.applyTarget(data); err != nil {
		return err
	}

	fitter := a.fitter()
	var base *mixpower.FittedModel
	if name, _ := cmd.Flags().GetString("structure"); name != "" {
		s, err := mixpower.ParseStructure(name)
		if err != nil {
			return err
		}
		if base, err = fitter.Fit(ctx, data, a.cfg.Formula(s)); err != nil {
			return fmt.Errorf("fitting %s: %w", s.Name, err)
		}
	} else {
		sel, err := a.selectModel(ctx, data, fitter)
		if err != nil {
			return err
		}
		base = sel.Best
	}

	mp, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: a.cfg.Telemetry.Endpoint,
		Insecure: a.cfg.Telemetry.Insecure,
		Interval: a.cfg.Telemetry.Interval,
		Version:  version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		return err
	}

	runner := &mixpower.Runner{Fitter: fitter, Logger: a.log, Observer: metrics}
	curve, err := runner.Run(ctx, base, base.Structure(), cc)
	if err != nil {
		return err
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
		if err := st.SaveModel(ctx, base); err != nil {
			return err
		}
		if err := st.SaveCurve(ctx, curve, base.ID); err != nil {
			return err
		}
		a.log.Info("curve saved", "id", curve.ID, "store", st.Path())
	}

	if path, _ := cmd.Flags().GetString("csv"); path != "" {
		if err := a.writeFile(path, func(w io.Writer) error { return dataio.WriteCurve(w, curve) }); err != nil {
			return err
		}
	}
	if a.jsonOut {
		return report.JSON(a.out, curve)
	}
	target, _ := cmd.Flags().GetFloat64("power")
	return a.printer().Curve(curve, target)
}
