package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower"
	"github.com/alexshd/mixpower/internal/dataio"
	"github.com/alexshd/mixpower/internal/report"
)

func newEffectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "effect",
		Short: "Measure or set the condition effect",
	}
	cmd.AddCommand(newEffectMeasureCmd(), newEffectSetCmd())
	return cmd
}

func newEffectMeasureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "measure [data.csv]",
		Short: "Print mean(A) - mean(B) for the configured contrast",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			d, err := a.loadData(args)
			if err != nil {
				return err
			}
			c := a.cfg.Contrast()
			eff, err := mixpower.MeasureContrast(d, c)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return report.JSON(a.out, map[string]any{"contrast": c, "effect": eff})
			}
			fmt.Fprintf(a.out, "%s = %.2f ms\n", c, eff)
			return nil
		},
	}
}

func newEffectSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [data.csv]",
		Short: "Shift one condition so the effect equals --target and write the data",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("target") {
				v, _ := cmd.Flags().GetFloat64("target")
				a.cfg.Effect.Target = &v
			}
			if s, _ := cmd.Flags().GetString("shift"); s != "" {
				a.cfg.Effect.Shift = s
			}
			if a.cfg.Effect.Target == nil {
				return fmt.Errorf("no target effect: pass --target or set effect.target")
			}
			d, err := a.loadData(args)
			if err != nil {
				return err
			}
			adjusted, err := a.applyTarget(d)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			return a.writeFile(out, func(w io.Writer) error {
				return dataio.WriteDataset(w, adjusted)
			})
		},
	}
	cmd.Flags().Float64("target", 0, "Target effect in ms (mean A - mean B)")
	cmd.Flags().String("shift", "", "Condition to translate (default: B of the contrast)")
	cmd.Flags().StringP("out", "o", "-", "Output CSV path, - for stdout")
	return cmd
}
