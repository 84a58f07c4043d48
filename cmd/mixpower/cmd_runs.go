package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower/internal/report"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse stored power curves",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored curves, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("no store configured (store.path / MIXPOWER_STORE)")
			}
			defer st.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := st.ListCurves(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return report.JSON(a.out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.out, "No stored curves.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(a.out, "%s  %s  %-6s %2d points × %d trials  seed %d  %s\n",
					r.ID, r.Created.Local().Format("2006-01-02 15:04"), r.Factor,
					r.Points, r.TrialsPerPoint, r.Seed, r.Formula)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum curves to list (0 = all)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <curve-id>",
		Short: "Show a stored curve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("no store configured (store.path / MIXPOWER_STORE)")
			}
			defer st.Close()

			c, err := st.LoadCurve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return report.JSON(a.out, c)
			}
			target, _ := cmd.Flags().GetFloat64("power")
			return a.printer().Curve(c, target)
		},
	}
	cmd.Flags().Float64("power", 0.8, "Target power for the planning summary")
	return cmd
}
