package main

import (
	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower"
	"github.com/alexshd/mixpower/internal/report"
)

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe [data.csv]",
		Short: "Summarise reaction times per condition and check crossing",
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
			desc := mixpower.Describe(d, a.cfg.Contrast())
			if a.jsonOut {
				return report.JSON(a.out, desc)
			}
			return a.printer().Description(desc, a.cfg.Contrast())
		},
	}
}
