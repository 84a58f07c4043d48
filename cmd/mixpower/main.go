// Command mixpower estimates power for crossed participant × item
// reaction-time designs by simulation from a fitted mixed model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mixpower",
		Short: "Simulation-based power analysis for mixed-model RT experiments",
		Long: `mixpower fits a linear mixed model to pilot reaction-time data, sets the
effect to the size you want to detect, and simulates larger designs to
estimate power as participants or items are added.

Settings come from mixpower.yaml (or --config), MIXPOWER_* environment
variables and command-line flags, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./mixpower.yaml if present)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newDescribeCmd(),
		newEffectCmd(),
		newSelectCmd(),
		newCurveCmd(),
		newRunsCmd(),
	)
	return rootCmd
}
