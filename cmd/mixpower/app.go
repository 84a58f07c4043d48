package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexshd/mixpower"
	"github.com/alexshd/mixpower/internal/config"
	"github.com/alexshd/mixpower/internal/dataio"
	"github.com/alexshd/mixpower/internal/logging"
	"github.com/alexshd/mixpower/internal/report"
	"github.com/alexshd/mixpower/internal/store"
)

// app is the per-invocation state shared by subcommands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	jsonOut bool
	out     io.Writer
}

// newApp loads configuration, applies global flags and builds the logger.
// Logs go to stderr so stdout stays clean for tables, JSON and CSV.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	return &app{
		cfg:     cfg,
		log:     logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr()),
		jsonOut: jsonOut,
		out:     cmd.OutOrStdout(),
	}, nil
}

// loadData reads the CSV named by args[0] or the configured data path.
func (a *app) loadData(args []string) (mixpower.Dataset, error) {
	path := a.cfg.Data.Path
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return mixpower.Dataset{}, errors.New("no data file: pass a CSV path or set data.path / MIXPOWER_DATA")
	}
	d, stats, err := dataio.LoadFile(path, dataio.Options{
		Columns: dataio.Columns{
			Participant: a.cfg.Data.Participant,
			Item:        a.cfg.Data.Item,
			Condition:   a.cfg.Data.Condition,
			RT:          a.cfg.Data.RT,
		},
		MinRT: a.cfg.Data.MinRT,
		MaxRT: a.cfg.Data.MaxRT,
	})
	if err != nil {
		return mixpower.Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	attrs := []any{"path", path, "rows", stats.Rows, "kept", stats.Kept}
	if stats.Dropped() > 0 {
		a.log.Warn("rows dropped while loading",
			append(attrs, "missing", stats.MissingValue, "bad_rt", stats.BadRT, "out_of_bounds", stats.OutOfBounds)...)
	} else {
		a.log.Info("data loaded", attrs...)
	}
	return d, nil
}

// applyTarget sets the effect to the configured target, if any.
func (a *app) applyTarget(d mixpower.Dataset) (mixpower.Dataset, error) {
	if a.cfg.Effect.Target == nil {
		return d, nil
	}
	c := a.cfg.Contrast()
	before, err := mixpower.MeasureContrast(d, c)
	if err != nil {
		return mixpower.Dataset{}, err
	}
	out, err := mixpower.SetEffect(d, a.cfg.ShiftCondition(), *a.cfg.Effect.Target, c.A, c.B)
	if err != nil {
		return mixpower.Dataset{}, err
	}
	a.log.Info("effect set",
		"contrast", c.String(),
		"shift", a.cfg.ShiftCondition(),
		"from", before,
		"to", *a.cfg.Effect.Target)
	return out, nil
}

func (a *app) fitter() *mixpower.LMMFitter {
	f := mixpower.NewLMMFitter(a.cfg.Fitter())
	f.Logger = a.log
	return f
}

// selectModel sweeps the configured candidates.
func (a *app) selectModel(ctx context.Context, d mixpower.Dataset, f mixpower.ModelFitter) (*mixpower.Selection, error) {
	cands, err := a.cfg.Candidates()
	if err != nil {
		return nil, err
	}
	sel := &mixpower.Selector{Fitter: f, Logger: a.log}
	return sel.Select(ctx, d, a.cfg.Formula(cands[0]), cands)
}

// openStore opens the configured results database; nil when disabled.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.cfg.Store.Path == "" {
		return nil, nil
	}
	return store.Open(ctx, a.cfg.Store.Path)
}

func (a *app) printer() *report.Printer { return report.New(a.out) }

// writeFile creates path ("-" is stdout) and runs write on it.
func (a *app) writeFile(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(a.out)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
