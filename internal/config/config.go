// Package config loads mixpower run settings from YAML and the environment.
// Order: defaults -> config file -> MIXPOWER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alexshd/mixpower"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read by Load when no path is given and the file exists.
const DefaultFile = "mixpower.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MIXPOWER"

// Config contains all mixpower settings.
type Config struct {
	Data      DataConfig      `json:"data" yaml:"data"`
	Effect    EffectConfig    `json:"effect" yaml:"effect"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Curve     CurveConfig     `json:"curve" yaml:"curve"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DataConfig describes the input CSV.
type DataConfig struct {
	// Path of the CSV file with a header row.
	Path string `json:"path" yaml:"path"`

	// Column names for the four required fields.
	Participant string `json:"participant" yaml:"participant"`
	Item        string `json:"item" yaml:"item"`
	Condition   string `json:"condition" yaml:"condition"`
	RT          string `json:"rt" yaml:"rt"`

	// Optional RT bounds in ms; rows outside are dropped. 0 disables a bound.
	MinRT float64 `json:"min_rt" yaml:"min_rt"`
	MaxRT float64 `json:"max_rt" yaml:"max_rt"`
}

// EffectConfig fixes the contrast and the optional target effect.
type EffectConfig struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`

	// Target effect in ms. Nil keeps the observed effect.
	Target *float64 `json:"target,omitempty" yaml:"target,omitempty"`

	// Shift names the condition whose RTs are translated ("" = B).
	Shift string `json:"shift,omitempty" yaml:"shift,omitempty"`
}

// ModelConfig configures fitting and structure selection.
type ModelConfig struct {
	Response          string        `json:"response" yaml:"response"`
	REML              bool          `json:"reml" yaml:"reml"`
	Candidates        []string      `json:"candidates" yaml:"candidates"`
	MaxIterations     int           `json:"max_iterations" yaml:"max_iterations"`
	MaxEvaluations    int           `json:"max_evaluations" yaml:"max_evaluations"`
	MaxFitDuration    time.Duration `json:"max_fit_duration" yaml:"max_fit_duration"`
	GradientTolerance float64       `json:"gradient_tolerance" yaml:"gradient_tolerance"`
	RejectSingular    bool          `json:"reject_singular" yaml:"reject_singular"`
}

// CurveConfig configures the power-curve sweep.
type CurveConfig struct {
	Factor          string  `json:"factor" yaml:"factor"`
	Breakpoints     []int   `json:"breakpoints" yaml:"breakpoints"`
	Trials          int     `json:"trials" yaml:"trials"`
	Alpha           float64 `json:"alpha" yaml:"alpha"`
	Test            string  `json:"test" yaml:"test"`
	Interval        string  `json:"interval" yaml:"interval"`
	Confidence      float64 `json:"confidence" yaml:"confidence"`
	Workers         int     `json:"workers" yaml:"workers"`
	Seed            uint64  `json:"seed" yaml:"seed"`
	DiscardWarnRate float64 `json:"discard_warn_rate" yaml:"discard_warn_rate"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level: debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// Format: text (colored, human) or json.
	Format string `json:"format" yaml:"format"`
}

// StoreConfig locates the SQLite results database. Empty disables it.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// TelemetryConfig configures OTLP metric export. Empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Insecure bool          `json:"insecure" yaml:"insecure"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// Default returns a Config with the values used by the priming analysis.
func Default() *Config {
	fit := mixpower.DefaultFitterConfig()
	curve := mixpower.DefaultCurveConfig()
	names := make([]string, 0, 6)
	for _, s := range mixpower.DefaultCandidates() {
		names = append(names, s.Name)
	}
	return &Config{
		Data: DataConfig{
			Participant: "participant",
			Item:        "item",
			Condition:   "condition",
			RT:          "rt",
		},
		Effect: EffectConfig{
			A: mixpower.PrimingContrast.A,
			B: mixpower.PrimingContrast.B,
		},
		Model: ModelConfig{
			Response:          string(mixpower.ResponseRT),
			REML:              true,
			Candidates:        names,
			MaxIterations:     fit.MaxIterations,
			MaxEvaluations:    fit.MaxEvaluations,
			MaxFitDuration:    fit.MaxFitDuration,
			GradientTolerance: fit.GradientTolerance,
		},
		Curve: CurveConfig{
			Factor:          string(curve.Factor),
			Breakpoints:     curve.Breakpoints,
			Trials:          curve.TrialsPerPoint,
			Alpha:           curve.Alpha,
			Test:            string(curve.Test),
			Interval:        string(curve.Interval),
			Confidence:      curve.Confidence,
			Seed:            curve.Seed,
			DiscardWarnRate: curve.DiscardWarnRate,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Insecure: true,
			Interval: 10 * time.Second,
		},
	}
}

// Load reads path (or DefaultFile when path is empty and it exists) over
// the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = fileCfg
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys missing
// from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// envOverrides lists the MIXPOWER_* variables. envconfig leaves a field
// alone when its variable is unset, so the struct is pre-filled from the
// current config.
type envOverrides struct {
	Data         string `envconfig:"DATA"`
	Trials       int    `envconfig:"TRIALS"`
	Workers      int    `envconfig:"WORKERS"`
	Seed         uint64 `envconfig:"SEED"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	Store        string `envconfig:"STORE"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
}

func applyEnvOverrides(cfg *Config) error {
	env := envOverrides{
		Data:         cfg.Data.Path,
		Trials:       cfg.Curve.Trials,
		Workers:      cfg.Curve.Workers,
		Seed:         cfg.Curve.Seed,
		LogLevel:     cfg.Logging.Level,
		Store:        cfg.Store.Path,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
	}
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	cfg.Data.Path = env.Data
	cfg.Curve.Trials = env.Trials
	cfg.Curve.Workers = env.Workers
	cfg.Curve.Seed = env.Seed
	cfg.Logging.Level = env.LogLevel
	cfg.Store.Path = env.Store
	cfg.Telemetry.Endpoint = env.OTLPEndpoint
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Data.Participant == "" || c.Data.Item == "" || c.Data.Condition == "" || c.Data.RT == "" {
		errs = append(errs, errors.New("data: all four column names must be set"))
	}
	if c.Data.MinRT < 0 || c.Data.MaxRT < 0 || (c.Data.MaxRT > 0 && c.Data.MaxRT <= c.Data.MinRT) {
		errs = append(errs, fmt.Errorf("data: invalid RT bounds [%v, %v]", c.Data.MinRT, c.Data.MaxRT))
	}
	if err := c.Contrast().Valid(); err != nil {
		errs = append(errs, fmt.Errorf("effect: %w", err))
	}
	if c.Effect.Shift != "" && c.Effect.Shift != c.Effect.A && c.Effect.Shift != c.Effect.B {
		errs = append(errs, fmt.Errorf("effect: shift %q is neither %q nor %q", c.Effect.Shift, c.Effect.A, c.Effect.B))
	}
	if _, err := mixpower.ParseResponse(c.Model.Response); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if _, err := c.Candidates(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if c.Model.MaxIterations < 0 || c.Model.MaxEvaluations < 0 || c.Model.MaxFitDuration < 0 {
		errs = append(errs, errors.New("model: optimizer limits must be non-negative"))
	}
	if _, err := c.CurveConfig(); err != nil {
		errs = append(errs, fmt.Errorf("curve: %w", err))
	}
	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging: invalid level %q (valid: debug, info, warn, error)", c.Logging.Level))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging: invalid format %q (valid: text, json)", c.Logging.Format))
	}
	if c.Telemetry.Interval < 0 {
		errs = append(errs, fmt.Errorf("telemetry: interval must be non-negative, got %v", c.Telemetry.Interval))
	}
	return errors.Join(errs...)
}

// Contrast returns the configured contrast.
func (c *Config) Contrast() mixpower.Contrast {
	return mixpower.Contrast{A: c.Effect.A, B: c.Effect.B}
}

// ShiftCondition returns the condition SetEffect should translate.
func (c *Config) ShiftCondition() string {
	if c.Effect.Shift != "" {
		return c.Effect.Shift
	}
	return c.Effect.B
}

// Fitter returns the optimizer limits.
func (c *Config) Fitter() mixpower.FitterConfig {
	return mixpower.FitterConfig{
		MaxIterations:     c.Model.MaxIterations,
		MaxEvaluations:    c.Model.MaxEvaluations,
		MaxFitDuration:    c.Model.MaxFitDuration,
		GradientTolerance: c.Model.GradientTolerance,
		RejectSingular:    c.Model.RejectSingular,
	}
}

// Candidates resolves the configured structure names in order.
func (c *Config) Candidates() ([]mixpower.RandomEffectsStructure, error) {
	if len(c.Model.Candidates) == 0 {
		return nil, errors.New("no candidate structures")
	}
	out := make([]mixpower.RandomEffectsStructure, 0, len(c.Model.Candidates))
	for _, name := range c.Model.Candidates {
		s, err := mixpower.ParseStructure(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Formula returns the base formula with the given random structure.
func (c *Config) Formula(random mixpower.RandomEffectsStructure) mixpower.Formula {
	f := mixpower.DefaultFormula(random)
	f.Response, _ = mixpower.ParseResponse(c.Model.Response)
	f.Contrast = c.Contrast()
	f.REML = c.Model.REML
	return f
}

// CurveConfig converts the curve section, validating names.
func (c *Config) CurveConfig() (mixpower.CurveConfig, error) {
	factor, err := mixpower.ParseGroupingFactor(c.Curve.Factor)
	if err != nil {
		return mixpower.CurveConfig{}, err
	}
	test, err := mixpower.ParseTestMethod(c.Curve.Test)
	if err != nil {
		return mixpower.CurveConfig{}, err
	}
	interval, err := mixpower.ParseIntervalMethod(c.Curve.Interval)
	if err != nil {
		return mixpower.CurveConfig{}, err
	}
	cc := mixpower.CurveConfig{
		Factor:          factor,
		Breakpoints:     c.Curve.Breakpoints,
		TrialsPerPoint:  c.Curve.Trials,
		Alpha:           c.Curve.Alpha,
		Effect:          mixpower.FixedCondition,
		Test:            test,
		Interval:        interval,
		Confidence:      c.Curve.Confidence,
		Workers:         c.Curve.Workers,
		Seed:            c.Curve.Seed,
		DiscardWarnRate: c.Curve.DiscardWarnRate,
	}
	if err := cc.Validate(mixpower.DefaultFormula(mixpower.InterceptByBoth())); err != nil {
		return mixpower.CurveConfig{}, err
	}
	return cc, nil
}
