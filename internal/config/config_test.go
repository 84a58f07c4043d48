package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Data.RT != "rt" || cfg.Data.Participant != "participant" {
		t.Errorf("unexpected default columns: %+v", cfg.Data)
	}
	if cfg.Effect.A != "unrelated" || cfg.Effect.B != "repeated" {
		t.Errorf("expected priming contrast, got %s - %s", cfg.Effect.A, cfg.Effect.B)
	}
	if cfg.Effect.Target != nil {
		t.Errorf("expected no target by default, got %v", *cfg.Effect.Target)
	}
	if !cfg.Model.REML {
		t.Error("expected REML fits by default")
	}
	if len(cfg.Model.Candidates) != 6 || cfg.Model.Candidates[0] != "slopes-by-both" {
		t.Errorf("expected six candidates maximal first, got %v", cfg.Model.Candidates)
	}
	if cfg.Curve.Trials != 1000 {
		t.Errorf("expected 1000 trials, got %d", cfg.Curve.Trials)
	}
	if cfg.Curve.Test != "lrt" || cfg.Curve.Interval != "clopper-pearson" {
		t.Errorf("expected lrt / clopper-pearson, got %s / %s", cfg.Curve.Test, cfg.Curve.Interval)
	}
	if cfg.Curve.Confidence != 0.95 || cfg.Curve.DiscardWarnRate != 0.10 {
		t.Errorf("unexpected curve defaults: %+v", cfg.Curve)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "mixpower.yaml")

	content := `
data:
  path: pilot.csv
  rt: RT_ms
  min_rt: 200
  max_rt: 2000
effect:
  target: 15
model:
  response: log-rt
  candidates: [intercept-by-both, intercept-by-item]
  max_fit_duration: 5s
curve:
  factor: participant
  breakpoints: [20, 40, 60]
  trials: 200
  test: wald-t
  interval: wilson
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Data.Path != "pilot.csv" || cfg.Data.RT != "RT_ms" {
		t.Errorf("data section not applied: %+v", cfg.Data)
	}
	if cfg.Data.Item != "item" {
		t.Errorf("expected default item column to survive, got %q", cfg.Data.Item)
	}
	if cfg.Effect.Target == nil || *cfg.Effect.Target != 15 {
		t.Errorf("expected target 15, got %v", cfg.Effect.Target)
	}
	if cfg.Model.MaxFitDuration != 5*time.Second {
		t.Errorf("expected 5s fit ceiling, got %v", cfg.Model.MaxFitDuration)
	}
	if len(cfg.Model.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %v", cfg.Model.Candidates)
	}
	if cfg.Curve.Trials != 200 || cfg.Curve.Alpha != 0.05 {
		t.Errorf("curve section not merged over defaults: %+v", cfg.Curve)
	}

	cc, err := cfg.CurveConfig()
	if err != nil {
		t.Fatalf("CurveConfig: %v", err)
	}
	if cc.Factor != "participant" || cc.Test != "wald-t" || cc.Interval != "wilson" {
		t.Errorf("unexpected curve config: %+v", cc)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("file config should validate: %v", err)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("curve: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIXPOWER_DATA", "/tmp/env.csv")
	t.Setenv("MIXPOWER_TRIALS", "250")
	t.Setenv("MIXPOWER_WORKERS", "3")
	t.Setenv("MIXPOWER_SEED", "42")
	t.Setenv("MIXPOWER_LOG_LEVEL", "debug")
	t.Setenv("MIXPOWER_STORE", "/tmp/runs.db")
	t.Setenv("MIXPOWER_OTLP_ENDPOINT", "localhost:4317")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing config path")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Data.Path != "/tmp/env.csv" {
		t.Errorf("expected data path from env, got %q", cfg.Data.Path)
	}
	if cfg.Curve.Trials != 250 || cfg.Curve.Workers != 3 || cfg.Curve.Seed != 42 {
		t.Errorf("curve overrides not applied: %+v", cfg.Curve)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.Store.Path != "/tmp/runs.db" || cfg.Telemetry.Endpoint != "localhost:4317" {
		t.Errorf("store/telemetry overrides not applied: %+v %+v", cfg.Store, cfg.Telemetry)
	}
}

func TestEnvOverrides_UnsetKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("curve:\n  trials: 77\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Curve.Trials != 77 {
		t.Errorf("expected file value 77 to survive, got %d", cfg.Curve.Trials)
	}
}

func TestEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("MIXPOWER_TRIALS", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric MIXPOWER_TRIALS")
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty column", func(c *Config) { c.Data.RT = "" }, "column names"},
		{"bad bounds", func(c *Config) { c.Data.MinRT, c.Data.MaxRT = 500, 300 }, "RT bounds"},
		{"same conditions", func(c *Config) { c.Effect.B = c.Effect.A }, "must differ"},
		{"bad shift", func(c *Config) { c.Effect.Shift = "neutral" }, "shift"},
		{"bad response", func(c *Config) { c.Model.Response = "sqrt-rt" }, "response"},
		{"bad candidate", func(c *Config) { c.Model.Candidates = []string{"everything"} }, "structure"},
		{"descending breakpoints", func(c *Config) { c.Curve.Breakpoints = []int{40, 20} }, "ascending"},
		{"tiny breakpoint", func(c *Config) { c.Curve.Breakpoints = []int{1, 20} }, "at least 2"},
		{"zero trials", func(c *Config) { c.Curve.Trials = 0 }, "trials"},
		{"alpha", func(c *Config) { c.Curve.Alpha = 1.5 }, "alpha"},
		{"test", func(c *Config) { c.Curve.Test = "anova" }, "test method"},
		{"level", func(c *Config) { c.Logging.Level = "trace" }, "level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFormula(t *testing.T) {
	cfg := Default()
	cfg.Model.Response = "inverse-rt"
	cfg.Model.REML = false

	cands, err := cfg.Candidates()
	if err != nil {
		t.Fatal(err)
	}
	f := cfg.Formula(cands[0])
	if f.REML {
		t.Error("expected ML formula")
	}
	want := "inverse-rt ~ condition + (1 + condition | participant) + (1 + condition | item)"
	if f.String() != want {
		t.Errorf("formula = %q, want %q", f.String(), want)
	}
	if cfg.ShiftCondition() != "repeated" {
		t.Errorf("default shift should be B, got %q", cfg.ShiftCondition())
	}
}
