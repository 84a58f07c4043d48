package mixpower

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

// AssertionConfig contains thresholds for power-curve properties.
type AssertionConfig struct {
	// Allowed dip between consecutive points before monotonicity fails.
	// Monte Carlo noise makes exact monotonicity too strict.
	MonotoneTolerance float64

	// Minimum share of trials that must survive (Effective/Trials).
	MinEffectiveShare float64

	// Target power for the planning summary in PrintCurve.
	TargetPower float64
}

// DefaultAssertionConfig returns conservative thresholds.
func DefaultAssertionConfig() AssertionConfig {
	return AssertionConfig{
		MonotoneTolerance: 0.03, // ~2 SE at 1000 trials near p = 0.5
		MinEffectiveShare: 0.90, // at most 10% discards
		TargetPower:       0.80,
	}
}

// AssertMonotonePower verifies power does not fall as the swept factor
// grows, up to cfg.MonotoneTolerance.
//
// Property:
//
//	power(b_{i+1}) >= power(b_i) - tol for all i
func AssertMonotonePower(t *testing.T, c *Curve, cfg AssertionConfig) {
	t.Helper()

	var failures []string
	for i := 1; i < len(c.Points); i++ {
		prev, cur := c.Points[i-1], c.Points[i]
		if cur.Power < prev.Power-cfg.MonotoneTolerance {
			failures = append(failures, fmt.Sprintf(
				"  %d→%d %s: %.3f → %.3f",
				prev.Breakpoint, cur.Breakpoint, c.Factor, prev.Power, cur.Power))
		}
	}
	if len(failures) > 0 {
		t.Errorf("Power decreases along the curve (tolerance %.3f):\n%s",
			cfg.MonotoneTolerance, strings.Join(failures, "\n"))
		return
	}
	t.Logf("✓ Monotone power over %d breakpoints (tolerance %.3f)", len(c.Points), cfg.MonotoneTolerance)
}

// AssertPowerNear verifies the point at breakpoint b lies within tol of want,
// or that want lies inside the point's confidence interval.
func AssertPowerNear(t *testing.T, c *Curve, b int, want, tol float64) {
	t.Helper()

	for _, p := range c.Points {
		if p.Breakpoint != b {
			continue
		}
		inCI := p.Lower <= want && want <= p.Upper
		if math.Abs(p.Power-want) > tol && !inCI {
			t.Errorf("Power at %d %s = %.3f [%.3f, %.3f], want %.3f ± %.3f",
				b, c.Factor, p.Power, p.Lower, p.Upper, want, tol)
			return
		}
		t.Logf("✓ Power at %d %s = %.3f (want %.3f)", b, c.Factor, p.Power, want)
		return
	}
	t.Errorf("No point at breakpoint %d", b)
}

// AssertEffectiveTrials verifies every point kept enough trials and that the
// counts add up.
func AssertEffectiveTrials(t *testing.T, c *Curve, cfg AssertionConfig) {
	t.Helper()

	for _, p := range c.Points {
		if p.Effective+p.Discarded != p.Trials {
			t.Errorf("Breakpoint %d: effective %d + discarded %d != trials %d",
				p.Breakpoint, p.Effective, p.Discarded, p.Trials)
		}
		if p.Significant > p.Effective {
			t.Errorf("Breakpoint %d: %d significant out of %d effective", p.Breakpoint, p.Significant, p.Effective)
		}
		if p.SimFailed > p.Discarded {
			t.Errorf("Breakpoint %d: %d simulation failures out of %d discards", p.Breakpoint, p.SimFailed, p.Discarded)
		}
		share := 0.0
		if p.Trials > 0 {
			share = float64(p.Effective) / float64(p.Trials)
		}
		if share < cfg.MinEffectiveShare {
			t.Errorf("Breakpoint %d: only %.1f%% of trials usable (min %.1f%%)",
				p.Breakpoint, 100*share, 100*cfg.MinEffectiveShare)
		}
	}
	t.Logf("✓ Effective trials ≥ %.0f%% at every breakpoint", 100*cfg.MinEffectiveShare)
}

// AssertCurve runs all curve assertions with default config.
func AssertCurve(t *testing.T, c *Curve) {
	t.Helper()

	cfg := DefaultAssertionConfig()

	t.Run("MonotonePower", func(t *testing.T) {
		AssertMonotonePower(t, c, cfg)
	})
	t.Run("EffectiveTrials", func(t *testing.T) {
		AssertEffectiveTrials(t, c, cfg)
	})
}

// PrintCurve writes the curve and a planning summary to the test log.
func PrintCurve(t *testing.T, c *Curve) {
	t.Helper()

	cfg := DefaultAssertionConfig()
	t.Logf("\n=== Power Curve (%s) ===", c.Formula)
	t.Logf("effect %s = %.3f, alpha %.3f, test %s, %s %.0f%% intervals",
		c.Effect, c.EffectSize, c.Alpha, c.Test, c.Interval, 100*c.Confidence)
	t.Logf("  %-6s %-6s %-9s %-8s %-18s %s", c.Factor, "trials", "effective", "power", "interval", "reliability")
	for _, p := range c.Points {
		t.Logf("  %-6d %-6d %-9d %-8.3f [%.3f, %.3f]     %s",
			p.Breakpoint, p.Trials, p.Effective, p.Power, p.Lower, p.Upper, p.Reliability.Level)
	}

	if len(c.Points) == 0 {
		return
	}
	t.Logf("\nPlanning:")
	if n, ok := c.LevelsFor(cfg.TargetPower); ok {
		t.Logf("  ✓ %.0f%% power at about %.0f %s", 100*cfg.TargetPower, math.Ceil(n), c.Factor)
	} else {
		t.Logf("  ✗ %.0f%% power not reached within %d %s", 100*cfg.TargetPower,
			c.Points[len(c.Points)-1].Breakpoint, c.Factor)
	}
}
