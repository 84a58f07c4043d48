package mixpower

import (
	"fmt"
)

// ReliabilityLevel grades how far a power estimate can be trusted.
type ReliabilityLevel string

const (
	Reliable   ReliabilityLevel = "RELIABLE"   // discards low, interval narrow
	Warning    ReliabilityLevel = "WARNING"    // usable, read the reason
	Unreliable ReliabilityLevel = "UNRELIABLE" // do not base a design decision on it
)

// Reliability is the assessment attached to each CurvePoint.
type Reliability struct {
	Level      ReliabilityLevel `json:"level"`
	Reason     string           `json:"reason"`
	Mitigation string           `json:"mitigation,omitempty"`
}

// Assessor holds the thresholds behind Assess.
type Assessor struct {
	// Discard rates above WarnDiscardRate give WARNING, above
	// MaxDiscardRate UNRELIABLE.
	WarnDiscardRate float64
	MaxDiscardRate  float64

	// MinEffective trials below which the estimate is UNRELIABLE.
	MinEffective int

	// MaxHalfWidth of the confidence interval before a WARNING.
	MaxHalfWidth float64
}

// DefaultAssessor: 10% discards warn, 50% discards or fewer than 20
// effective trials fail, intervals wider than +-0.05 warn.
func DefaultAssessor() Assessor {
	return Assessor{
		WarnDiscardRate: 0.10,
		MaxDiscardRate:  0.50,
		MinEffective:    20,
		MaxHalfWidth:    0.05,
	}
}

// Assess grades one curve point.
func (a Assessor) Assess(p CurvePoint) Reliability {
	// ========================================
	// Hard failures
	// ========================================
	if p.Effective == 0 {
		return Reliability{
			Level: Unreliable,
			Reason: fmt.Sprintf("no usable trials: all %d trials at %d levels were discarded",
				p.Trials, p.Breakpoint),
			Mitigation: "check the fitted structure converges on simulated data; " +
				"try a simpler random-effects structure",
		}
	}
	if p.DiscardRate > a.MaxDiscardRate {
		return Reliability{
			Level: Unreliable,
			Reason: fmt.Sprintf("discard rate %.1f%% exceeds %.0f%%: the estimate describes only the converging subset",
				100*p.DiscardRate, 100*a.MaxDiscardRate),
			Mitigation: "refit with a simpler structure or raise the optimizer limits",
		}
	}
	if p.Effective < a.MinEffective {
		return Reliability{
			Level:      Unreliable,
			Reason:     fmt.Sprintf("only %d effective trials (need %d)", p.Effective, a.MinEffective),
			Mitigation: "increase trials per breakpoint",
		}
	}

	// ========================================
	// Warnings
	// ========================================
	if p.DiscardRate > a.WarnDiscardRate {
		return Reliability{
			Level: Warning,
			Reason: fmt.Sprintf("discard rate %.1f%% above %.0f%% (%d of %d trials)",
				100*p.DiscardRate, 100*a.WarnDiscardRate, p.Discarded, p.Trials),
			Mitigation: "power is estimated over converged trials only; compare with a simpler structure",
		}
	}
	if half := (p.Upper - p.Lower) / 2; half > a.MaxHalfWidth {
		return Reliability{
			Level:      Warning,
			Reason:     fmt.Sprintf("interval half-width %.3f above %.3f", half, a.MaxHalfWidth),
			Mitigation: "increase trials per breakpoint to narrow the interval",
		}
	}

	return Reliability{
		Level:  Reliable,
		Reason: fmt.Sprintf("%d effective trials, %.1f%% discarded", p.Effective, 100*p.DiscardRate),
	}
}
