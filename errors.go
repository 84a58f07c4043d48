package mixpower

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Typed errors below wrap one of these sentinels so callers
// can branch with errors.Is and still get context from Error().
var (
	// ErrEmptySubset: a required condition subset has no observations.
	// Fatal to the calling operation.
	ErrEmptySubset = errors.New("empty condition subset")

	// ErrConvergence: the optimizer did not reach a stable solution.
	// Recoverable: try another structure or discard the trial.
	ErrConvergence = errors.New("model failed to converge")

	// ErrInvalidExtension: design shrinkage or otherwise invalid target.
	ErrInvalidExtension = errors.New("invalid design extension")

	// ErrNoViableModel: no candidate random-effects structure converged.
	ErrNoViableModel = errors.New("no viable model")

	// ErrStructureMismatch: the extended design was built for a different
	// random-effects structure than the one the simulator refits.
	ErrStructureMismatch = errors.New("random-effects structure mismatch")

	// ErrInvalidShift: EffectAdjuster arguments out of range.
	ErrInvalidShift = errors.New("invalid effect shift")

	// ErrSimulation: a simulated response has no valid RT on a log or inverse
	// scale, or is not finite.
	ErrSimulation = errors.New("invalid simulated response")

	// ErrInvalidDataset: observation or dataset invariant violated.
	ErrInvalidDataset = errors.New("invalid dataset")
)

// SubsetError reports which condition subset was empty.
type SubsetError struct {
	Condition string
}

func (e *SubsetError) Error() string {
	return fmt.Sprintf("%s: no observations in condition %q", ErrEmptySubset, e.Condition)
}

func (e *SubsetError) Unwrap() error { return ErrEmptySubset }

// ConvergenceError carries the structure that failed and the optimizer's
// reason (status, gradient, runtime ceiling, singular fit).
type ConvergenceError struct {
	Structure string
	Reason    string
}

func (e *ConvergenceError) Error() string {
	if e.Structure == "" {
		return fmt.Sprintf("%s: %s", ErrConvergence, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConvergence, e.Structure, e.Reason)
}

func (e *ConvergenceError) Unwrap() error { return ErrConvergence }

// ExtensionError wraps ErrInvalidExtension with the offending request.
type ExtensionError struct {
	Factor    GroupingFactor
	Requested int
	Current   int
	Msg       string
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("%s: %s %d -> %d: %s", ErrInvalidExtension, e.Factor, e.Current, e.Requested, e.Msg)
}

func (e *ExtensionError) Unwrap() error { return ErrInvalidExtension }

// SelectionError lists why every candidate was rejected.
type SelectionError struct {
	Reasons []string
}

func (e *SelectionError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrNoViableModel.Error() + ": no candidates"
	}
	return ErrNoViableModel.Error() + ":\n  " + strings.Join(e.Reasons, "\n  ")
}

func (e *SelectionError) Unwrap() error { return ErrNoViableModel }

func invalidDataf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDataset, fmt.Sprintf(format, args...))
}

func invalidShiftf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidShift, fmt.Sprintf(format, args...))
}

// IsConvergence reports whether err is (or wraps) a convergence failure.
func IsConvergence(err error) bool {
	return errors.Is(err, ErrConvergence)
}
