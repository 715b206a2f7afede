package check

import "strings"

// Result is the outcome of one comparison or one aggregated checkout
// node. It is immutable once attached to a prepared node.
type Result struct {
	Severity Severity `json:"severity" yaml:"severity"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Success returns a passing result with no reason.
func Success() Result {
	return Result{Severity: SeveritySuccess}
}

// InternalError wraps an unexpected evaluation error into a result.
func InternalError(err error) Result {
	return Result{Severity: SeverityInternalError, Reason: err.Error()}
}

// Passed reports whether the result carries success severity.
func (r Result) Passed() bool {
	return r.Severity == SeveritySuccess
}

// MaxSeverity returns the worst severity among results. Success for an
// empty slice.
func MaxSeverity(results []Result) Severity {
	worst := SeveritySuccess
	for _, r := range results {
		if r.Severity > worst {
			worst = r.Severity
		}
	}
	return worst
}

// ReduceMode selects how a set of child results combines into one.
type ReduceMode string

const (
	// ReduceAll requires every child to succeed.
	ReduceAll ReduceMode = "all"
	// ReduceAny is satisfied by a single succeeding child.
	ReduceAny ReduceMode = "any"
)

// Normalize maps aliases and the empty mode onto a canonical value.
func (m ReduceMode) Normalize() ReduceMode {
	switch m {
	case ReduceAny, "any_":
		return ReduceAny
	default:
		return ReduceAll
	}
}

// Reduce folds child results into one per the given mode. All-of fails
// with the worst child severity when any child fails; any-of succeeds as
// soon as one child does. Reasons of failing children are joined in
// order.
func Reduce(mode ReduceMode, results []Result) Result {
	if len(results) == 0 {
		return Success()
	}
	var reasons []string
	anyPassed := false
	for _, r := range results {
		if r.Passed() {
			anyPassed = true
			continue
		}
		if r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	worst := MaxSeverity(results)
	if worst == SeveritySuccess {
		return Success()
	}
	if mode.Normalize() == ReduceAny && anyPassed {
		return Success()
	}
	return Result{Severity: worst, Reason: strings.Join(reasons, "; ")}
}
