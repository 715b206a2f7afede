package check

import (
	"fmt"
	"strings"
)

// Shared holds the fields common to every comparison variant.
type Shared struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Invert flips the pass/fail outcome of the raw check.
	Invert bool `json:"invert,omitempty" yaml:"invert,omitempty"`
	// SeverityOnFailure overrides the severity reported when the check
	// fails. Leaving it unset selects error.
	SeverityOnFailure Severity `json:"severity_on_failure,omitempty" yaml:"severity_on_failure,omitempty"`
	// IfDisconnected overrides the severity reported when the value
	// could not be fetched. Leaving it unset selects internal_error.
	IfDisconnected Severity `json:"if_disconnected,omitempty" yaml:"if_disconnected,omitempty"`
}

// Comparison is one evaluable check against a single value. The set of
// variants is closed; the codec maps type tags onto the concrete types
// in this package.
type Comparison interface {
	// Label names the comparison for reasons, logs and reports.
	Label() string
	// Compare evaluates one concrete value. It is pure: the same value
	// always yields the same result.
	Compare(value any) Result
	base() *Shared
}

func (s *Shared) base() *Shared { return s }

// Label returns the configured comparison name, possibly empty.
func (s *Shared) Label() string { return s.Name }

// FailureSeverity is the severity reported on a failed check.
func (s *Shared) FailureSeverity() Severity {
	if s.SeverityOnFailure == SeveritySuccess {
		return SeverityError
	}
	return s.SeverityOnFailure
}

// outcome applies the invert flag and maps a raw pass/fail onto a
// Result. failed and inverted carry the reason for each failure
// direction.
func (s *Shared) outcome(ok bool, failed, inverted string) Result {
	reason := failed
	if s.Invert {
		ok, reason = !ok, inverted
	}
	if ok {
		return Success()
	}
	return Result{Severity: s.FailureSeverity(), Reason: reason}
}

// Evaluate runs c against value, recovering any panic from malformed
// comparison data into an internal_error result. Evaluation must never
// abort a checkout.
func Evaluate(c Comparison, value any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Severity: SeverityInternalError,
				Reason:   fmt.Sprintf("comparison failed unexpectedly: %v", r),
			}
		}
	}()
	return c.Compare(value)
}

// DisconnectedResult is the outcome reported for c when its value could
// not be fetched.
func DisconnectedResult(c Comparison, err error) Result {
	sev := c.base().IfDisconnected
	if sev == SeveritySuccess {
		sev = SeverityInternalError
	}
	reason := "value unavailable"
	if err != nil {
		reason = err.Error()
	}
	return Result{Severity: sev, Reason: reason}
}

// Equals passes when the fetched value matches Value within the given
// absolute and relative tolerances.
type Equals struct {
	Shared `yaml:",inline"`
	Value  any     `json:"value" yaml:"value"`
	Atol   float64 `json:"atol,omitempty" yaml:"atol,omitempty"`
	Rtol   float64 `json:"rtol,omitempty" yaml:"rtol,omitempty"`
}

func (e *Equals) Compare(value any) Result {
	eq, err := equalWithin(value, e.Value, e.Atol, e.Rtol)
	if err != nil {
		return InternalError(err)
	}
	return e.outcome(eq,
		fmt.Sprintf("expected %v, got %v", e.Value, value),
		fmt.Sprintf("expected anything but %v, got %v", e.Value, value))
}

// NotEquals is the inverse of Equals.
type NotEquals struct {
	Shared `yaml:",inline"`
	Value  any     `json:"value" yaml:"value"`
	Atol   float64 `json:"atol,omitempty" yaml:"atol,omitempty"`
	Rtol   float64 `json:"rtol,omitempty" yaml:"rtol,omitempty"`
}

func (n *NotEquals) Compare(value any) Result {
	eq, err := equalWithin(value, n.Value, n.Atol, n.Rtol)
	if err != nil {
		return InternalError(err)
	}
	return n.outcome(!eq,
		fmt.Sprintf("expected anything but %v, got %v", n.Value, value),
		fmt.Sprintf("expected %v, got %v", n.Value, value))
}

// Greater passes when the fetched value is strictly above Value.
type Greater struct {
	Shared `yaml:",inline"`
	Value  any `json:"value" yaml:"value"`
}

func (g *Greater) Compare(value any) Result {
	cmp, err := orderCompare(value, g.Value)
	if err != nil {
		return InternalError(err)
	}
	return g.outcome(cmp > 0,
		fmt.Sprintf("expected > %v, got %v", g.Value, value),
		fmt.Sprintf("expected <= %v, got %v", g.Value, value))
}

// GreaterOrEqual passes when the fetched value is at least Value.
type GreaterOrEqual struct {
	Shared `yaml:",inline"`
	Value  any `json:"value" yaml:"value"`
}

func (g *GreaterOrEqual) Compare(value any) Result {
	cmp, err := orderCompare(value, g.Value)
	if err != nil {
		return InternalError(err)
	}
	return g.outcome(cmp >= 0,
		fmt.Sprintf("expected >= %v, got %v", g.Value, value),
		fmt.Sprintf("expected < %v, got %v", g.Value, value))
}

// Less passes when the fetched value is strictly below Value.
type Less struct {
	Shared `yaml:",inline"`
	Value  any `json:"value" yaml:"value"`
}

func (l *Less) Compare(value any) Result {
	cmp, err := orderCompare(value, l.Value)
	if err != nil {
		return InternalError(err)
	}
	return l.outcome(cmp < 0,
		fmt.Sprintf("expected < %v, got %v", l.Value, value),
		fmt.Sprintf("expected >= %v, got %v", l.Value, value))
}

// LessOrEqual passes when the fetched value is at most Value.
type LessOrEqual struct {
	Shared `yaml:",inline"`
	Value  any `json:"value" yaml:"value"`
}

func (l *LessOrEqual) Compare(value any) Result {
	cmp, err := orderCompare(value, l.Value)
	if err != nil {
		return InternalError(err)
	}
	return l.outcome(cmp <= 0,
		fmt.Sprintf("expected <= %v, got %v", l.Value, value),
		fmt.Sprintf("expected > %v, got %v", l.Value, value))
}

// Range passes when the fetched value lies between Low and High. An
// optional warning band inside the range reports warning severity near
// the bounds.
type Range struct {
	Shared `yaml:",inline"`
	Low    float64 `json:"low" yaml:"low"`
	High   float64 `json:"high" yaml:"high"`
	// WarnLow and WarnHigh mark an inner band; values between a bound
	// and its warn threshold report warning severity.
	WarnLow  *float64 `json:"warn_low,omitempty" yaml:"warn_low,omitempty"`
	WarnHigh *float64 `json:"warn_high,omitempty" yaml:"warn_high,omitempty"`
	// Inclusive includes the bounds themselves. The codec defaults it
	// to true for decoded files.
	Inclusive bool `json:"inclusive" yaml:"inclusive"`
}

func (r *Range) bounds() string {
	if r.Inclusive {
		return fmt.Sprintf("[%v, %v]", r.Low, r.High)
	}
	return fmt.Sprintf("(%v, %v)", r.Low, r.High)
}

func (r *Range) Compare(value any) Result {
	v, ok := numeric(value)
	if !ok {
		return InternalError(fmt.Errorf("range comparison needs a numeric value, got %v (%T)", value, value))
	}
	var inside bool
	if r.Inclusive {
		inside = v >= r.Low && v <= r.High
	} else {
		inside = v > r.Low && v < r.High
	}
	res := r.outcome(inside,
		fmt.Sprintf("expected value in %s, got %v", r.bounds(), value),
		fmt.Sprintf("expected value outside %s, got %v", r.bounds(), value))
	if !res.Passed() || r.Invert {
		return res
	}
	if r.WarnLow != nil && v < *r.WarnLow {
		return Result{
			Severity: SeverityWarning,
			Reason:   fmt.Sprintf("value %v below warning threshold %v", value, *r.WarnLow),
		}
	}
	if r.WarnHigh != nil && v > *r.WarnHigh {
		return Result{
			Severity: SeverityWarning,
			Reason:   fmt.Sprintf("value %v above warning threshold %v", value, *r.WarnHigh),
		}
	}
	return res
}

// ValueEntry is one known value inside a ValueSet, with the severity to
// report when the live value matches it.
type ValueEntry struct {
	Value       any      `json:"value" yaml:"value"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// ValueSet matches the fetched value against a set of known values,
// reporting the matched entry's severity. An unknown value fails.
type ValueSet struct {
	Shared `yaml:",inline"`
	Values []ValueEntry `json:"values" yaml:"values"`
}

func (v *ValueSet) Compare(value any) Result {
	// A type mismatch against one entry does not prevent matching
	// another, but an unmatched value with mismatches is an internal
	// error, not a plain failure.
	var firstErr error
	for _, entry := range v.Values {
		eq, err := equalWithin(value, entry.Value, 0, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !eq {
			continue
		}
		if entry.Severity == SeveritySuccess {
			return Success()
		}
		reason := fmt.Sprintf("value %v is flagged", value)
		if entry.Description != "" {
			reason = fmt.Sprintf("value %v: %s", value, entry.Description)
		}
		return Result{Severity: entry.Severity, Reason: reason}
	}
	if firstErr != nil {
		return Result{Severity: SeverityInternalError, Reason: firstErr.Error()}
	}
	known := make([]string, 0, len(v.Values))
	for _, entry := range v.Values {
		known = append(known, fmt.Sprintf("%v", entry.Value))
	}
	return Result{
		Severity: v.FailureSeverity(),
		Reason:   fmt.Sprintf("got %v, expected one of [%s]", value, strings.Join(known, ", ")),
	}
}

// AnyValue passes for any fetched value. It is a presence-only check.
type AnyValue struct {
	Shared `yaml:",inline"`
}

func (a *AnyValue) Compare(value any) Result {
	return a.outcome(true, "",
		fmt.Sprintf("expected no readable value, got %v", value))
}

// AnyComparison combines child comparisons under an all-of or any-of
// mode.
type AnyComparison struct {
	Shared      `yaml:",inline"`
	Mode        ReduceMode     `json:"mode,omitempty" yaml:"mode,omitempty"`
	Comparisons ComparisonList `json:"comparisons" yaml:"comparisons"`
}

func (a *AnyComparison) Compare(value any) Result {
	results := make([]Result, 0, len(a.Comparisons))
	for _, child := range a.Comparisons {
		results = append(results, Evaluate(child, value))
	}
	return Reduce(a.Mode, results)
}
