// Package check implements the comparison engine: typed comparisons
// evaluated against concrete control-system values, each producing a
// severity and a human-readable reason.
package check

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity ranks the outcome of a comparison or checkout step.
// Higher values are worse; aggregation takes the maximum.
type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityWarning
	SeverityError
	SeverityInternalError
)

var severityNames = [...]string{
	SeveritySuccess:       "success",
	SeverityWarning:       "warning",
	SeverityError:         "error",
	SeverityInternalError: "internal_error",
}

func (s Severity) String() string {
	if s < SeveritySuccess || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity converts a severity name to its value. Integer strings
// are accepted as well so older files keep loading.
func ParseSeverity(name string) (Severity, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for sev, n := range severityNames {
		if trimmed == n {
			return Severity(sev), nil
		}
	}
	var num int
	if _, err := fmt.Sscanf(trimmed, "%d", &num); err == nil {
		if num >= 0 && num < len(severityNames) {
			return Severity(num), nil
		}
	}
	return SeveritySuccess, fmt.Errorf("unknown severity %q", name)
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a severity name or its integer value.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, perr := ParseSeverity(name)
		if perr != nil {
			return perr
		}
		*s = parsed
		return nil
	}
	var num int
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("severity must be a name or integer: %w", err)
	}
	if num < 0 || num >= len(severityNames) {
		return fmt.Errorf("severity %d out of range", num)
	}
	*s = Severity(num)
	return nil
}

// MarshalYAML encodes the severity by name.
func (s Severity) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML accepts either a severity name or its integer value.
func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		var num int
		if err := node.Decode(&num); err != nil {
			return fmt.Errorf("severity must be a name or integer: %w", err)
		}
		if num < 0 || num >= len(severityNames) {
			return fmt.Errorf("severity %d out of range", num)
		}
		*s = Severity(num)
		return nil
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
