package check

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// numeric reports v as a float64 when it is any Go numeric type.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// equalWithin reports whether actual matches expected. Numeric values
// compare within the absolute and relative tolerances; everything else
// must match exactly with identical dynamic types.
func equalWithin(actual, expected any, atol, rtol float64) (bool, error) {
	if actual == nil {
		return false, fmt.Errorf("no value to compare against %v", expected)
	}
	af, aok := numeric(actual)
	ef, eok := numeric(expected)
	if aok && eok {
		if atol == 0 && rtol == 0 {
			return af == ef, nil
		}
		return math.Abs(af-ef) <= atol+rtol*math.Abs(ef), nil
	}
	if aok != eok {
		return false, fmt.Errorf("cannot compare %v (%T) with %v (%T)", actual, actual, expected, expected)
	}
	if reflect.TypeOf(actual) != reflect.TypeOf(expected) {
		return false, fmt.Errorf("cannot compare %v (%T) with %v (%T)", actual, actual, expected, expected)
	}
	return reflect.DeepEqual(actual, expected), nil
}

// orderCompare returns -1, 0, or 1 comparing actual against expected.
// Only numeric values and strings have an ordering.
func orderCompare(actual, expected any) (int, error) {
	if actual == nil {
		return 0, fmt.Errorf("no value to compare against %v", expected)
	}
	af, aok := numeric(actual)
	ef, eok := numeric(expected)
	if aok && eok {
		switch {
		case af < ef:
			return -1, nil
		case af > ef:
			return 1, nil
		}
		return 0, nil
	}
	as, aIsStr := actual.(string)
	es, eIsStr := expected.(string)
	if aIsStr && eIsStr {
		return strings.Compare(as, es), nil
	}
	return 0, fmt.Errorf("%v (%T) and %v (%T) have no ordering", actual, actual, expected, expected)
}
