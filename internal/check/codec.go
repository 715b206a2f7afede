package check

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ComparisonList is an ordered list of polymorphic comparisons. On disk
// each element is a single-key map tagged with the variant name:
//
//	- Equals:
//	    name: at_target
//	    value: 5
//
// The same shape is used for JSON documents.
type ComparisonList []Comparison

// comparisonTag names the concrete variant for the on-disk encoding.
func comparisonTag(c Comparison) (string, error) {
	switch c.(type) {
	case *Equals:
		return "Equals", nil
	case *NotEquals:
		return "NotEquals", nil
	case *Greater:
		return "Greater", nil
	case *GreaterOrEqual:
		return "GreaterOrEqual", nil
	case *Less:
		return "Less", nil
	case *LessOrEqual:
		return "LessOrEqual", nil
	case *Range:
		return "Range", nil
	case *ValueSet:
		return "ValueSet", nil
	case *AnyValue:
		return "AnyValue", nil
	case *AnyComparison:
		return "AnyComparison", nil
	}
	return "", fmt.Errorf("unknown comparison type %T", c)
}

// newComparison builds an empty variant for a type tag, preloaded with
// the defaults a decoded document may leave implicit.
func newComparison(tag string) (Comparison, error) {
	switch tag {
	case "Equals":
		return &Equals{}, nil
	case "NotEquals":
		return &NotEquals{}, nil
	case "Greater":
		return &Greater{}, nil
	case "GreaterOrEqual":
		return &GreaterOrEqual{}, nil
	case "Less":
		return &Less{}, nil
	case "LessOrEqual":
		return &LessOrEqual{}, nil
	case "Range":
		return &Range{Inclusive: true}, nil
	case "ValueSet":
		return &ValueSet{}, nil
	case "AnyValue":
		return &AnyValue{}, nil
	case "AnyComparison":
		return &AnyComparison{Mode: ReduceAll}, nil
	}
	return nil, fmt.Errorf("unknown comparison tag %q", tag)
}

// MarshalJSON encodes each comparison as {"Tag": {...}}.
func (l ComparisonList) MarshalJSON() ([]byte, error) {
	out := make([]map[string]Comparison, 0, len(l))
	for _, c := range l {
		tag, err := comparisonTag(c)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]Comparison{tag: c})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a list of single-key tagged comparison maps.
func (l *ComparisonList) UnmarshalJSON(data []byte) error {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("comparison list: %w", err)
	}
	out := make(ComparisonList, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 1 {
			return fmt.Errorf("comparison %d: expected a single type tag, got %d keys", i, len(entry))
		}
		for tag, body := range entry {
			c, err := newComparison(tag)
			if err != nil {
				return fmt.Errorf("comparison %d: %w", i, err)
			}
			if err := json.Unmarshal(body, c); err != nil {
				return fmt.Errorf("comparison %d (%s): %w", i, tag, err)
			}
			out = append(out, c)
		}
	}
	*l = out
	return nil
}

// MarshalYAML encodes each comparison as a single-key tagged map.
func (l ComparisonList) MarshalYAML() (any, error) {
	out := make([]map[string]Comparison, 0, len(l))
	for _, c := range l {
		tag, err := comparisonTag(c)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]Comparison{tag: c})
	}
	return out, nil
}

// UnmarshalYAML decodes a sequence of single-key tagged comparison
// maps.
func (l *ComparisonList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("comparison list: expected a sequence, got %s", yamlKind(node.Kind))
	}
	out := make(ComparisonList, 0, len(node.Content))
	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("comparison %d: expected a single type tag mapping", i)
		}
		tag := item.Content[0].Value
		c, err := newComparison(tag)
		if err != nil {
			return fmt.Errorf("comparison %d: %w", i, err)
		}
		if err := item.Content[1].Decode(c); err != nil {
			return fmt.Errorf("comparison %d (%s): %w", i, tag, err)
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

func yamlKind(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
