package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/tools"
)

// Format selects the on-disk encoding of a checkout document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from a file extension, defaulting
// to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// FormatError marks a document that could not be decoded. Structural
// errors are fatal: no preparation is attempted on a malformed file.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed checkout document: %v", e.Err)
	}
	return fmt.Sprintf("malformed checkout document %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Deserialize decodes a complete checkout document.
func Deserialize(data []byte, format Format) (*ConfigurationFile, error) {
	file := &ConfigurationFile{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, file)
	default:
		err = json.Unmarshal(data, file)
	}
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return file, nil
}

// Serialize encodes a checkout document.
func Serialize(file *ConfigurationFile, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(file)
	default:
		return json.MarshalIndent(file, "", "  ")
	}
}

// LoadFile reads and decodes the checkout document at path, picking
// the format from the extension.
func LoadFile(path string) (*ConfigurationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkout file: %w", err)
	}
	file, err := Deserialize(data, FormatForPath(path))
	if err != nil {
		var ferr *FormatError
		if errors.As(err, &ferr) {
			ferr.Path = path
		}
		return nil, err
	}
	return file, nil
}

// SaveFile encodes the document and writes it to path.
func SaveFile(file *ConfigurationFile, path string) error {
	data, err := Serialize(file, FormatForPath(path))
	if err != nil {
		return fmt.Errorf("serialize checkout file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkout file: %w", err)
	}
	return nil
}

// ConfigurationList holds the polymorphic children of a group. Each
// element is encoded as a single-key map tagged with the node type:
//
//	- Group: {...}
//	- DeviceConfiguration: {...}
type ConfigurationList []Configuration

func configurationTag(c Configuration) (string, error) {
	switch c.(type) {
	case *Group:
		return "Group", nil
	case *DeviceConfiguration:
		return "DeviceConfiguration", nil
	case *PVConfiguration:
		return "PVConfiguration", nil
	case *ToolConfiguration:
		return "ToolConfiguration", nil
	}
	return "", fmt.Errorf("unknown configuration type %T", c)
}

func newConfiguration(tag string) (Configuration, error) {
	switch tag {
	case "Group":
		return &Group{Mode: check.ReduceAll}, nil
	case "DeviceConfiguration":
		return &DeviceConfiguration{}, nil
	case "PVConfiguration":
		return &PVConfiguration{}, nil
	case "ToolConfiguration":
		return &ToolConfiguration{}, nil
	}
	return nil, fmt.Errorf("unknown configuration tag %q", tag)
}

// MarshalJSON encodes each node as {"Tag": {...}}.
func (l ConfigurationList) MarshalJSON() ([]byte, error) {
	out := make([]map[string]Configuration, 0, len(l))
	for _, c := range l {
		tag, err := configurationTag(c)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]Configuration{tag: c})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a list of single-key tagged nodes.
func (l *ConfigurationList) UnmarshalJSON(data []byte) error {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("configuration list: %w", err)
	}
	out := make(ConfigurationList, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 1 {
			return fmt.Errorf("configuration %d: expected a single type tag, got %d keys", i, len(entry))
		}
		for tag, body := range entry {
			c, err := newConfiguration(tag)
			if err != nil {
				return fmt.Errorf("configuration %d: %w", i, err)
			}
			if err := json.Unmarshal(body, c); err != nil {
				return fmt.Errorf("configuration %d (%s): %w", i, tag, err)
			}
			out = append(out, c)
		}
	}
	*l = out
	return nil
}

// MarshalYAML encodes each node as a single-key tagged map.
func (l ConfigurationList) MarshalYAML() (any, error) {
	out := make([]map[string]Configuration, 0, len(l))
	for _, c := range l {
		tag, err := configurationTag(c)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]Configuration{tag: c})
	}
	return out, nil
}

// UnmarshalYAML decodes a sequence of single-key tagged nodes.
func (l *ConfigurationList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("configuration list: expected a sequence")
	}
	out := make(ConfigurationList, 0, len(node.Content))
	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("configuration %d: expected a single type tag mapping", i)
		}
		tag := item.Content[0].Value
		c, err := newConfiguration(tag)
		if err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
		if err := item.Content[1].Decode(c); err != nil {
			return fmt.Errorf("configuration %d (%s): %w", i, tag, err)
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

func toolTag(t tools.Tool) (string, error) {
	switch t.(type) {
	case *tools.Ping:
		return "Ping", nil
	}
	return "", fmt.Errorf("unknown tool type %T", t)
}

func newTool(tag string) (tools.Tool, error) {
	switch tag {
	case "Ping":
		return &tools.Ping{}, nil
	}
	return nil, fmt.Errorf("unknown tool tag %q", tag)
}

// MarshalJSON encodes the tool as {"Tag": {...}}.
func (s ToolSpec) MarshalJSON() ([]byte, error) {
	if s.Tool == nil {
		return []byte("null"), nil
	}
	tag, err := toolTag(s.Tool)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]tools.Tool{tag: s.Tool})
}

// UnmarshalJSON decodes a single-key tagged tool map.
func (s *ToolSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tool: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("tool: expected a single type tag, got %d keys", len(raw))
	}
	for tag, body := range raw {
		tool, err := newTool(tag)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, tool); err != nil {
			return fmt.Errorf("tool (%s): %w", tag, err)
		}
		s.Tool = tool
	}
	return nil
}

// MarshalYAML encodes the tool as a single-key tagged map.
func (s ToolSpec) MarshalYAML() (any, error) {
	if s.Tool == nil {
		return nil, nil
	}
	tag, err := toolTag(s.Tool)
	if err != nil {
		return nil, err
	}
	return map[string]tools.Tool{tag: s.Tool}, nil
}

// UnmarshalYAML decodes a single-key tagged tool map.
func (s *ToolSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("tool: expected a single type tag mapping")
	}
	tag := node.Content[0].Value
	tool, err := newTool(tag)
	if err != nil {
		return err
	}
	if err := node.Content[1].Decode(tool); err != nil {
		return fmt.Errorf("tool (%s): %w", tag, err)
	}
	s.Tool = tool
	return nil
}
