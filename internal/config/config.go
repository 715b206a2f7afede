// Package config defines the checkout configuration tree and its
// on-disk YAML/JSON encoding. The tree is the immutable source of
// truth; per-run state lives in the prepared mirror built by the
// checkout package.
package config

import (
	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/tools"
)

// Common holds the fields shared by every configuration node.
type Common struct {
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Title names the node for run entries, logs and reports.
func (c *Common) Title() string { return c.Name }

func (c *Common) common() *Common { return c }

// Configuration is one node of the checkout tree. The variant set is
// closed; the codec maps type tags onto the concrete types below.
type Configuration interface {
	Title() string
	common() *Common
}

// Group nests child configurations and combines their results under an
// aggregation mode.
type Group struct {
	Common `yaml:",inline"`
	// Mode selects how child severities combine: all requires every
	// child to pass, any accepts one passing child. Unresolved children
	// force at least error severity regardless of mode.
	Mode    check.ReduceMode  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Configs ConfigurationList `json:"configs" yaml:"configs"`
}

// DeviceConfiguration checks attributes of devices resolved through
// the device database. Every named device is checked against every
// attribute entry.
type DeviceConfiguration struct {
	Common  `yaml:",inline"`
	Devices []string `json:"devices,omitempty" yaml:"devices,omitempty"`
	// ByAttr maps attribute paths onto their comparisons.
	ByAttr map[string]check.ComparisonList `json:"by_attr" yaml:"by_attr"`
	// Shared comparisons apply to every attribute in ByAttr.
	Shared check.ComparisonList `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// PVConfiguration checks process variables addressed directly, with no
// device database involved.
type PVConfiguration struct {
	Common `yaml:",inline"`
	// ByPV maps PV names onto their comparisons.
	ByPV map[string]check.ComparisonList `json:"by_pv" yaml:"by_pv"`
	// Shared comparisons apply to every PV in ByPV.
	Shared check.ComparisonList `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// ToolConfiguration runs a host-side tool and checks its result
// fields.
type ToolConfiguration struct {
	Common `yaml:",inline"`
	Tool   ToolSpec `json:"tool" yaml:"tool"`
	// ByAttr maps tool result fields onto their comparisons.
	ByAttr map[string]check.ComparisonList `json:"by_attr" yaml:"by_attr"`
	Shared check.ComparisonList            `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// ToolSpec is the polymorphic tool reference inside a
// ToolConfiguration, encoded as a single-key tagged map like every
// other union in the format.
type ToolSpec struct {
	Tool tools.Tool
}

// ConfigurationFile is a complete checkout document.
type ConfigurationFile struct {
	Version int   `json:"version" yaml:"version"`
	Root    Group `json:"root" yaml:"root"`
}

// Walk visits every node depth-first in document order, root included.
func (f *ConfigurationFile) Walk(visit func(Configuration)) {
	walkConfig(&f.Root, visit)
}

// Walk visits the group and its descendants in document order.
func (g *Group) Walk(visit func(Configuration)) {
	walkConfig(g, visit)
}

func walkConfig(node Configuration, visit func(Configuration)) {
	visit(node)
	if group, ok := node.(*Group); ok {
		for _, child := range group.Configs {
			walkConfig(child, visit)
		}
	}
}

// DeviceNames collects every device referenced by the tree, in
// document order without duplicates.
func (f *ConfigurationFile) DeviceNames() []string {
	seen := map[string]struct{}{}
	var names []string
	f.Walk(func(node Configuration) {
		dc, ok := node.(*DeviceConfiguration)
		if !ok {
			return
		}
		for _, dev := range dc.Devices {
			if _, dup := seen[dev]; dup {
				continue
			}
			seen[dev] = struct{}{}
			names = append(names, dev)
		}
	})
	return names
}
