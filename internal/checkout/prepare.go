// Package checkout turns configuration trees into prepared runs:
// resolving devices, fetching live values through the per-run cache,
// evaluating comparisons and folding severities bottom-up.
package checkout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atef-tools/atef/internal/cache"
	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/cs"
	"github.com/atef-tools/atef/internal/happi"
	"github.com/atef-tools/atef/internal/tools"
)

// Options configure one checkout run.
type Options struct {
	// Source serves live (or archived) values. Required.
	Source cs.Source
	// Resolver maps device names onto database entries. Device
	// configurations fail to prepare without one.
	Resolver happi.Resolver
	// FilteredDevices, when non-empty, retains only configurations
	// matching the named devices, PVs or configuration names. Applied
	// before any resolver lookup.
	FilteredDevices []string
	// FetchTimeout bounds each live fetch. Zero selects the cache
	// default.
	FetchTimeout time.Duration
	// Parallel is the number of concurrent leaf fetches. Values below
	// two evaluate serially.
	Parallel int
	// Progress, when set, is called after each evaluated comparison.
	Progress func(done, total int)
}

// PrepareFailure records one channel or device that could not be
// resolved during preparation.
type PrepareFailure struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// Reason renders the failure for results and logs.
func (f PrepareFailure) Reason() string {
	return fmt.Sprintf("%s could not be prepared: %v", f.Name, f.Err)
}

// PreparedComparison is one comparison bound to a concrete channel,
// ready to evaluate. It back-references its source comparison and
// carries the mutable result slot for this run.
type PreparedComparison struct {
	Comparison check.Comparison
	// Identifier displays the checked target, e.g. "im3l0.state" or a
	// PV name.
	Identifier string
	// Identity and Attribute key the fetch through the data cache.
	// Tool comparisons leave Identity empty and name a result field in
	// Attribute.
	Identity  string
	Attribute string

	result *check.Result
}

// Result returns the evaluated result or a zero success before
// evaluation.
func (pc *PreparedComparison) Result() check.Result {
	if pc.result == nil {
		return check.Result{}
	}
	return *pc.result
}

// Evaluated reports whether the comparison has a result.
func (pc *PreparedComparison) Evaluated() bool { return pc.result != nil }

// setResult stores the result once; later writes are ignored so a
// result never changes after it is set.
func (pc *PreparedComparison) setResult(r check.Result) {
	if pc.result == nil {
		pc.result = &r
	}
}

// taggedResult prefixes the reason with the comparison's target so
// folded reasons stay readable.
func (pc *PreparedComparison) taggedResult() check.Result {
	r := pc.Result()
	if r.Reason == "" {
		return r
	}
	label := pc.Identifier
	if name := pc.Comparison.Label(); name != "" {
		label = fmt.Sprintf("%s (%s)", pc.Identifier, name)
	}
	return check.Result{Severity: r.Severity, Reason: fmt.Sprintf("%s: %s", label, r.Reason)}
}

// PreparedNode is one node of the prepared mirror tree. Exactly one
// prepared node exists per retained configuration node, in document
// order.
type PreparedNode interface {
	Title() string
	Origin() config.Configuration
	Result() check.Result
	// finalize folds child results bottom-up and stores the node
	// result. Leaves must be evaluated first.
	finalize() check.Result
	// failuresBelow counts prepare failures in the node's subtree.
	failuresBelow() int
}

// PreparedGroup mirrors a configuration group.
type PreparedGroup struct {
	origin  *config.Group
	parent  *PreparedGroup
	Configs []PreparedNode
	// Failures lists children that could not be prepared at this
	// level.
	Failures []PrepareFailure

	result *check.Result
}

func (g *PreparedGroup) Title() string                { return g.origin.Title() }
func (g *PreparedGroup) Origin() config.Configuration { return g.origin }

func (g *PreparedGroup) Result() check.Result {
	if g.result == nil {
		return check.Result{}
	}
	return *g.result
}

// PreparedDeviceConfig mirrors a device configuration with its devices
// resolved through the device database.
type PreparedDeviceConfig struct {
	origin      *config.DeviceConfiguration
	parent      *PreparedGroup
	Comparisons []*PreparedComparison
	// Failures lists devices that could not be resolved. The node is
	// still part of the run; each failure forces error severity.
	Failures []PrepareFailure

	result *check.Result
}

func (d *PreparedDeviceConfig) Title() string                { return d.origin.Title() }
func (d *PreparedDeviceConfig) Origin() config.Configuration { return d.origin }

func (d *PreparedDeviceConfig) Result() check.Result {
	if d.result == nil {
		return check.Result{}
	}
	return *d.result
}

// PreparedPVConfig mirrors a PV configuration. PVs resolve directly to
// their own identity; no database is involved.
type PreparedPVConfig struct {
	origin      *config.PVConfiguration
	parent      *PreparedGroup
	Comparisons []*PreparedComparison

	result *check.Result
}

func (p *PreparedPVConfig) Title() string                { return p.origin.Title() }
func (p *PreparedPVConfig) Origin() config.Configuration { return p.origin }

func (p *PreparedPVConfig) Result() check.Result {
	if p.result == nil {
		return check.Result{}
	}
	return *p.result
}

// PreparedToolConfig mirrors a tool configuration. The tool runs once
// per checkout; its result fields feed the attached comparisons.
type PreparedToolConfig struct {
	origin      *config.ToolConfiguration
	parent      *PreparedGroup
	Tool        tools.Tool
	Comparisons []*PreparedComparison
	Failures    []PrepareFailure

	result *check.Result
}

func (t *PreparedToolConfig) Title() string                { return t.origin.Title() }
func (t *PreparedToolConfig) Origin() config.Configuration { return t.origin }

func (t *PreparedToolConfig) Result() check.Result {
	if t.result == nil {
		return check.Result{}
	}
	return *t.result
}

// PreparedFile pairs a configuration document with the per-run state
// of one checkout. A prepared file belongs to exactly one run and is
// discarded afterwards.
type PreparedFile struct {
	File  *config.ConfigurationFile
	Root  *PreparedGroup
	Cache *cache.DataCache
	opts  Options
}

// Prepare walks the configuration tree depth-first and builds the
// prepared mirror: devices resolved, channels bound, comparisons
// collected. Filtering is applied before any resolver I/O. Resolution
// failures never abort preparation; they are recorded on the prepared
// nodes and force error severity at evaluation.
func Prepare(ctx context.Context, file *config.ConfigurationFile, opts Options) (*PreparedFile, error) {
	if file == nil {
		return nil, fmt.Errorf("no configuration file")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("no data source configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pf := &PreparedFile{
		File:  file,
		Cache: cache.New(opts.Source, opts.FetchTimeout),
		opts:  opts,
	}
	filter := newDeviceFilter(opts.FilteredDevices)
	pf.Root = prepareGroup(&file.Root, nil, filter, opts.Resolver)
	return pf, nil
}

// deviceFilter retains configurations by device, PV or configuration
// name. An empty filter retains everything.
type deviceFilter map[string]struct{}

func newDeviceFilter(names []string) deviceFilter {
	if len(names) == 0 {
		return nil
	}
	f := make(deviceFilter, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

func (f deviceFilter) empty() bool { return len(f) == 0 }

func (f deviceFilter) matches(name string) bool {
	if f.empty() {
		return true
	}
	_, ok := f[name]
	return ok
}

// retain intersects names with the filter, keeping order. A matching
// configName retains every name.
func (f deviceFilter) retain(names []string, configName string) []string {
	if f.empty() || f.matches(configName) {
		return names
	}
	var kept []string
	for _, n := range names {
		if f.matches(n) {
			kept = append(kept, n)
		}
	}
	return kept
}

func prepareGroup(g *config.Group, parent *PreparedGroup, filter deviceFilter, resolver happi.Resolver) *PreparedGroup {
	pg := &PreparedGroup{origin: g, parent: parent}
	for _, child := range g.Configs {
		switch node := child.(type) {
		case *config.Group:
			sub := prepareGroup(node, pg, filter, resolver)
			if filter.empty() || len(sub.Configs) > 0 || len(sub.Failures) > 0 {
				pg.Configs = append(pg.Configs, sub)
			}
		case *config.DeviceConfiguration:
			if prepared := prepareDeviceConfig(node, pg, filter, resolver); prepared != nil {
				pg.Configs = append(pg.Configs, prepared)
			}
		case *config.PVConfiguration:
			if prepared := preparePVConfig(node, pg, filter); prepared != nil {
				pg.Configs = append(pg.Configs, prepared)
			}
		case *config.ToolConfiguration:
			if prepared := prepareToolConfig(node, pg, filter); prepared != nil {
				pg.Configs = append(pg.Configs, prepared)
			}
		}
	}
	return pg
}

func prepareDeviceConfig(dc *config.DeviceConfiguration, parent *PreparedGroup, filter deviceFilter, resolver happi.Resolver) *PreparedDeviceConfig {
	devices := filter.retain(dc.Devices, dc.Name)
	if len(devices) == 0 {
		return nil
	}
	prepared := &PreparedDeviceConfig{origin: dc, parent: parent}
	attrs := sortedKeys(dc.ByAttr)

	for _, devName := range devices {
		if resolver == nil {
			prepared.Failures = append(prepared.Failures, PrepareFailure{
				Name: devName,
				Err:  fmt.Errorf("no device database configured"),
			})
			continue
		}
		device, err := resolver.Resolve(devName)
		if err != nil {
			prepared.Failures = append(prepared.Failures, PrepareFailure{Name: devName, Err: err})
			continue
		}
		for _, attr := range attrs {
			channel := device.Channel(attr)
			for _, cmp := range combined(dc.ByAttr[attr], dc.Shared) {
				prepared.Comparisons = append(prepared.Comparisons, &PreparedComparison{
					Comparison: cmp,
					Identifier: devName + "." + attr,
					Identity:   channel,
				})
			}
		}
	}
	return prepared
}

func preparePVConfig(pc *config.PVConfiguration, parent *PreparedGroup, filter deviceFilter) *PreparedPVConfig {
	pvs := filter.retain(sortedKeys(pc.ByPV), pc.Name)
	if len(pvs) == 0 {
		return nil
	}
	prepared := &PreparedPVConfig{origin: pc, parent: parent}
	for _, pv := range pvs {
		for _, cmp := range combined(pc.ByPV[pv], pc.Shared) {
			prepared.Comparisons = append(prepared.Comparisons, &PreparedComparison{
				Comparison: cmp,
				Identifier: pv,
				Identity:   pv,
			})
		}
	}
	return prepared
}

func prepareToolConfig(tc *config.ToolConfiguration, parent *PreparedGroup, filter deviceFilter) *PreparedToolConfig {
	if !filter.empty() && !filter.matches(tc.Name) {
		return nil
	}
	prepared := &PreparedToolConfig{origin: tc, parent: parent, Tool: tc.Tool.Tool}
	if prepared.Tool == nil {
		prepared.Failures = append(prepared.Failures, PrepareFailure{
			Name: tc.Name,
			Err:  fmt.Errorf("no tool configured"),
		})
		return prepared
	}
	for _, field := range sortedKeys(tc.ByAttr) {
		for _, cmp := range combined(tc.ByAttr[field], tc.Shared) {
			prepared.Comparisons = append(prepared.Comparisons, &PreparedComparison{
				Comparison: cmp,
				Identifier: tc.Name + "." + field,
				Attribute:  field,
			})
		}
	}
	return prepared
}

// combined joins attribute comparisons with the configuration's shared
// ones without mutating either slice.
func combined(own, shared check.ComparisonList) []check.Comparison {
	out := make([]check.Comparison, 0, len(own)+len(shared))
	out = append(out, own...)
	out = append(out, shared...)
	return out
}

// sortedKeys orders map keys so evaluation and reporting stay
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Walk visits every prepared node depth-first in document order, root
// included.
func (pf *PreparedFile) Walk(visit func(PreparedNode)) {
	walkPrepared(pf.Root, visit)
}

func walkPrepared(node PreparedNode, visit func(PreparedNode)) {
	visit(node)
	if group, ok := node.(*PreparedGroup); ok {
		for _, child := range group.Configs {
			walkPrepared(child, visit)
		}
	}
}

// ComparisonCount reports how many prepared comparisons the run holds.
func (pf *PreparedFile) ComparisonCount() int {
	count := 0
	pf.Walk(func(node PreparedNode) {
		switch n := node.(type) {
		case *PreparedDeviceConfig:
			count += len(n.Comparisons)
		case *PreparedPVConfig:
			count += len(n.Comparisons)
		case *PreparedToolConfig:
			count += len(n.Comparisons)
		}
	})
	return count
}
