// Package grafana turns a checkout configuration into a Grafana
// dashboard so operators can watch the channels a checkout covers. The
// generated JSON targets the EPICS archiver appliance datasource.
package grafana

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/happi"
)

// Dashboard is the root of the exported JSON document.
type Dashboard struct {
	Title         string     `json:"title"`
	Tags          []string   `json:"tags,omitempty"`
	Editable      bool       `json:"editable"`
	SchemaVersion int        `json:"schemaVersion"`
	Refresh       string     `json:"refresh"`
	Time          TimeRange  `json:"time"`
	Timepicker    Timepicker `json:"timepicker"`
	Panels        []Panel    `json:"panels"`
}

// TimeRange is the default dashboard window.
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Timepicker mirrors the refresh/time option lists Grafana expects.
type Timepicker struct {
	RefreshIntervals []string `json:"refresh_intervals"`
	TimeOptions      []string `json:"time_options"`
}

// GridPos places a panel on the dashboard grid.
type GridPos struct {
	H int `json:"h"`
	W int `json:"w"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Target is one EPICS archiver query inside a panel.
type Target struct {
	RefID    string `json:"refId"`
	Target   string `json:"target"`
	Alias    string `json:"alias,omitempty"`
	Operator string `json:"operator,omitempty"`
	Regex    bool   `json:"regex"`
	Stream   bool   `json:"stream"`
	StrmInt  string `json:"strmInt,omitempty"`
}

// Threshold is one step of a panel's threshold config.
type Threshold struct {
	Color string   `json:"color"`
	Value *float64 `json:"value"`
}

// ThresholdsConfig selects absolute thresholds with ordered steps.
type ThresholdsConfig struct {
	Mode  string      `json:"mode"`
	Steps []Threshold `json:"steps"`
}

// FieldDefaults carries the per-field display settings we emit.
type FieldDefaults struct {
	Thresholds ThresholdsConfig `json:"thresholds"`
	Min        *float64         `json:"min,omitempty"`
	Max        *float64         `json:"max,omitempty"`
}

// FieldConfig wraps field defaults; overrides stay empty.
type FieldConfig struct {
	Defaults  FieldDefaults `json:"defaults"`
	Overrides []any         `json:"overrides"`
}

// Panel is either a row or a timeseries panel.
type Panel struct {
	ID          int          `json:"id"`
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Collapsed   bool         `json:"collapsed,omitempty"`
	GridPos     GridPos      `json:"gridPos"`
	Targets     []Target     `json:"targets,omitempty"`
	FieldConfig *FieldConfig `json:"fieldConfig,omitempty"`
}

// Options configure dashboard generation.
type Options struct {
	// Resolver maps device attributes onto channel names. Without one,
	// device channels fall back to name.attribute addressing.
	Resolver happi.Resolver
	// Refresh is the dashboard auto-refresh interval.
	Refresh string
}

const (
	panelWidth  = 12
	panelHeight = 8
	rowHeight   = 1
	gridColumns = 24
)

// Build generates a dashboard with one row per top-level configuration
// and one timeseries panel per checked channel, in document order.
func Build(file *config.ConfigurationFile, opts Options) (*Dashboard, error) {
	if file == nil {
		return nil, fmt.Errorf("no configuration file")
	}
	refresh := opts.Refresh
	if refresh == "" {
		refresh = "10s"
	}

	d := &Dashboard{
		Title:         file.Root.Name,
		Tags:          file.Root.Tags,
		Editable:      true,
		SchemaVersion: 32,
		Refresh:       refresh,
		Time:          TimeRange{From: "now-1h", To: "now"},
		Timepicker: Timepicker{
			RefreshIntervals: []string{"5s", "10s", "30s", "1m", "5m", "15m", "30m", "1h", "2h", "1d"},
			TimeOptions:      []string{"5m", "15m", "1h", "6h", "12h", "24h", "2d", "7d", "30d"},
		},
	}
	if d.Title == "" {
		d.Title = "atef checkout"
	}

	b := &builder{dashboard: d, resolver: opts.Resolver}
	for _, node := range file.Root.Configs {
		b.addConfig(node)
	}
	return d, nil
}

// Marshal renders the dashboard as indented JSON.
func Marshal(d *Dashboard) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal dashboard: %w", err)
	}
	return data, nil
}

type builder struct {
	dashboard *Dashboard
	resolver  happi.Resolver
	nextID    int
	y         int
	x         int
}

func (b *builder) id() int {
	b.nextID++
	return b.nextID
}

func (b *builder) addConfig(node config.Configuration) {
	switch c := node.(type) {
	case *config.Group:
		b.addRow(c.Name, c.Description)
		for _, child := range c.Configs {
			b.addConfig(child)
		}
	case *config.DeviceConfiguration:
		b.addRow(c.Name, c.Description)
		for _, dev := range c.Devices {
			for _, attr := range sortedKeys(c.ByAttr) {
				channel := b.deviceChannel(dev, attr)
				b.addTimeseries(dev+"."+attr, channel, c.ByAttr[attr])
			}
		}
	case *config.PVConfiguration:
		b.addRow(c.Name, c.Description)
		for _, pv := range sortedKeys(c.ByPV) {
			b.addTimeseries(pv, pv, c.ByPV[pv])
		}
	case *config.ToolConfiguration:
		// Tool results have no archived channel to plot.
	}
}

func (b *builder) deviceChannel(device, attr string) string {
	if b.resolver != nil {
		if dev, err := b.resolver.Resolve(device); err == nil {
			return dev.Channel(attr)
		}
	}
	return device + "." + attr
}

func (b *builder) addRow(title, description string) {
	if b.x != 0 {
		b.x = 0
		b.y += panelHeight
	}
	b.dashboard.Panels = append(b.dashboard.Panels, Panel{
		ID:          b.id(),
		Type:        "row",
		Title:       title,
		Description: description,
		GridPos:     GridPos{H: rowHeight, W: gridColumns, X: 0, Y: b.y},
	})
	b.y += rowHeight
}

func (b *builder) addTimeseries(title, channel string, comparisons check.ComparisonList) {
	panel := Panel{
		ID:      b.id(),
		Type:    "timeseries",
		Title:   title,
		GridPos: GridPos{H: panelHeight, W: panelWidth, X: b.x, Y: b.y},
		Targets: []Target{{
			RefID:   "A",
			Target:  channel,
			Alias:   title,
			Stream:  true,
			StrmInt: "1m",
		}},
		FieldConfig: fieldConfigFor(comparisons),
	}
	b.dashboard.Panels = append(b.dashboard.Panels, panel)

	if b.x == 0 {
		b.x = panelWidth
	} else {
		b.x = 0
		b.y += panelHeight
	}
}

// fieldConfigFor derives threshold steps from the first Range
// comparison attached to the channel: green inside the range, yellow
// inside the warning band and red beyond the bounds.
func fieldConfigFor(comparisons check.ComparisonList) *FieldConfig {
	steps := []Threshold{{Color: "green", Value: nil}}
	var min, max *float64

	for _, cmp := range comparisons {
		r, ok := cmp.(*check.Range)
		if !ok {
			continue
		}
		low, high := r.Low, r.High
		min, max = &low, &high
		if r.WarnHigh != nil {
			steps = append(steps, Threshold{Color: "yellow", Value: r.WarnHigh})
		}
		steps = append(steps, Threshold{Color: "red", Value: &high})
		break
	}

	return &FieldConfig{
		Defaults: FieldDefaults{
			Thresholds: ThresholdsConfig{Mode: "absolute", Steps: steps},
			Min:        min,
			Max:        max,
		},
		Overrides: []any{},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
