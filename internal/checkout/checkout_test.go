package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/cs"
	"github.com/atef-tools/atef/internal/happi"
)

// countingResolver wraps a resolver and records every lookup, so tests
// can prove filtering happens before resolver I/O.
type countingResolver struct {
	inner happi.Resolver
	mu    sync.Mutex
	calls []string
}

func (c *countingResolver) Resolve(name string) (*happi.Device, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	return c.inner.Resolve(name)
}

func testResolver() happi.Static {
	return happi.Static{
		"im3l0": {
			Name:    "im3l0",
			Signals: map[string]string{"state": "IM3L0:PPM:STATE", "y": "IM3L0:PPM:Y.RBV"},
		},
		"vgc_01": {
			Name:    "vgc_01",
			Signals: map[string]string{"state": "VGC:01:STATE"},
		},
	}
}

func testTree() *config.ConfigurationFile {
	return &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "checkout"},
			Configs: config.ConfigurationList{
				&config.DeviceConfiguration{
					Common:  config.Common{Name: "imager"},
					Devices: []string{"im3l0"},
					ByAttr: map[string]check.ComparisonList{
						"state": {&check.Equals{Value: "OUT"}},
					},
				},
				&config.PVConfiguration{
					Common: config.Common{Name: "pressure"},
					ByPV: map[string]check.ComparisonList{
						"AT1K4:GAS:PRES": {&check.Range{Low: 0, High: 0.01, Inclusive: true}},
					},
				},
			},
		},
	}
}

func seededSource() *cs.MemSource {
	src := cs.NewMemSource()
	src.Set("IM3L0:PPM:STATE", "", "OUT")
	src.Set("IM3L0:PPM:Y.RBV", "", 4.2)
	src.Set("VGC:01:STATE", "", "OPEN")
	src.Set("AT1K4:GAS:PRES", "", 0.005)
	return src
}

func TestPrepareMirrorsTree(t *testing.T) {
	file := testTree()
	pf, err := Prepare(context.Background(), file, Options{
		Source:   seededSource(),
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(pf.Root.Configs) != 2 {
		t.Fatalf("prepared %d configs, want 2", len(pf.Root.Configs))
	}

	dev, ok := pf.Root.Configs[0].(*PreparedDeviceConfig)
	if !ok {
		t.Fatalf("first prepared node is %T", pf.Root.Configs[0])
	}
	if dev.Origin() != file.Root.Configs[0] {
		t.Error("prepared node must back-reference its origin")
	}
	if len(dev.Comparisons) != 1 {
		t.Fatalf("imager comparisons = %d, want 1", len(dev.Comparisons))
	}
	leaf := dev.Comparisons[0]
	if leaf.Identity != "IM3L0:PPM:STATE" || leaf.Identifier != "im3l0.state" {
		t.Errorf("leaf bound to %q (%q)", leaf.Identity, leaf.Identifier)
	}
	if leaf.Evaluated() {
		t.Error("preparation must not evaluate comparisons")
	}

	pv, ok := pf.Root.Configs[1].(*PreparedPVConfig)
	if !ok {
		t.Fatalf("second prepared node is %T", pf.Root.Configs[1])
	}
	if pv.Comparisons[0].Identity != "AT1K4:GAS:PRES" {
		t.Errorf("pv leaf bound to %q", pv.Comparisons[0].Identity)
	}
}

func TestPrepareDoesNotFetch(t *testing.T) {
	src := seededSource()
	_, err := Prepare(context.Background(), testTree(), Options{
		Source:   src,
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if src.TotalFetches() != 0 {
		t.Errorf("preparation issued %d fetches, want 0", src.TotalFetches())
	}
}

func TestRunCheckoutAllPassing(t *testing.T) {
	report, err := RunCheckout(context.Background(), testTree(), Options{
		Source:   seededSource(),
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != check.SeveritySuccess {
		t.Errorf("overall = %v, want success", report.Overall)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}
	if report.Entries[0].Identity != "imager" || report.Entries[1].Identity != "pressure" {
		t.Errorf("entries out of document order: %+v", report.Entries)
	}
	if report.RunID == "" {
		t.Error("run id missing")
	}
	if report.Comparisons != 2 || report.Fetches != 2 {
		t.Errorf("comparisons = %d, fetches = %d", report.Comparisons, report.Fetches)
	}
}

func TestFailingComparisonReportsExpectedAndActual(t *testing.T) {
	src := seededSource()
	src.Set("IM3L0:PPM:STATE", "", "IN")

	report, err := RunCheckout(context.Background(), testTree(), Options{
		Source:   src,
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entry := report.Entries[0]
	if entry.Severity != check.SeverityError {
		t.Fatalf("severity = %v, want error", entry.Severity)
	}
	if !strings.Contains(entry.Result.Reason, "im3l0.state") ||
		!strings.Contains(entry.Result.Reason, "expected OUT, got IN") {
		t.Errorf("reason = %q", entry.Result.Reason)
	}
}

func TestGroupWorstCaseWins(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.Group{
					Common: config.Common{Name: "mixed"},
					Configs: config.ConfigurationList{
						&config.PVConfiguration{
							Common: config.Common{Name: "good"},
							ByPV:   map[string]check.ComparisonList{"PV:GOOD": {&check.Equals{Value: 1}}},
						},
						&config.PVConfiguration{
							Common: config.Common{Name: "bad"},
							ByPV:   map[string]check.ComparisonList{"PV:BAD": {&check.Equals{Value: 1}}},
						},
					},
				},
			},
		},
	}
	src := cs.NewMemSource()
	src.Set("PV:GOOD", "", 1)
	src.Set("PV:BAD", "", 2)

	report, err := RunCheckout(context.Background(), file, Options{Source: src})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != check.SeverityError {
		t.Errorf("overall = %v, want error", report.Overall)
	}
	if len(report.Entries) != 1 || report.Entries[0].Identity != "mixed" {
		t.Fatalf("entries = %+v", report.Entries)
	}
	if !strings.Contains(report.Entries[0].Result.Reason, "bad:") {
		t.Errorf("group reason should tag the failing child: %q", report.Entries[0].Result.Reason)
	}
}

func TestAnyModeGroup(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.Group{
					Common: config.Common{Name: "either"},
					Mode:   check.ReduceAny,
					Configs: config.ConfigurationList{
						&config.PVConfiguration{
							Common: config.Common{Name: "a"},
							ByPV:   map[string]check.ComparisonList{"PV:A": {&check.Equals{Value: 1}}},
						},
						&config.PVConfiguration{
							Common: config.Common{Name: "b"},
							ByPV:   map[string]check.ComparisonList{"PV:B": {&check.Equals{Value: 1}}},
						},
					},
				},
			},
		},
	}
	src := cs.NewMemSource()
	src.Set("PV:A", "", 0)
	src.Set("PV:B", "", 1)

	report, err := RunCheckout(context.Background(), file, Options{Source: src})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != check.SeveritySuccess {
		t.Errorf("overall = %v, want success (any mode, one child passed)", report.Overall)
	}
}

func TestUnresolvableDeviceDoesNotBlockSiblings(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.DeviceConfiguration{
					Common:  config.Common{Name: "ghost"},
					Devices: []string{"im9999"},
					ByAttr:  map[string]check.ComparisonList{"state": {&check.AnyValue{}}},
				},
				&config.DeviceConfiguration{
					Common:  config.Common{Name: "imager"},
					Devices: []string{"im3l0"},
					ByAttr:  map[string]check.ComparisonList{"state": {&check.Equals{Value: "OUT"}}},
				},
			},
		},
	}
	report, err := RunCheckout(context.Background(), file, Options{
		Source:   seededSource(),
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("run must not abort on an unknown device: %v", err)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}
	ghost := report.Entries[0]
	if ghost.Severity != check.SeverityError {
		t.Errorf("ghost severity = %v, want error", ghost.Severity)
	}
	if !strings.Contains(ghost.Result.Reason, "im9999") {
		t.Errorf("ghost reason = %q", ghost.Result.Reason)
	}
	if report.Entries[1].Severity != check.SeveritySuccess {
		t.Errorf("sibling severity = %v, want success", report.Entries[1].Severity)
	}
}

func TestUnresolvableFloorsAnyMode(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.Group{
					Common: config.Common{Name: "lenient"},
					Mode:   check.ReduceAny,
					Configs: config.ConfigurationList{
						&config.PVConfiguration{
							Common: config.Common{Name: "good"},
							ByPV:   map[string]check.ComparisonList{"PV:GOOD": {&check.Equals{Value: 1}}},
						},
						&config.DeviceConfiguration{
							Common:  config.Common{Name: "ghost"},
							Devices: []string{"im9999"},
							ByAttr:  map[string]check.ComparisonList{"state": {&check.AnyValue{}}},
						},
					},
				},
			},
		},
	}
	src := cs.NewMemSource()
	src.Set("PV:GOOD", "", 1)

	report, err := RunCheckout(context.Background(), file, Options{
		Source:   src,
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entry := report.Entries[0]
	if entry.Severity != check.SeverityError {
		t.Errorf("severity = %v, want error (unresolvable floors any mode)", entry.Severity)
	}
	if !strings.Contains(entry.Result.Reason, initFailureReason) {
		t.Errorf("reason = %q", entry.Result.Reason)
	}
}

func TestFilteredDevicesSkipResolverAndEntries(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.DeviceConfiguration{
					Common:  config.Common{Name: "imager"},
					Devices: []string{"im3l0"},
					ByAttr:  map[string]check.ComparisonList{"state": {&check.Equals{Value: "OUT"}}},
				},
				&config.DeviceConfiguration{
					Common:  config.Common{Name: "valve"},
					Devices: []string{"vgc_01"},
					ByAttr:  map[string]check.ComparisonList{"state": {&check.Equals{Value: "OPEN"}}},
				},
			},
		},
	}
	resolver := &countingResolver{inner: testResolver()}
	report, err := RunCheckout(context.Background(), file, Options{
		Source:          seededSource(),
		Resolver:        resolver,
		FilteredDevices: []string{"im3l0"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Identity != "imager" {
		t.Fatalf("entries = %+v, want only imager", report.Entries)
	}
	for _, called := range resolver.calls {
		if called != "im3l0" {
			t.Errorf("resolver called for filtered-out device %q", called)
		}
	}
}

func TestAtMostOneFetchPerChannel(t *testing.T) {
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.PVConfiguration{
					Common: config.Common{Name: "repeated"},
					ByPV: map[string]check.ComparisonList{
						"PV:SHARED": {
							&check.Greater{Value: 0},
							&check.Less{Value: 10},
							&check.NotEquals{Value: 9},
						},
					},
				},
				&config.PVConfiguration{
					Common: config.Common{Name: "again"},
					ByPV:   map[string]check.ComparisonList{"PV:SHARED": {&check.AnyValue{}}},
				},
			},
		},
	}
	src := cs.NewMemSource()
	src.Set("PV:SHARED", "", 5)

	report, err := RunCheckout(context.Background(), file, Options{Source: src, Parallel: 4})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != check.SeveritySuccess {
		t.Errorf("overall = %v", report.Overall)
	}
	if n := src.Fetches("PV:SHARED", ""); n != 1 {
		t.Errorf("source fetches = %d, want 1 for 4 comparisons", n)
	}
}

func TestSequentialRunsAreCacheIsolated(t *testing.T) {
	file := testTree()
	src := seededSource()
	opts := Options{Source: src, Resolver: testResolver()}

	if _, err := RunCheckout(context.Background(), file, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := RunCheckout(context.Background(), file, opts); err != nil {
		t.Fatal(err)
	}
	if n := src.Fetches("AT1K4:GAS:PRES", ""); n != 2 {
		t.Errorf("fetches across two runs = %d, want 2 (one per run)", n)
	}
}

func TestDisconnectedChannelBecomesInternalError(t *testing.T) {
	file := testTree()
	src := seededSource()
	src.Fail("AT1K4:GAS:PRES", "", cs.ErrDisconnected)

	report, err := RunCheckout(context.Background(), file, Options{
		Source:   src,
		Resolver: testResolver(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	pressure := report.Entries[1]
	if pressure.Severity != check.SeverityInternalError {
		t.Errorf("severity = %v, want internal_error", pressure.Severity)
	}
	if !errorsIsInReason(pressure.Result.Reason, "disconnected") {
		t.Errorf("reason = %q", pressure.Result.Reason)
	}
	if report.Entries[0].Severity != check.SeveritySuccess {
		t.Errorf("healthy sibling severity = %v", report.Entries[0].Severity)
	}
}

func errorsIsInReason(reason, substr string) bool {
	return strings.Contains(strings.ToLower(reason), substr)
}

func TestParallelMatchesSerial(t *testing.T) {
	build := func() *config.ConfigurationFile {
		byPV := map[string]check.ComparisonList{}
		for _, pv := range []string{"PV:A", "PV:B", "PV:C", "PV:D", "PV:E"} {
			byPV[pv] = check.ComparisonList{&check.Range{Low: 0, High: 100, Inclusive: true}}
		}
		return &config.ConfigurationFile{
			Root: config.Group{
				Common: config.Common{Name: "root"},
				Configs: config.ConfigurationList{
					&config.PVConfiguration{Common: config.Common{Name: "bank"}, ByPV: byPV},
				},
			},
		}
	}
	src := cs.NewMemSource()
	for i, pv := range []string{"PV:A", "PV:B", "PV:C", "PV:D", "PV:E"} {
		src.Set(pv, "", i*10)
	}

	serial, err := RunCheckout(context.Background(), build(), Options{Source: src})
	if err != nil {
		t.Fatal(err)
	}
	parallel, err := RunCheckout(context.Background(), build(), Options{Source: src, Parallel: 4})
	if err != nil {
		t.Fatal(err)
	}
	if serial.Overall != parallel.Overall {
		t.Errorf("parallel overall %v != serial %v", parallel.Overall, serial.Overall)
	}
	if len(serial.Entries) != len(parallel.Entries) {
		t.Fatalf("entry counts differ")
	}
	for i := range serial.Entries {
		if serial.Entries[i].Result != parallel.Entries[i].Result {
			t.Errorf("entry %d differs: %+v vs %+v", i, serial.Entries[i], parallel.Entries[i])
		}
	}
}

func TestProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	_, err := RunCheckout(context.Background(), testTree(), Options{
		Source:   seededSource(),
		Resolver: testResolver(),
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != 2 {
				t.Errorf("total = %d, want 2", total)
			}
			seen = append(seen, done)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("progress calls = %d, want 2", len(seen))
	}
}

type fakeTool struct {
	fields map[string]any
	err    error
	runs   int
}

func (f *fakeTool) Run(ctx context.Context) (map[string]any, error) {
	f.runs++
	if f.err != nil {
		return nil, f.err
	}
	return f.fields, nil
}

func TestToolConfiguration(t *testing.T) {
	tool := &fakeTool{fields: map[string]any{"unresponsive": 0, "avg_time": 1.5}}
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.ToolConfiguration{
					Common: config.Common{Name: "network"},
					Tool:   config.ToolSpec{Tool: tool},
					ByAttr: map[string]check.ComparisonList{
						"unresponsive": {&check.Equals{Value: 0}},
						"avg_time":     {&check.Less{Value: 10.0}},
					},
				},
			},
		},
	}
	report, err := RunCheckout(context.Background(), file, Options{Source: cs.NewMemSource()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Overall != check.SeveritySuccess {
		t.Errorf("overall = %v (%+v)", report.Overall, report.Entries)
	}
	if tool.runs != 1 {
		t.Errorf("tool ran %d times, want once", tool.runs)
	}
}

func TestToolFailureIsRecovered(t *testing.T) {
	tool := &fakeTool{err: errors.New("ping binary missing")}
	file := &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "root"},
			Configs: config.ConfigurationList{
				&config.ToolConfiguration{
					Common: config.Common{Name: "network"},
					Tool:   config.ToolSpec{Tool: tool},
					ByAttr: map[string]check.ComparisonList{"alive": {&check.Greater{Value: 0}}},
				},
			},
		},
	}
	report, err := RunCheckout(context.Background(), file, Options{Source: cs.NewMemSource()})
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if report.Entries[0].Severity != check.SeverityInternalError {
		t.Errorf("severity = %v, want internal_error", report.Entries[0].Severity)
	}
}

func TestCancelledRunStaysBounded(t *testing.T) {
	src := seededSource()
	src.Latency = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := RunCheckout(ctx, testTree(), Options{
		Source:       src,
		Resolver:     testResolver(),
		FetchTimeout: 100 * time.Millisecond,
	})
	if err == nil {
		// Preparation raced the cancel; the evaluation must still have
		// terminated with per-leaf failures rather than hanging.
		if report.Overall != check.SeverityInternalError {
			t.Errorf("overall = %v, want internal_error after cancel", report.Overall)
		}
	}
}
