package runs

import (
	"sync"
	"testing"
	"time"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/cs"
)

func testFile() *config.ConfigurationFile {
	return &config.ConfigurationFile{
		Root: config.Group{
			Common: config.Common{Name: "checkout"},
			Configs: config.ConfigurationList{
				&config.PVConfiguration{
					Common: config.Common{Name: "pressure"},
					ByPV: map[string]check.ComparisonList{
						"AT1K4:GAS:PRES": {&check.Range{Low: 0, High: 0.01, Inclusive: true}},
					},
				},
				&config.PVConfiguration{
					Common: config.Common{Name: "temperature"},
					ByPV: map[string]check.ComparisonList{
						"AT1K4:TEMP": {&check.Equals{Value: 21.0, Atol: 0.5}},
					},
				},
			},
		},
	}
}

func seededSource() *cs.MemSource {
	src := cs.NewMemSource()
	src.Set("AT1K4:GAS:PRES", "", 0.005)
	src.Set("AT1K4:TEMP", "", 21.2)
	return src
}

// recorder collects recorded reports for assertions.
type recorder struct {
	mu      sync.Mutex
	reports []*checkout.CheckoutReport
}

func (r *recorder) Record(report *checkout.CheckoutReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func waitForDone(t *testing.T, m *Manager, id string) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, ok := m.GetRun(id)
		if !ok {
			t.Fatalf("run %s disappeared", id)
		}
		if done(run.Status) {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestStartRunCompletes(t *testing.T) {
	rec := &recorder{}
	m := NewManager(checkout.Options{Source: seededSource()}, rec)

	run, err := m.StartRun("file-1", "checkout.yaml", testFile(), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != StatusPending && run.Status != StatusRunning {
		t.Errorf("initial status = %s", run.Status)
	}

	final := waitForDone(t, m, run.ID)
	if final.Status != StatusComplete {
		t.Fatalf("status = %s (error %q), want complete", final.Status, final.Error)
	}
	if final.Overall != check.SeveritySuccess {
		t.Errorf("overall = %s, want success", final.Overall)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %v, want 100", final.Progress)
	}

	report, ok := m.GetReport(run.ID)
	if !ok {
		t.Fatal("no report for completed run")
	}
	if report.RunID != run.ID {
		t.Errorf("report run id %s != run id %s", report.RunID, run.ID)
	}
	if len(report.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(report.Entries))
	}
	if rec.count() != 1 {
		t.Errorf("recorded %d reports, want 1", rec.count())
	}
}

func TestStartRunSnapshotDetached(t *testing.T) {
	src := seededSource()
	src.Latency = 200 * time.Millisecond
	m := NewManager(checkout.Options{Source: src}, nil)

	run, err := m.StartRun("f", "checkout.yaml", testFile(), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// The returned run is a copy taken before the checkout goroutine
	// starts: mutating it must not leak into the tracked state.
	run.Status = StatusError
	run.Progress = -1

	tracked, ok := m.GetRun(run.ID)
	if !ok {
		t.Fatal("run not tracked")
	}
	if tracked.Status == StatusError || tracked.Progress == -1 {
		t.Errorf("snapshot mutation leaked into tracked run: %+v", tracked)
	}

	waitForDone(t, m, run.ID)
}

func TestCancelRunningRun(t *testing.T) {
	src := seededSource()
	src.Latency = 500 * time.Millisecond
	rec := &recorder{}
	m := NewManager(checkout.Options{Source: src}, rec)

	run, err := m.StartRun("f", "checkout.yaml", testFile(), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// Let the checkout reach its slow fetches before canceling.
	time.Sleep(50 * time.Millisecond)
	if !m.CancelRun(run.ID) {
		t.Fatal("CancelRun() reported failure for a tracked run")
	}

	final := waitForDone(t, m, run.ID)
	if final.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", final.Status)
	}
	if _, ok := m.GetReport(run.ID); ok {
		t.Error("canceled run kept a report")
	}
	if rec.count() != 0 {
		t.Errorf("canceled run was recorded %d times", rec.count())
	}
}

func TestStartRunNilFile(t *testing.T) {
	m := NewManager(checkout.Options{Source: seededSource()}, nil)
	if _, err := m.StartRun("", "x", nil, nil); err == nil {
		t.Fatal("expected error for nil file")
	}
}

func TestRunIsolation(t *testing.T) {
	src := seededSource()
	m := NewManager(checkout.Options{Source: src}, nil)

	first, err := m.StartRun("f", "checkout.yaml", testFile(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitForDone(t, m, first.ID)

	second, err := m.StartRun("f", "checkout.yaml", testFile(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitForDone(t, m, second.ID)

	// Each run starts with an empty cache: the source is fetched again.
	if got := src.Fetches("AT1K4:GAS:PRES", ""); got != 2 {
		t.Errorf("fetches across two runs = %d, want 2", got)
	}

	r1, _ := m.GetReport(first.ID)
	r2, _ := m.GetReport(second.ID)
	if r1.Fetches != 2 || r2.Fetches != 2 {
		t.Errorf("per-run fetch counts = %d, %d, want 2 each", r1.Fetches, r2.Fetches)
	}
}

func TestFilteredRun(t *testing.T) {
	m := NewManager(checkout.Options{Source: seededSource()}, nil)

	run, err := m.StartRun("f", "checkout.yaml", testFile(), []string{"pressure"})
	if err != nil {
		t.Fatal(err)
	}
	waitForDone(t, m, run.ID)

	report, ok := m.GetReport(run.ID)
	if !ok {
		t.Fatal("no report")
	}
	if len(report.Entries) != 1 || report.Entries[0].Identity != "pressure" {
		t.Errorf("filtered entries = %+v", report.Entries)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	m := NewManager(checkout.Options{Source: seededSource()}, nil)

	a, _ := m.StartRun("f", "a.yaml", testFile(), nil)
	waitForDone(t, m, a.ID)
	b, _ := m.StartRun("f", "b.yaml", testFile(), nil)
	waitForDone(t, m, b.ID)

	list := m.ListRuns()
	if len(list) != 2 {
		t.Fatalf("listed %d runs, want 2", len(list))
	}
	if !list[0].StartedAt.After(list[1].StartedAt) && !list[0].StartedAt.Equal(list[1].StartedAt) {
		t.Errorf("runs not newest first: %v then %v", list[0].StartedAt, list[1].StartedAt)
	}
}

func TestCleanupKeepsTouchedRuns(t *testing.T) {
	m := NewManager(checkout.Options{Source: seededSource()}, nil)

	run, _ := m.StartRun("f", "checkout.yaml", testFile(), nil)
	waitForDone(t, m, run.ID)

	// Touched runs survive even an aggressive max age.
	m.TouchRun(run.ID)
	m.CleanupOldRuns(time.Nanosecond)
	if _, ok := m.GetRun(run.ID); !ok {
		t.Fatal("touched run was cleaned up")
	}
}

func TestTouchUnknownRun(t *testing.T) {
	m := NewManager(checkout.Options{Source: seededSource()}, nil)
	if m.TouchRun("nope") {
		t.Error("TouchRun() on unknown id reported success")
	}
	if m.CancelRun("nope") {
		t.Error("CancelRun() on unknown id reported success")
	}
}
