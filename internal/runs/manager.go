// Package runs owns background checkout runs for serve mode: starting
// them, tracking progress, keeping finished reports queryable for a
// while and recording them to history.
package runs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/config"
)

// MaxRuns limits concurrently tracked runs to prevent memory exhaustion.
const MaxRuns = 20

// RunMaxAge is how long to keep finished runs before cleanup.
const RunMaxAge = 30 * time.Minute

// RunKeepAliveWindow is how long to keep runs that are actively viewed.
const RunKeepAliveWindow = 5 * time.Minute

// Status tracks a run through its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Run is the externally visible state of one checkout run.
type Run struct {
	ID       string  `json:"id"`
	FileID   string  `json:"file_id,omitempty"`
	FileName string  `json:"file_name"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	// Done/Total count evaluated comparisons.
	Done      int            `json:"done"`
	Total     int            `json:"total"`
	Overall   check.Severity `json:"overall"`
	StartedAt time.Time      `json:"started_at"`
	Error     string         `json:"error,omitempty"`
}

// Recorder persists finished reports. Satisfied by the history store.
type Recorder interface {
	Record(report *checkout.CheckoutReport) error
}

type runState struct {
	run          *Run
	report       *checkout.CheckoutReport
	cancel       context.CancelFunc
	lastAccessed time.Time
}

// Manager tracks active and recently finished checkout runs.
type Manager struct {
	mu     sync.RWMutex
	runs   map[string]*runState
	opts   checkout.Options
	record Recorder
}

// NewManager returns a manager launching runs with the given base
// options. record may be nil to skip history.
func NewManager(opts checkout.Options, record Recorder) *Manager {
	return &Manager{
		runs:   make(map[string]*runState),
		opts:   opts,
		record: record,
	}
}

// StartRun launches a checkout of file in the background and returns
// its initial state.
func (m *Manager) StartRun(fileID, fileName string, file *config.ConfigurationFile, filteredDevices []string) (*Run, error) {
	if file == nil {
		return nil, fmt.Errorf("no configuration file")
	}
	m.cleanupOldRunsIfNeeded()

	runID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	run := &Run{
		ID:        runID,
		FileID:    fileID,
		FileName:  fileName,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	state := &runState{run: run, cancel: cancel, lastAccessed: time.Now()}

	m.mu.Lock()
	m.runs[runID] = state
	m.mu.Unlock()

	// Snapshot before the goroutine starts writing run state.
	initial := snapshot(run)
	go m.runCheckout(ctx, runID, file, filteredDevices)

	return initial, nil
}

func (m *Manager) runCheckout(ctx context.Context, runID string, file *config.ConfigurationFile, filteredDevices []string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[Run %s] PANIC recovered: %v\n", runID[:8], r)
			m.failRun(runID, fmt.Sprintf("checkout panicked: %v", r))
		}
	}()

	start := time.Now()
	fmt.Printf("[Run %s] Starting checkout of %s\n", runID[:8], file.Root.Name)

	opts := m.opts
	opts.FilteredDevices = filteredDevices
	opts.Progress = func(done, total int) {
		var progress float64
		if total > 0 {
			progress = float64(done) * 100.0 / float64(total)
		}
		m.mu.Lock()
		if state, ok := m.runs[runID]; ok {
			state.run.Progress = progress
			state.run.Done = done
			state.run.Total = total
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if state, ok := m.runs[runID]; ok {
		state.run.Status = StatusRunning
	}
	m.mu.Unlock()

	report, err := checkout.RunCheckout(ctx, file, opts)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Printf("[Run %s] Canceled after %s\n", runID[:8], time.Since(start).Round(time.Millisecond))
			m.markCanceled(runID)
			return
		}
		fmt.Printf("[Run %s] ERROR: checkout failed: %v\n", runID[:8], err)
		m.failRun(runID, err.Error())
		return
	}
	// A canceled context does not fail the checkout: leaves come back
	// as internal_error results and RunCheckout returns normally. The
	// run still counts as canceled, not complete, and is not recorded.
	if ctx.Err() != nil {
		fmt.Printf("[Run %s] Canceled after %s\n", runID[:8], time.Since(start).Round(time.Millisecond))
		m.markCanceled(runID)
		return
	}

	// The run is addressed by the manager's id everywhere.
	report.RunID = runID

	fmt.Printf("[Run %s] Checkout complete: %s (%d comparisons, %d fetches, %s)\n",
		runID[:8], report.Overall, report.Comparisons, report.Fetches,
		report.Duration().Round(time.Millisecond))

	m.mu.Lock()
	state, ok := m.runs[runID]
	if ok {
		state.report = report
		state.run.Status = StatusComplete
		state.run.Progress = 100
		state.run.Overall = report.Overall
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.record != nil {
		if err := m.record.Record(report); err != nil {
			fmt.Printf("[Run %s] Warning: failed to record history: %v\n", runID[:8], err)
		}
	}
}

func (m *Manager) failRun(runID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.runs[runID]
	if !ok {
		return
	}
	state.run.Status = StatusError
	state.run.Error = reason
}

func (m *Manager) markCanceled(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.runs[runID]
	if !ok {
		return
	}
	state.run.Status = StatusCanceled
}

// CancelRun aborts an in-flight run. Finished runs are left alone.
func (m *Manager) CancelRun(id string) bool {
	m.mu.Lock()
	state, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	state.cancel()
	return true
}

// GetRun returns the current state of a run.
func (m *Manager) GetRun(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[id]
	if !ok {
		return nil, false
	}
	return snapshot(state.run), true
}

// GetReport returns the finished report for a run, if complete.
func (m *Manager) GetReport(id string) (*checkout.CheckoutReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[id]
	if !ok || state.report == nil {
		return nil, false
	}
	return state.report, true
}

// ListRuns returns tracked runs, newest first.
func (m *Manager) ListRuns() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Run, 0, len(m.runs))
	for _, state := range m.runs {
		list = append(list, snapshot(state.run))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	return list
}

// TouchRun marks a run as actively viewed so cleanup leaves it alone.
func (m *Manager) TouchRun(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.runs[id]
	if !ok {
		return false
	}
	state.lastAccessed = time.Now()
	return true
}

// cleanupOldRunsIfNeeded drops finished runs once the manager is at
// capacity.
func (m *Manager) cleanupOldRunsIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runs) < MaxRuns {
		return
	}

	var finished []string
	for id, state := range m.runs {
		if done(state.run.Status) {
			finished = append(finished, id)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return m.runs[finished[i]].lastAccessed.Before(m.runs[finished[j]].lastAccessed)
	})

	toFree := len(m.runs) - MaxRuns + 1
	for i := 0; i < toFree && i < len(finished); i++ {
		delete(m.runs, finished[i])
		fmt.Printf("[Runs] Cleaned up old run %s to free memory\n", finished[i][:8])
	}
}

// CleanupOldRuns drops finished runs older than maxAge, keeping runs
// viewed within RunKeepAliveWindow.
func (m *Manager) CleanupOldRuns(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-RunKeepAliveWindow)

	for id, state := range m.runs {
		if !done(state.run.Status) {
			continue
		}
		if state.lastAccessed.After(keepAliveCutoff) {
			continue
		}
		if state.lastAccessed.Before(cutoff) {
			delete(m.runs, id)
			fmt.Printf("[Runs] Cleaned up aged run %s (last accessed %s ago)\n",
				id[:8], time.Since(state.lastAccessed).Round(time.Second))
		}
	}
}

func done(s Status) bool {
	return s == StatusComplete || s == StatusError || s == StatusCanceled
}

func snapshot(r *Run) *Run {
	copied := *r
	return &copied
}
