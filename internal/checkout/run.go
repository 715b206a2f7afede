package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/config"
)

// Entry is the outcome for one top-level configuration, in document
// order.
type Entry struct {
	Identity string         `json:"identity" msgpack:"identity"`
	Severity check.Severity `json:"severity" msgpack:"severity"`
	Result   check.Result   `json:"result" msgpack:"result"`
}

// CheckoutReport is the full outcome of one checkout run.
type CheckoutReport struct {
	RunID       string         `json:"run_id" msgpack:"run_id"`
	File        string         `json:"file,omitempty" msgpack:"file"`
	StartedAt   time.Time      `json:"started_at" msgpack:"started_at"`
	FinishedAt  time.Time      `json:"finished_at" msgpack:"finished_at"`
	Overall     check.Severity `json:"overall" msgpack:"overall"`
	Entries     []Entry        `json:"entries" msgpack:"entries"`
	Comparisons int            `json:"comparisons" msgpack:"comparisons"`
	// Fetches counts distinct live fetches the run issued.
	Fetches int `json:"fetches" msgpack:"fetches"`
}

// Duration reports how long the run took.
func (r *CheckoutReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunCheckout prepares and evaluates a configuration file in one call:
// the path used by the CLI and the run manager. Each call is an
// isolated run with its own empty cache. Only structural problems (nil
// file, missing source) return an error; every per-node problem is
// represented inside the report.
func RunCheckout(ctx context.Context, file *config.ConfigurationFile, opts Options) (*CheckoutReport, error) {
	prepared, err := Prepare(ctx, file, opts)
	if err != nil {
		return nil, err
	}
	return prepared.Run(ctx)
}

// Run evaluates an already prepared file and assembles the report.
func (pf *PreparedFile) Run(ctx context.Context) (*CheckoutReport, error) {
	report := &CheckoutReport{
		RunID:       uuid.New().String(),
		File:        pf.File.Root.Name,
		StartedAt:   time.Now(),
		Comparisons: pf.ComparisonCount(),
	}

	pf.Evaluate(ctx)

	for _, child := range pf.Root.Configs {
		r := child.Result()
		report.Entries = append(report.Entries, Entry{
			Identity: child.Title(),
			Severity: r.Severity,
			Result:   r,
		})
	}
	report.Overall = overallSeverity(report.Entries)
	report.Fetches = pf.Cache.FetchCount()
	report.FinishedAt = time.Now()
	return report, nil
}

func overallSeverity(entries []Entry) check.Severity {
	worst := check.SeveritySuccess
	for _, e := range entries {
		if e.Severity > worst {
			worst = e.Severity
		}
	}
	return worst
}
