package checkout

import (
	"context"
	"fmt"
	"sync"

	"github.com/atef-tools/atef/internal/check"
)

// Evaluate fetches every prepared comparison's value through the run
// cache, invokes the comparison engine and folds severities bottom-up.
// It stores results on the prepared tree and returns the root result.
// Per-node problems never abort the run; they surface as severities in
// the result tree.
func (pf *PreparedFile) Evaluate(ctx context.Context) check.Result {
	total := pf.ComparisonCount()
	done := 0
	var progressMu sync.Mutex
	advance := func() {
		if pf.opts.Progress == nil {
			return
		}
		progressMu.Lock()
		done++
		d := done
		progressMu.Unlock()
		pf.opts.Progress(d, total)
	}

	var channelLeaves []*PreparedComparison
	var toolConfigs []*PreparedToolConfig
	pf.Walk(func(node PreparedNode) {
		switch n := node.(type) {
		case *PreparedDeviceConfig:
			channelLeaves = append(channelLeaves, n.Comparisons...)
		case *PreparedPVConfig:
			channelLeaves = append(channelLeaves, n.Comparisons...)
		case *PreparedToolConfig:
			toolConfigs = append(toolConfigs, n)
		}
	})

	pf.evaluateChannels(ctx, channelLeaves, advance)
	for _, tc := range toolConfigs {
		tc.run(ctx, advance)
	}
	return pf.Root.finalize()
}

// evaluateChannels runs the channel-backed comparisons, optionally in
// parallel. The cache guarantees one fetch per distinct channel no
// matter how many workers ask for it.
func (pf *PreparedFile) evaluateChannels(ctx context.Context, leaves []*PreparedComparison, advance func()) {
	workers := pf.opts.Parallel
	if workers < 2 || len(leaves) < 2 {
		for _, leaf := range leaves {
			pf.evaluateLeaf(ctx, leaf)
			advance()
		}
		return
	}
	if workers > len(leaves) {
		workers = len(leaves)
	}

	jobs := make(chan *PreparedComparison)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for leaf := range jobs {
				pf.evaluateLeaf(ctx, leaf)
				advance()
			}
		}()
	}
	for _, leaf := range leaves {
		jobs <- leaf
	}
	close(jobs)
	wg.Wait()
}

// evaluateLeaf fetches one channel through the cache and applies the
// comparison. Fetch failures map onto the comparison's disconnected
// severity instead of aborting anything.
func (pf *PreparedFile) evaluateLeaf(ctx context.Context, leaf *PreparedComparison) {
	reading, err := pf.Cache.GetOrFetch(ctx, leaf.Identity, leaf.Attribute)
	if err != nil {
		leaf.setResult(check.DisconnectedResult(leaf.Comparison, err))
		return
	}
	leaf.setResult(check.Evaluate(leaf.Comparison, reading.Value))
}

// run executes the tool once and evaluates its comparisons against the
// produced result fields.
func (t *PreparedToolConfig) run(ctx context.Context, advance func()) {
	if t.Tool == nil {
		for _, leaf := range t.Comparisons {
			leaf.setResult(check.InternalError(fmt.Errorf("no tool configured")))
			advance()
		}
		return
	}
	fields, err := t.Tool.Run(ctx)
	for _, leaf := range t.Comparisons {
		switch {
		case err != nil:
			leaf.setResult(check.DisconnectedResult(leaf.Comparison, fmt.Errorf("tool failed: %w", err)))
		default:
			value, ok := fields[leaf.Attribute]
			if !ok {
				leaf.setResult(check.InternalError(fmt.Errorf("tool produced no field %q", leaf.Attribute)))
			} else {
				leaf.setResult(check.Evaluate(leaf.Comparison, value))
			}
		}
		advance()
	}
}

// initFailureReason matches the message operators know from the GUI
// when part of a configuration never initialized.
const initFailureReason = "At least one comparison failed to initialize"

// leafConfigResult folds comparison results and prepare failures into
// one node result. Every comparison must pass; failures force error.
func leafConfigResult(comparisons []*PreparedComparison, failures []PrepareFailure) check.Result {
	results := make([]check.Result, 0, len(comparisons)+len(failures))
	for _, pc := range comparisons {
		results = append(results, pc.taggedResult())
	}
	for _, f := range failures {
		results = append(results, check.Result{Severity: check.SeverityError, Reason: f.Reason()})
	}
	return check.Reduce(check.ReduceAll, results)
}

func (d *PreparedDeviceConfig) finalize() check.Result {
	r := leafConfigResult(d.Comparisons, d.Failures)
	d.result = &r
	return r
}

func (d *PreparedDeviceConfig) failuresBelow() int { return len(d.Failures) }

func (p *PreparedPVConfig) finalize() check.Result {
	r := leafConfigResult(p.Comparisons, nil)
	p.result = &r
	return r
}

func (p *PreparedPVConfig) failuresBelow() int { return 0 }

func (t *PreparedToolConfig) finalize() check.Result {
	r := leafConfigResult(t.Comparisons, t.Failures)
	t.result = &r
	return r
}

func (t *PreparedToolConfig) failuresBelow() int { return len(t.Failures) }

// finalize folds the group's children per its aggregation mode. A
// prepare failure anywhere below is an absolute floor: it forces at
// least error severity no matter how permissive the mode is.
func (g *PreparedGroup) finalize() check.Result {
	results := make([]check.Result, 0, len(g.Configs)+len(g.Failures))
	for _, child := range g.Configs {
		r := child.finalize()
		if r.Reason != "" {
			r = check.Result{
				Severity: r.Severity,
				Reason:   fmt.Sprintf("%s: %s", child.Title(), r.Reason),
			}
		}
		results = append(results, r)
	}
	for _, f := range g.Failures {
		results = append(results, check.Result{Severity: check.SeverityError, Reason: f.Reason()})
	}

	mode := check.ReduceAll
	if g.origin != nil {
		mode = g.origin.Mode
	}
	folded := check.Reduce(mode, results)

	if failures := g.failuresBelow(); failures > 0 && folded.Severity < check.SeverityError {
		reason := initFailureReason
		if folded.Reason != "" {
			reason = fmt.Sprintf("%s; %s", initFailureReason, folded.Reason)
		}
		folded = check.Result{Severity: check.SeverityError, Reason: reason}
	}
	g.result = &folded
	return folded
}

func (g *PreparedGroup) failuresBelow() int {
	count := len(g.Failures)
	for _, child := range g.Configs {
		count += child.failuresBelow()
	}
	return count
}
