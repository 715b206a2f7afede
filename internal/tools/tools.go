// Package tools runs auxiliary host-side checks referenced by tool
// configurations. Each tool produces named result fields that checkout
// comparisons evaluate like any other value.
package tools

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Tool produces named result fields for comparison.
type Tool interface {
	// Run executes the tool and returns its result fields.
	Run(ctx context.Context) (map[string]any, error)
}

// Ping checks reachability and round-trip latency for a set of hosts
// using the system ping binary.
type Ping struct {
	Hosts []string `json:"hosts" yaml:"hosts"`
	// Count is the number of echo requests per host. Zero means 3.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
	// TimeoutSec bounds each host in seconds. Zero means 5.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// Run pings every host and aggregates the outcome into result fields:
// alive, unresponsive, min_time, max_time and avg_time (milliseconds).
func (p *Ping) Run(ctx context.Context) (map[string]any, error) {
	count := p.Count
	if count <= 0 {
		count = 3
	}
	timeout := p.TimeoutSec
	if timeout <= 0 {
		timeout = 5
	}

	alive := 0
	unresponsive := 0
	minTime, maxTime := 0.0, 0.0
	sum, samples := 0.0, 0

	for _, host := range p.Hosts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := exec.CommandContext(ctx, "ping",
			"-c", strconv.Itoa(count),
			"-w", strconv.Itoa(timeout),
			host).CombinedOutput()
		if err != nil {
			unresponsive++
			continue
		}
		alive++
		lo, hi, avg, ok := parsePingTimes(string(out))
		if !ok {
			continue
		}
		if samples == 0 || lo < minTime {
			minTime = lo
		}
		if hi > maxTime {
			maxTime = hi
		}
		sum += avg
		samples++
	}

	fields := map[string]any{
		"alive":        alive,
		"unresponsive": unresponsive,
		"min_time":     minTime,
		"max_time":     maxTime,
	}
	if samples > 0 {
		fields["avg_time"] = sum / float64(samples)
	} else {
		fields["avg_time"] = 0.0
	}
	return fields, nil
}

// parsePingTimes extracts min/max/avg milliseconds from the ping rtt
// summary line, e.g. "rtt min/avg/max/mdev = 0.045/0.049/0.053/0.003 ms".
func parsePingTimes(output string) (min, max, avg float64, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, "min/avg/max")
		if idx < 0 {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		parts := strings.Split(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line[eq+1:]), "ms")), "/")
		if len(parts) < 3 {
			continue
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		av, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		hi, err3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		return lo, hi, av, true
	}
	return 0, 0, 0, false
}

// Describe summarizes the tool for logs and reports.
func (p *Ping) Describe() string {
	return fmt.Sprintf("ping %s", strings.Join(p.Hosts, ", "))
}
