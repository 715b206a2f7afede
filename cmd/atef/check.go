package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/config"
)

// ANSI colors for the per-entry printer.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorPurple = "\033[35m"
)

func severityColor(s check.Severity) string {
	switch s {
	case check.SeveritySuccess:
		return colorGreen
	case check.SeverityWarning:
		return colorYellow
	case check.SeverityError:
		return colorRed
	default:
		return colorPurple
	}
}

func newCheckCmd() *cobra.Command {
	var (
		src      sourceFlags
		filter   []string
		failOn   string
		parallel int
		verbose  bool
		noColor  bool
	)

	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Run a checkout file against live control system data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}

			source, err := src.source()
			if err != nil {
				return err
			}
			resolver, err := src.resolver()
			if err != nil {
				return err
			}
			threshold, err := check.ParseSeverity(failOn)
			if err != nil {
				return fmt.Errorf("parse --fail-on: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := checkout.RunCheckout(ctx, file, checkout.Options{
				Source:          source,
				Resolver:        resolver,
				FilteredDevices: filter,
				FetchTimeout:    src.timeout,
				Parallel:        parallel,
			})
			if err != nil {
				return err
			}

			printReport(report, verbose, !noColor)

			if report.Overall >= threshold {
				return fmt.Errorf("checkout %s: overall severity %s reached --fail-on=%s",
					args[0], report.Overall, threshold)
			}
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().StringSliceVar(&filter, "filter", nil, "only check configurations matching these device, PV or configuration names")
	cmd.Flags().StringVar(&failOn, "fail-on", "error", "exit non-zero when the overall severity reaches this level")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "concurrent value fetches")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print successful entries")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

// printReport maps entry severity onto leveled lines: successes appear
// only in verbose mode, everything else is always shown.
func printReport(report *checkout.CheckoutReport, verbose, color bool) {
	shown := 0
	for _, entry := range report.Entries {
		if entry.Severity == check.SeveritySuccess && !verbose {
			continue
		}
		shown++
		label := strings.ToUpper(entry.Severity.String())
		if color {
			label = severityColor(entry.Severity) + label + colorReset
		}
		fmt.Printf("%-9s %s\n", label, entry.Identity)
		if reason := strings.TrimSpace(entry.Result.Reason); reason != "" {
			for _, line := range strings.Split(reason, "; ") {
				fmt.Printf("          - %s\n", line)
			}
		}
	}
	if shown == 0 && !verbose {
		fmt.Printf("all %d configurations passed\n", len(report.Entries))
	}

	overall := strings.ToUpper(report.Overall.String())
	if color {
		overall = severityColor(report.Overall) + overall + colorReset
	}
	fmt.Printf("\noverall: %s  (%d comparisons, %d fetches, %s)\n",
		overall, report.Comparisons, report.Fetches,
		report.Duration().Round(time.Millisecond))
}
