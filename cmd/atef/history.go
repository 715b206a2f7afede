package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
		file   string
	)

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs from the history database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open history database: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return printRunEntries(store, args[0])
			}
			if file != "" {
				return printTrend(store, file, limit)
			}
			return printRecent(store, limit)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "data/history.duckdb", "history database file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows to list")
	cmd.Flags().StringVar(&file, "trend", "", "show the severity trend for this checkout file instead")
	return cmd
}

func printRecent(store *history.Store, limit int) error {
	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	fmt.Printf("%-36s  %-19s  %-14s  %-5s  %s\n", "RUN", "FINISHED", "OVERALL", "COMPS", "FILE")
	for _, r := range runs {
		fmt.Printf("%-36s  %-19s  %-14s  %-5d  %s\n",
			r.RunID,
			r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.Overall,
			r.Comparisons,
			r.File)
	}
	return nil
}

func printRunEntries(store *history.Store, runID string) error {
	entries, err := store.RunEntries(runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no entries recorded for run %s", runID)
	}
	for _, e := range entries {
		fmt.Printf("%-14s %s\n", strings.ToUpper(e.Severity.String()), e.Identity)
		if e.Reason != "" {
			for _, line := range strings.Split(e.Reason, "; ") {
				fmt.Printf("          - %s\n", line)
			}
		}
	}
	return nil
}

func printTrend(store *history.Store, file string, limit int) error {
	points, err := store.SeverityTrend(file, limit)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Printf("no recorded runs for %s\n", file)
		return nil
	}
	for _, p := range points {
		fmt.Printf("%s  %-14s  %s\n",
			p.FinishedAt.Format("2006-01-02 15:04:05"), p.Overall, p.RunID)
	}
	return nil
}
