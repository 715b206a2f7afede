package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		src      sourceFlags
		filter   []string
		parallel int
		output   string
		author   string
		note     string
	)

	cmd := &cobra.Command{
		Use:   "report FILE",
		Short: "Run a checkout and write a PDF report",
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

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := checkout.RunCheckout(ctx, file, checkout.Options{
				Source:          source,
				Resolver:        resolver,
				FilteredDevices: filter,
				FetchTimeout:    src.timeout,
				Parallel:        parallel,
			})
			if err != nil {
				return err
			}

			if err := report.WriteFile(result, output, report.Options{Author: author, Note: note}); err != nil {
				return err
			}
			fmt.Printf("wrote %s (overall %s)\n", output, result.Overall)
			return nil
		},
	}

	src.register(cmd)
	cmd.Flags().StringSliceVar(&filter, "filter", nil, "only check configurations matching these device, PV or configuration names")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "concurrent value fetches")
	cmd.Flags().StringVarP(&output, "output", "o", "checkout.pdf", "output PDF path")
	cmd.Flags().StringVar(&author, "author", "", "author name printed on the report")
	cmd.Flags().StringVar(&note, "note", "", "free-form note printed on the report")
	return cmd
}
