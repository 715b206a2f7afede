package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/config"
	"github.com/atef-tools/atef/internal/grafana"
	"github.com/atef-tools/atef/internal/happi"
)

func newGrafanaCmd() *cobra.Command {
	var (
		happiDB string
		refresh string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "grafana FILE",
		Short: "Emit a Grafana dashboard covering a checkout's signals",
		Long: `grafana builds a dashboard JSON with one timeseries panel per
checked PV or device attribute, with thresholds derived from range
comparisons, so operators can watch the signals a checkout covers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}

			var resolver happi.Resolver
			if happiDB == "" {
				happiDB = os.Getenv("ATEF_HAPPI_DB")
			}
			if happiDB != "" {
				client, err := happi.Load(happiDB)
				if err != nil {
					return fmt.Errorf("load device database: %w", err)
				}
				resolver = client
			}

			dash, err := grafana.Build(file, grafana.Options{
				Resolver: resolver,
				Refresh:  refresh,
			})
			if err != nil {
				return err
			}
			data, err := grafana.Marshal(dash)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d panels)\n", output, len(dash.Panels))
			return nil
		},
	}

	cmd.Flags().StringVar(&happiDB, "happi-db", "", "device database file for channel resolution (default $ATEF_HAPPI_DB)")
	cmd.Flags().StringVar(&refresh, "refresh", "10s", "dashboard auto-refresh interval")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output path, - for stdout")
	return cmd
}
