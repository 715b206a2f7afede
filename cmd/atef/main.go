package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// A local .env can carry ATEF_GATEWAY_URL and friends; absence is
	// not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "atef",
		Short: "Checkout tool for control-system device and PV verification",
		Long: `atef evaluates checkout configuration files against live control
system data: each configuration names devices or PVs and the
comparisons their values must satisfy. Results fold into a single
overall severity.`,
		SilenceUsage: true,
	}

	root.AddCommand(newCheckCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newGrafanaCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atef %s (built %s)\n", Version, BuildTime)
		},
	}
}
