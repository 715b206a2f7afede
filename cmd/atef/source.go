package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/cs"
	"github.com/atef-tools/atef/internal/happi"
)

// sourceFlags are the data-source options shared by the commands that
// run checkouts directly.
type sourceFlags struct {
	gatewayURL string
	archiveURL string
	archiveAt  string
	happiDB    string
	timeout    time.Duration
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.gatewayURL, "gateway", "", "channel access HTTP gateway base URL (default $ATEF_GATEWAY_URL)")
	cmd.Flags().StringVar(&f.archiveURL, "archive-url", "", "archiver appliance base URL for timestamped checkouts")
	cmd.Flags().StringVar(&f.archiveAt, "archive-at", "", "evaluate archived values as of this RFC3339 timestamp")
	cmd.Flags().StringVar(&f.happiDB, "happi-db", "", "device database file (default $ATEF_HAPPI_DB)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "per-fetch timeout")
}

// source picks the value source: archived when --archive-at is given,
// the gateway otherwise. There is no fallback source on the command
// line, a checkout against nothing is a usage error.
func (f *sourceFlags) source() (cs.Source, error) {
	if f.gatewayURL == "" {
		f.gatewayURL = os.Getenv("ATEF_GATEWAY_URL")
	}
	if f.archiveAt != "" {
		if f.archiveURL == "" {
			return nil, fmt.Errorf("--archive-at requires --archive-url")
		}
		at, err := time.Parse(time.RFC3339, f.archiveAt)
		if err != nil {
			return nil, fmt.Errorf("parse --archive-at: %w", err)
		}
		return cs.NewArchiveSource(f.archiveURL, at), nil
	}
	if f.gatewayURL == "" {
		return nil, fmt.Errorf("no data source: set --gateway or ATEF_GATEWAY_URL")
	}
	return cs.NewGatewayClient(f.gatewayURL, f.timeout), nil
}

// resolver loads the device database when one is configured. Checkouts
// without device configurations run fine without one.
func (f *sourceFlags) resolver() (happi.Resolver, error) {
	if f.happiDB == "" {
		f.happiDB = os.Getenv("ATEF_HAPPI_DB")
	}
	if f.happiDB == "" {
		return nil, nil
	}
	client, err := happi.Load(f.happiDB)
	if err != nil {
		return nil, fmt.Errorf("load device database: %w", err)
	}
	return client, nil
}
