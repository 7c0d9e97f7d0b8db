package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// apiAddr is shared by every client-side subcommand.
var apiAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetsync",
	Short: "Fleetsync - IoT telemetry sync engine",
	Long: `Fleetsync keeps a queryable telemetry index in step with an IoT
fleet: it backfills historical sensor data from the upstream API and
tails the live broker for everything that happens after.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fleetsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "Engine API address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(sensorCmd)
	rootCmd.AddCommand(fleetCmd)
}
