package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sensorsim-ctl",
		Short: "Control a running sensor array simulator",
		Long: `sensorsim-ctl talks to a simulator's HTTP API.

It reads status and registers, pauses and resumes units, disables signals,
changes base values and waveform parameters, and injects timed spikes.`,
		SilenceUsage: true,
	}

	addr := os.Getenv("SENSORSIM_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().String("addr", addr, "Simulator base URL (env SENSORSIM_ADDR)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newRegistersCmd(),
		newDisableCmd(),
		newEnableCmd(),
		newBaseCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newParamsCmd(),
		newSpikeCmd(),
		newSpikesCmd(),
		newEventsCmd(),
		newReportCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sensorsim-ctl version %s\n", version)
		},
	}
}
