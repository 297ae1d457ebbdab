// Command strategy-tournament runs the per-symbol strategy tournament once,
// over a batch, or as a scheduled daemon serving the artifact API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "strategy-tournament",
	Short: "Backtest, optimise and select trading strategies per symbol",
	Long: `strategy-tournament runs four strategies (technical, quantity, random
forest, bigline) over each symbol's bars, selects a winner with an LLM or the
rule-based fallback, and writes one JSON artifact per symbol and day.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default $FINPOD_CONFIG or config.json)")
	rootCmd.AddCommand(runCmd, batchCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
