package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"finpod/internal/engine"
)

var (
	runTimeframe  string
	runNoOptimize bool
	runPrint      bool
)

var runCmd = &cobra.Command{
	Use:   "run SYMBOL",
	Short: "Run one tournament and write its artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runOne,
}

func init() {
	runCmd.Flags().StringVar(&runTimeframe, "timeframe", "daily", "bar timeframe: daily or hourly")
	runCmd.Flags().BoolVar(&runNoOptimize, "no-optimize", false, "skip grid search and use default parameters")
	runCmd.Flags().BoolVar(&runPrint, "print", false, "print the record to stdout")
}

func runOne(cmd *cobra.Command, args []string) error {
	tf, err := parseTimeframe(runTimeframe)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, optimizeFlag(runNoOptimize))
	if err != nil {
		return err
	}
	defer a.Close()

	rec, runErr := a.engine.Run(ctx, args[0], tf)
	if runErr != nil && !errors.Is(runErr, engine.ErrPersist) {
		return runErr
	}
	if runPrint {
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(b))
	}
	a.log.Info("tournament complete",
		"symbol", rec.Symbol,
		"winner", rec.WinningStrategy.Name,
		"position", rec.Signals.Position,
		"path", a.engine.Artifacts().Path(rec.AnalysisDate, rec.Symbol, tf))
	return runErr
}
