package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"finpod/internal/domain"
)

var (
	batchTimeframe  string
	batchNoOptimize bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [SYMBOL...]",
	Short: "Run tournaments for many symbols in parallel",
	Long: `batch runs one tournament per symbol (default: every configured us and
tw symbol) for each configured timeframe, or only --timeframe when given.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchTimeframe, "timeframe", "", "restrict to one timeframe: daily or hourly")
	batchCmd.Flags().BoolVar(&batchNoOptimize, "no-optimize", false, "skip grid search and use default parameters")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, optimizeFlag(batchNoOptimize))
	if err != nil {
		return err
	}
	defer a.Close()

	symbols := args
	if len(symbols) == 0 {
		symbols = a.cfg.AllSymbols()
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols given and none configured")
	}

	tfs := a.timeframes()
	if batchTimeframe != "" {
		tf, err := parseTimeframe(batchTimeframe)
		if err != nil {
			return err
		}
		tfs = []domain.Timeframe{tf}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTIMEFRAME\tWINNER\tPOSITION\tERROR")
	failed := 0
	for _, tf := range tfs {
		out := a.engine.RunBatch(ctx, symbols, tf)
		names := make([]string, 0, len(out))
		for s := range out {
			names = append(names, s)
		}
		sort.Strings(names)
		for _, s := range names {
			o := out[s]
			winner, pos, msg := "-", "-", ""
			if o.Record != nil {
				winner, pos = o.Record.WinningStrategy.Name, string(o.Record.Signals.Position)
			}
			if o.Err != nil {
				failed++
				msg = o.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s, tf, winner, pos, msg)
		}
	}
	w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d tournament(s) failed", failed)
	}
	return nil
}
