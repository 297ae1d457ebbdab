// Command fetch-bars downloads daily and hourly US bars from Alpaca into the
// market data directory read by strategy-tournament.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/gather/us"
	"finpod/internal/store"
	"finpod/internal/util"
)

var (
	configPath string
	format     string
	timeframe  string
	batchSize  int
	logToFile  bool
)

var rootCmd = &cobra.Command{
	Use:          "fetch-bars [SYMBOL...]",
	Short:        "Fetch US bars from Alpaca (default: symbols.us from config)",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.json (default $FINPOD_CONFIG or config.json)")
	rootCmd.Flags().StringVar(&format, "format", string(store.FormatCSV), "output format: csv or parquet")
	rootCmd.Flags().StringVar(&timeframe, "timeframe", "", "fetch only daily or hourly (default both)")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 100, "symbols per Alpaca request")
	rootCmd.Flags().BoolVar(&logToFile, "log-file", false, "also log to /tmp/fetch-bars-<date>.log")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("FINPOD_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}
	cfg, err := config.Load(path, util.NewLogger("info", "text"))
	if err != nil {
		return fmt.Errorf("loading config %s: %w", path, err)
	}

	var w io.Writer = os.Stdout
	if logToFile {
		// Dual logger: stdout + /tmp log file.
		name := fmt.Sprintf("/tmp/fetch-bars-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("creating log file: %w", err)
		}
		defer f.Close()
		w = io.MultiWriter(os.Stdout, f)
	}
	log := util.NewLoggerTo(w, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	bf := store.BarFormat(strings.ToLower(format))
	if bf != store.FormatCSV && bf != store.FormatParquet {
		return fmt.Errorf("unknown format %q (want csv or parquet)", format)
	}
	opts := []us.BarOption{us.WithFormat(bf), us.WithBatchSize(batchSize), us.WithLogger(log)}
	if timeframe != "" {
		tf := domain.Timeframe(strings.ToLower(timeframe))
		if !tf.Valid() {
			return fmt.Errorf("unknown timeframe %q (want daily or hourly)", timeframe)
		}
		opts = append(opts, us.WithTimeframes(tf))
	}

	symbols := args
	if len(symbols) == 0 {
		symbols = cfg.Symbols.US
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols given and symbols.us is empty")
	}
	if cfg.Alpaca.APIKey == "" {
		log.Warn("alpaca api key not set; requests will be rejected")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := us.NewBarGatherer(cfg.Alpaca, cfg.DataPaths.Market, symbols, opts...)
	log.Info("starting fetch", "gatherer", g.Name(), "symbols", len(symbols), "format", bf, "dir", cfg.DataPaths.Market)
	return g.Run(ctx)
}
