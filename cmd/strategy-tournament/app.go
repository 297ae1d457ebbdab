package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/engine"
	"finpod/internal/llm"
	"finpod/internal/metrics"
	"finpod/internal/selector"
	"finpod/internal/store"
	"finpod/internal/strategy/builtins"
	"finpod/internal/util"
)

// app bundles the wired dependencies shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	audit   *store.AuditLog
	engine  *engine.Engine
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("FINPOD_CONFIG"); p != "" {
		return p
	}
	return "config.json"
}

func newApp(ctx context.Context, optimize *bool) (*app, error) {
	// Defaults substituted while loading are reported on a bootstrap logger,
	// before the configured one exists.
	boot := util.NewLogger("info", "text")
	path := resolveConfigPath()
	cfg, err := config.Load(path, boot)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)
	m := metrics.New()

	var audit *store.AuditLog
	if cfg.LLM.AuditDB != "" {
		audit, err = store.OpenAuditLog(cfg.LLM.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}

	chat, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		// A broken LLM setup degrades to the rule-based path.
		log.Warn("llm client unavailable, using rule-based selection", "provider", cfg.LLM.Provider, "error", err)
		chat = nil
	}
	sel := selector.NewLLM(chat,
		selector.WithAudit(audit),
		selector.WithMetrics(m),
		selector.WithLogger(log),
	)

	_, symbolTimeout, selectorTimeout := cfg.Tournament.Durations()
	opt := cfg.Tournament.ShouldOptimize()
	if optimize != nil {
		opt = *optimize
	}

	eng := engine.New(cfg,
		store.NewPriceStore(cfg.DataPaths.Market, log),
		builtins.NewRegistry(cfg),
		engine.WithSelector(sel),
		engine.WithSentiment(store.NewSentimentReader(cfg.DataPaths.Sentiment, log)),
		engine.WithOptimize(opt),
		engine.WithMaxWorkers(cfg.Tournament.MaxWorkers),
		engine.WithSymbolTimeout(symbolTimeout),
		engine.WithSelectorTimeout(selectorTimeout),
		engine.WithMetrics(m),
		engine.WithLogger(log),
	)

	return &app{cfg: cfg, log: log, metrics: m, audit: audit, engine: eng}, nil
}

func (a *app) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("closing audit log", "error", err)
		}
	}
}

// timeframes returns the configured timeframes, skipping unknown names.
func (a *app) timeframes() []domain.Timeframe {
	var out []domain.Timeframe
	for _, s := range a.cfg.Tournament.Timeframes {
		tf, err := parseTimeframe(s)
		if err != nil {
			a.log.Warn("ignoring unknown timeframe", "timeframe", s)
			continue
		}
		out = append(out, tf)
	}
	if len(out) == 0 {
		out = append(out, domain.TimeframeDaily)
	}
	return out
}

func parseTimeframe(s string) (domain.Timeframe, error) {
	tf := domain.Timeframe(strings.ToLower(s))
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q (want daily or hourly)", s)
	}
	return tf, nil
}

func optimizeFlag(disabled bool) *bool {
	if !disabled {
		return nil
	}
	off := false
	return &off
}
