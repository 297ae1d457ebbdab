package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"finpod/internal/api"
	"finpod/internal/engine"
	"finpod/internal/httpapi"
)

var serveRunNow bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the artifact API and run the scheduled batch",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveRunNow, "run-now", false, "run one batch immediately at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	_, symbolTimeout, _ := a.cfg.Tournament.Durations()
	sched := engine.NewScheduler(a.engine, a.cfg.AllSymbols(), a.timeframes(), 4*symbolTimeout, a.log)
	if err := sched.Start(a.cfg.Tournament.Schedule); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		sched.Stop(stopCtx)
	}()

	if serveRunNow {
		go sched.RunOnce(ctx)
	}

	handler := httpapi.NewServer(a.cfg.DataPaths.Strategy, a.audit, a.metrics, a.log).Handler()
	a.log.Info("strategy-tournament serving",
		"host", a.cfg.Server.Host, "port", a.cfg.Server.Port, "grpc_port", a.cfg.Server.GRPCPort)
	return api.NewServer(a.cfg, handler, a.log).ListenAndServe(ctx)
}
