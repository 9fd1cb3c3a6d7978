package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillnotes/notes-api/logger"
	"github.com/quillnotes/notes-api/server"
	"github.com/quillnotes/notes-api/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notes API",
		RunE:  runServe,
	}
	cmd.Flags().Duration("drain", 15*time.Second, "how long to wait for in-flight requests on shutdown")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	tcfg := telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Insecure:    cfg.Telemetry.Insecure,
	}
	log, shutdownLogs, err := telemetry.NewLogger(ctx, tcfg, log, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer shutdownLogs()
	_, shutdownTracing, err := telemetry.NewTracerProvider(ctx, tcfg, log)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	store, breaker, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	coord := newCoordinator(cfg, store, log)
	srv := server.New(coord, log,
		server.WithMaxBodyBytes(cfg.Idempotency.MaxBodyBytes),
		server.WithServiceName(cfg.Telemetry.ServiceName),
	)
	drain, _ := cmd.Flags().GetDuration("drain")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Addr, drain)
	})
	if breaker != nil {
		g.Go(func() error {
			return watchBreaker(gctx, breaker, log, time.Second)
		})
	}
	return g.Wait()
}
