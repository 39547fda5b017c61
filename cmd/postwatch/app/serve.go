package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postwatch/postwatch/internal/api"
	"github.com/postwatch/postwatch/internal/database"
	"github.com/postwatch/postwatch/internal/scheduler"
	"github.com/postwatch/postwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	var refreshOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the roster API and run periodic synchronization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(commandContext(cmd), cmd, refreshOnStart)
		},
	}

	cmd.Flags().BoolVar(&refreshOnStart, "refresh-on-start", false, "Start a refresh of every client as soon as the server is up")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, refreshOnStart bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, os.Stdout, true)
	if err != nil {
		cmd.PrintErrln("startup failed:", err)
		return err
	}
	defer svc.Close()

	logger := svc.logger
	engine := svc.startEngine()

	handler := api.NewHandler(svc.registry, engine, logger)
	if svc.db != nil {
		db := svc.db
		handler.SetHealthCheck(func(ctx context.Context) error {
			return database.HealthCheck(ctx, db)
		})
	}
	srv := server.New(svc.cfg.Server, logger, api.NewRouter(handler, svc.metrics))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.WithoutCancel(gctx))
	})

	if svc.cfg.Sync.PeriodicEnabled {
		refresher := scheduler.NewRefreshScheduler(engine, svc.cfg.Sync.Interval, logger)
		g.Go(func() error {
			refresher.Start(gctx)
			return nil
		})
	} else {
		logger.Info("periodic refresh disabled")
	}

	if refreshOnStart && !engine.StartRefreshAll() {
		logger.Warn("initial refresh skipped, another refresh is running")
	}

	logger.Info("postwatch started", "version", Version, "storage", svc.cfg.Storage.Backend)

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}

	logger.Info("postwatch stopped")
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
