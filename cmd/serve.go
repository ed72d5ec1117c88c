package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orthogenesis/recon-cli/internal/api"
	"github.com/orthogenesis/recon-cli/internal/monitoring"
)

var (
	servePort    int
	serveWorkers int
	serveNoWork  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with background job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Engine)
		srv := api.NewServer(api.Deps{
			Engine:     env.Engine,
			Submitter:  env.Submitter,
			Records:    env.Store,
			Blobs:      env.Blobs,
			Exporter:   env.Exporter,
			Registry:   env.Registry,
			Calibrator: env.Calibrator,
			Collector:  collector,
		}, api.Options{
			CORSOrigins: cfg.Server.CORSOrigins,
			ConvertRPS:  cfg.Server.ConvertRPS,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		workers := serveWorkers
		if workers == 0 {
			workers = cfg.Worker.Concurrency
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})

		if !serveNoWork {
			g.Go(func() error {
				return env.Engine.RunWorkers(gctx, workers)
			})
		}

		g.Go(func() error {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			checker.Run(gctx)
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "worker loops (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWork, "no-worker", false, "serve the API without processing jobs")
	rootCmd.AddCommand(serveCmd)
}
