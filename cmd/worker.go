package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orthogenesis/recon-cli/internal/monitoring"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs until interrupted",
	Long:  "Runs independent lease loops against the shared job queue. Several worker processes may share one database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		n, _ := cmd.Flags().GetInt("concurrency")
		if n == 0 {
			n = cfg.Worker.Concurrency
		}
		once, _ := cmd.Flags().GetBool("once")
		if once {
			count := 0
			for {
				processed, err := env.Engine.ProcessOne(ctx)
				if err != nil {
					return err
				}
				if !processed {
					break
				}
				count++
			}
			zap.L().Info("queue drained", zap.Int("processed", count))
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Engine.RunWorkers(gctx, n)
		})
		g.Go(func() error {
			collector := monitoring.NewCollector(env.Store, env.Engine)
			monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring).Run(gctx)
			return nil
		})
		err = g.Wait()

		stats := env.Engine.Stats()
		zap.L().Info("worker stopped",
			zap.Int64("processed", stats.Processed),
			zap.Int64("succeeded", stats.Succeeded),
			zap.Int64("requeued", stats.Requeued),
			zap.Int64("dead_lettered", stats.DeadLettered),
		)
		return err
	},
}

func init() {
	workerCmd.Flags().Int("concurrency", 0, "lease loops in this process (default from config)")
	workerCmd.Flags().Bool("once", false, "process every due job then exit")
	rootCmd.AddCommand(workerCmd)
}
