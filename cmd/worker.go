package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aydarnuman/procheff-v3-sub000/internal/monitoring"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the collection job worker",
	Long:  "Claims queued collection jobs, fetches and validates quotes, and keeps the cache swept. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Health, env.Cache,
				time.Duration(cfg.Monitoring.LookbackWindowHours)*time.Hour),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		zap.L().Info("worker starting",
			zap.Int("max_concurrency", cfg.Scheduler.MaxConcurrency),
			zap.Strings("sources", sourceNames(env)),
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.Scheduler.Run(ctx) })
		g.Go(func() error { return env.Cache.Run(ctx) })
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		zap.L().Info("worker stopped")
		return err
	},
}

func sourceNames(env *appEnv) []string {
	ids := env.Sources.Sources()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return names
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
