package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatshaper/chatshaper/pkg/budget"
	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/proxy"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

func newServeCmd(a *app) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the request-shaping proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := a.logger

			pools, err := buildPools(cfg, os.LookupEnv, logger)
			if err != nil {
				return err
			}

			est, err := budget.NewEstimator(cfg.Budget.Estimator, cfg.Budget.Encoding, logger)
			if err != nil {
				return err
			}
			b := budget.New(budget.Options{
				Ceiling:   cfg.Budget.Ceiling(),
				MinKeep:   cfg.Budget.MinKeep,
				Estimator: est,
				Logger:    logger,
			})

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			var cache *cachepkg.Cache
			if cfg.Cache.Enabled {
				cache, err = cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = cache.Close() }()
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			srv := proxy.New(cfg, pools, b, tr, cache,
				proxy.WithLogger(logger),
				proxy.WithRegistry(reg),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting chatshaper",
				zap.String("config", configPath),
				zap.Int("providers", len(pools)),
				zap.String("estimator", est.Name()),
				zap.Int("ceiling", b.Ceiling()),
				zap.Int("min_keep", b.MinKeep()))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(ctx) })
			for _, pool := range pools {
				g.Go(func() error { return pool.Run(ctx, cfg.KeyPool.CheckInterval) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	return cmd
}
