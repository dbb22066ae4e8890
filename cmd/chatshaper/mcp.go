package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatshaper/chatshaper/pkg/budget"
	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/mcp"
	"github.com/chatshaper/chatshaper/pkg/proxy"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

func newMCPCmd(a *app) *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve estimation and usage tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			pools, err := buildPools(cfg, os.LookupEnv, a.logger)
			if err != nil {
				return err
			}

			est, err := budget.NewEstimator(cfg.Budget.Estimator, cfg.Budget.Encoding, a.logger)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			deps := mcp.Deps{
				Budgeter: budget.New(budget.Options{
					Ceiling:   cfg.Budget.Ceiling(),
					MinKeep:   cfg.Budget.MinKeep,
					Estimator: est,
					Logger:    a.logger,
				}),
				Pools:   pools,
				Tracker: tr,
				Logger:  a.logger,
			}
			if addr != "" {
				admin := proxy.NewAdminClient(addr, nil)
				deps.LiveKeys = admin
				deps.LiveCache = mcp.CacheStatsFunc(admin.CacheStats)
			}
			if cfg.Cache.Enabled {
				c, err := cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = c.Close() }()
				deps.Cache = c
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "address of a running proxy to read live key pool and cache status from")
	return cmd
}
