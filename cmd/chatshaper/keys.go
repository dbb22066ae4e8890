package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/keypool"
	"github.com/chatshaper/chatshaper/pkg/proxy"
)

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage provider credential pools",
	}
	cmd.AddCommand(newKeysListCmd(a), newKeysStatsCmd(), newKeysResetCmd())
	return cmd
}

func newKeysListCmd(a *app) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured credentials by fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			buildPhase := cfg.BuildPhase || keypool.IsBuildPhase(os.LookupEnv)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tTYPE\tKEYS\tFINGERPRINTS\tSTATUS")
			for _, p := range cfg.Providers {
				pool, err := keypool.New(p.Keys(os.LookupEnv),
					keypool.WithSource(p.Name),
					keypool.WithBuildPhase(buildPhase),
					keypool.WithLogger(a.logger),
				)
				var cfgErr *keypool.ConfigurationError
				switch {
				case errors.As(err, &cfgErr):
					fmt.Fprintf(w, "%s\t%s\t0\t-\tmissing credentials\n", p.Name, p.Type)
					continue
				case err != nil:
					return err
				}
				status := "ok"
				if pool.Placeholder() {
					status = "build placeholder"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					p.Name, p.Type, pool.Size(), strings.Join(pool.Fingerprints(), ","), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	return cmd
}

func newKeysStatsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live pool statistics from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := proxy.NewAdminClient(addr, nil).KeyStats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No key pools.")
				return nil
			}

			names := make([]string, 0, len(stats))
			for name := range stats {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tTOTAL\tCURRENT\tEXCLUDED\tAVAILABLE")
			for _, name := range names {
				s := stats[name]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
					name, s.TotalKeys, s.CurrentIndex, s.ExcludedCount, s.AvailableCount)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "address of the running server")
	return cmd
}

func newKeysResetCmd() *cobra.Command {
	var addr, provider string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear credential exclusions on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, err := proxy.NewAdminClient(addr, nil).ResetKeys(cmd.Context(), provider)
			if err != nil {
				return err
			}
			fmt.Printf("Reset: %s\n", strings.Join(reset, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "address of the running server")
	cmd.Flags().StringVar(&provider, "provider", "", "only reset this provider")
	return cmd
}
