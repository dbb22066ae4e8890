package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
	"github.com/chatshaper/chatshaper/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	// open loads the config and the cache it points at. Caching does not
	// have to be enabled to inspect or clear entries left by earlier runs.
	open := func() (*cachepkg.Cache, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
	}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show stored entries per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			return writeCacheStats(cmd.Context(), os.Stdout, c)
		},
	}

	var (
		expiredOnly bool
		model       string
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(cmd.Context(), expiredOnly, model)
			if err != nil {
				return err
			}
			what := "cache entries"
			if expiredOnly {
				what = "expired " + what
			}
			if model != "" {
				what += " for " + model
			}
			fmt.Printf("Cleared %d %s.\n", n, what)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear entries past their TTL")
	clearCmd.Flags().StringVar(&model, "model", "", "only clear entries for this model")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func writeCacheStats(ctx context.Context, out io.Writer, c *cachepkg.Cache) error {
	perModel, err := c.ModelStats(ctx)
	if err != nil {
		return err
	}
	if len(perModel) == 0 {
		fmt.Fprintln(out, "Cache is empty.")
		return nil
	}

	var entries, expired, size int64
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tENTRIES\tEXPIRED\tSIZE")
	for _, m := range perModel {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", m.Model, m.Entries, m.Expired, formatBytes(m.Bytes))
		entries += m.Entries
		expired += m.Expired
		size += m.Bytes
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%s\n", entries, expired, formatBytes(size))
	return w.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
