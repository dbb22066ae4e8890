package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath  string
		provider    string
		keyID       string
		since       time.Duration
		rateLimited time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show upstream usage per provider credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()
			now := time.Now().UTC()

			switch {
			case keyID != "":
				return writeKeyUsage(ctx, os.Stdout, tr, keyID, now.Add(-since))
			case rateLimited > 0:
				return writeRateLimited(ctx, os.Stdout, tr, now.Add(-rateLimited))
			}

			summaries, err := tr.Summary(ctx, provider)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tKEY ID\tREQUESTS\t429s\tESTIMATED\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Provider, s.KeyID, s.RequestCount, s.RateLimited, s.EstimatedTokens,
					s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&keyID, "key", "", "list calls made with this credential fingerprint")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for --key")
	cmd.Flags().DurationVar(&rateLimited, "rate-limited", 0, "show 429 counts per key over this window instead")
	return cmd
}

// writeKeyUsage lists the calls made with one credential, newest first,
// followed by the upstream-reported token total.
func writeKeyUsage(ctx context.Context, out io.Writer, tr tracker.Tracker, keyID string, since time.Time) error {
	records, err := tr.QueryByKeyID(ctx, keyID, since)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No calls for key %s.\n", keyID)
		return nil
	}
	total, err := tr.TotalByKeyID(ctx, keyID, since)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST ID\tPROVIDER\tMODEL\tSTATUS\tESTIMATED\tDROPPED\tTRUNCATED\tTOTAL")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.CreatedAt.Format(time.RFC3339), r.RequestID, r.Provider, r.Model,
			r.StatusCode, r.EstimatedTokens, r.Dropped, r.Truncated, r.TotalTokens)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCalls: %d  Total tokens: %d\n", len(records), total)
	return nil
}

func writeRateLimited(ctx context.Context, out io.Writer, tr tracker.Tracker, since time.Time) error {
	counts, err := tr.RateLimited(ctx, since)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Fprintln(out, "No rate-limited calls.")
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tRATE LIMITED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
	return w.Flush()
}
