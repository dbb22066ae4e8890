package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatshaper/chatshaper/pkg/budget"
	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/models"
	"github.com/chatshaper/chatshaper/pkg/proxy"
)

func newEstimateCmd(a *app) *cobra.Command {
	var (
		configPath string
		file       string
		trim       bool
		ceiling    int
		minKeep    int
		estimator  string
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the token cost of a chat request and optionally trim it",
		Long: `Reads an OpenAI or Anthropic style chat request and prints its estimated
token cost against the ceiling. With --trim the shaped request is written
to stdout and the report to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cmd.Flags().Changed("config") {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("estimator") {
				cfg.Budget.Estimator = estimator
			}
			if minKeep > 0 {
				cfg.Budget.MinKeep = minKeep
			}
			if ceiling <= 0 {
				ceiling = cfg.Budget.Ceiling()
			}

			est, err := budget.NewEstimator(cfg.Budget.Estimator, cfg.Budget.Encoding, a.logger)
			if err != nil {
				return err
			}
			b := budget.New(budget.Options{
				Ceiling:   ceiling,
				MinKeep:   cfg.Budget.MinKeep,
				Estimator: est,
				Logger:    a.logger,
			})

			body, err := readInput(file)
			if err != nil {
				return err
			}
			var req models.AnthropicRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}

			system, systemText, history := proxy.SplitSystem(req.Messages)
			if s := req.System.JoinText(); s != "" {
				if systemText != "" {
					systemText = s + "\n" + systemText
				} else {
					systemText = s
				}
			}

			res := b.TrimWithReport(history, systemText, 0)

			report := os.Stdout
			if trim {
				report = os.Stderr
			}
			fmt.Fprintf(report, "Estimator: %s\n", est.Name())
			fmt.Fprintf(report, "Messages:  %d\n", len(history))
			fmt.Fprintf(report, "Estimated: %d\n", res.Before)
			fmt.Fprintf(report, "Ceiling:   %d\n", res.Ceiling)
			if trim {
				fmt.Fprintf(report, "Dropped:   %d\n", res.Dropped)
				fmt.Fprintf(report, "Truncated: %d\n", res.Truncated)
				fmt.Fprintf(report, "After:     %d\n", res.After)
			}
			fits := res.Before <= res.Ceiling
			if trim {
				fits = res.Fits
			}
			fmt.Fprintf(report, "Fits:      %t\n", fits)

			if !trim {
				return nil
			}
			messages := append(append([]models.Message{}, system...), res.Messages...)
			out, err := replaceMessages(body, messages)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(out))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatshaper.yaml", "path to config file")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file, - for stdin")
	cmd.Flags().BoolVar(&trim, "trim", false, "print the trimmed request")
	cmd.Flags().IntVar(&ceiling, "ceiling", 0, "token ceiling (default from config)")
	cmd.Flags().IntVar(&minKeep, "min-keep", 0, "messages never dropped (default from config)")
	cmd.Flags().StringVar(&estimator, "estimator", budget.EstimatorHeuristic, "heuristic or tiktoken")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return data, nil
}

// replaceMessages swaps the messages field of a request body, keeping every
// other field as written.
func replaceMessages(body []byte, messages []models.Message) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	raw["messages"] = data
	return json.MarshalIndent(raw, "", "  ")
}
