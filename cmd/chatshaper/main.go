package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

// app carries state shared by subcommands once flags are parsed.
type app struct {
	logger *zap.Logger
}

func main() {
	var debug bool
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "chatshaper",
		Short:         "chatshaper: credential rotation and context budgeting for LLM requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			l, err := newLogger(debug)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.logger = l
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newKeysCmd(a),
		newEstimateCmd(a),
		newStatsCmd(),
		newCacheCmd(),
		newMCPCmd(a),
	)

	err := root.Execute()
	_ = a.logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
