package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fitsync",
	Short: "Multi-provider fitness activity sync",
	Long:  "Pulls activities from fitness platforms and local logs, correlates them into per-event groups, surfaces field conflicts, and writes confirmed values back.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
