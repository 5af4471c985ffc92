package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "steamreviews",
	Short: "Steam review compaction and adaptive decay metrics",
	Long:  "Replays raw review drops into an append-only ledger, compacts and merges them into a normalized fact table under a trailing window, and computes per-app engagement metrics with tenure-adaptive decay.",
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
