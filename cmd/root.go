package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "proposal-review",
	Short: "Consolidate agent proposals into a reviewable working draft",
	Long:  "Loads competing agent proposals for an event, merges them by agent priority into one working draft, compares alternate sources and persists only the reviewer's edits.",
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
