package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "drugintel",
	Short: "Multi-source pharmaceutical intelligence pipeline",
	Long:  "Fans a drug name out across AI providers and temperatures, validates the returned sources, and merges them into conflict-aware category reports with confidence scores and a full audit trail.",
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
