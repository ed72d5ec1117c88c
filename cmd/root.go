package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "recon-cli",
	Short: "Radiograph to 3-D mesh reconstruction service",
	Long: `Reconstructs closed 3-D surface meshes with per-vertex confidence from
radiographs, runs the work on a persistent job queue, and converts and
exports the results.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyGlobalFlags(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

// applyGlobalFlags lets the persistent flags override file and env settings.
func applyGlobalFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("db"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v, _ := flags.GetString("driver"); v != "" {
		c.Store.Driver = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		c.Log.Level = v
	}
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database URL or SQLite path (overrides store.database_url)")
	rootCmd.PersistentFlags().String("driver", "", "store driver: sqlite or postgres (overrides store.driver)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
