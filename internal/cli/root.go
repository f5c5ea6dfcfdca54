// Package cli holds the payment-orchestrator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"payment-orchestrator/internal/config"
)

var configDir string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "payment-orchestrator",
		Short:         "Payment orchestrator for WeChat Pay and Alipay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding config.yaml")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(eventsCmd())
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
