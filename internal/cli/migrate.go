package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"payment-orchestrator/internal/db"
	"payment-orchestrator/internal/logging"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("database.host is not set")
			}

			logger := logging.GetLogger(cfg.Logs)
			if err := db.RunMigrations(db.GetConnStr(cfg.Database)); err != nil {
				return err
			}
			logger.Info("Migrations applied", "host", cfg.Database.Host, "database", cfg.Database.Name)
			return nil
		},
	}
}
