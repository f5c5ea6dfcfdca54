package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"payment-orchestrator/internal/api"
	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/db"
	"payment-orchestrator/internal/events"
	"payment-orchestrator/internal/ledger"
	"payment-orchestrator/internal/logging"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/payment"
	"payment-orchestrator/internal/reconcile"
	"payment-orchestrator/internal/settings"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	store, err := openStorage(ctx, cfg.Database, cfg.Settings, logger)
	if err != nil {
		return err
	}
	defer store.close()

	publisher := events.Publisher(events.Nop{})
	if cfg.Kafka.Broker.URL != "" {
		writer := events.NewWriter(cfg.Kafka)
		defer writer.Close()
		publisher = events.NewKafka(writer, logger)
		logger.Info("Publishing order events", "topic", cfg.Kafka.Topic.OrderEvents)
	}

	svc := payment.NewService(store.ledger, store.settings, publisher, cfg.Gateways, logger)

	if cfg.Reconciler.Enabled {
		reconcile.NewReconciler(store.ledger, svc, cfg.Reconciler, logger).Start(ctx)
	}

	apiServer := api.NewServer(svc, cfg.Server, cfg.Notify, logger)
	apiServer.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      apiServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}

type storage struct {
	ledger   ledger.Ledger
	settings settings.Store
	close    func()
}

// openStorage picks Postgres when a database host is configured, otherwise
// the in-memory ledger with settings kept in a local file.
func openStorage(ctx context.Context, dbCfg config.Database, settingsCfg config.Settings, logger *slog.Logger) (*storage, error) {
	if !dbCfg.Enabled() {
		logger.Warn("No database configured, orders are kept in memory", "settingsPath", settingsCfg.Path)
		return &storage{
			ledger:   ledger.NewMemory(),
			settings: settings.NewFileStore(settingsCfg.Path),
			close:    func() {},
		}, nil
	}

	connStr := db.GetConnStr(dbCfg)
	if err := db.RunMigrations(connStr); err != nil {
		return nil, err
	}

	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return nil, err
	}

	logger.Info("Using postgres storage", "host", dbCfg.Host, "database", dbCfg.Name)
	return &storage{
		ledger:   ledger.NewPostgres(pool),
		settings: settings.NewPostgresStore(pool),
		close:    pool.Close,
	}, nil
}
