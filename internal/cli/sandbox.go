package cli

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"payment-orchestrator/internal/logging"
	"payment-orchestrator/internal/sandbox"
)

func sandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Run a fake WeChat Pay and Alipay gateway for local testing",
		Long: `Run a fake gateway.

Point gateways.wechat.api-url at http://localhost:<sandbox.port> and
gateways.alipay.gateway-url at http://localhost:<sandbox.port>/gateway.do.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			sb, err := sandbox.New(sandbox.Config{
				WechatAPIKey:            cfg.Sandbox.WechatAPIKey,
				AlipayAppID:             cfg.Sandbox.AlipayAppID,
				AlipayPrivateKey:        cfg.Sandbox.AlipayPrivateKey,
				AlipayMerchantPublicKey: cfg.Sandbox.AlipayMerchantPublicKey,
			}, logger)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Sandbox.Port,
				Handler:           sb.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()

			logger.Info("Starting gateway sandbox", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "sandbox server")
			}
			return nil
		},
	}
}
