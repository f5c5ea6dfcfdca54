package payment

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"payment-orchestrator/internal/gateway"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/settings"
)

// client returns the gateway client for method, rebuilding both clients
// whenever the stored settings differ from the ones they were built from.
func (s *Service) client(ctx context.Context, method model.Method) (gateway.Client, error) {
	current, err := s.store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients == nil || current != s.current {
		s.clients = s.buildClients(current)
		s.current = current
	}

	client, ok := s.clients[method]
	if !ok {
		return nil, &gateway.Error{Method: method, Kind: gateway.KindValidation, Reason: fmt.Sprintf("unsupported payment method %q", method)}
	}
	return client, nil
}

func (s *Service) buildClients(current settings.Settings) map[model.Method]gateway.Client {
	opts := gateway.Options{HTTPClient: s.httpClient, Logger: s.logger}

	alipayURL := s.gateways.Alipay.GatewayURL
	if current.Alipay.Sandbox {
		alipayURL = s.gateways.Alipay.SandboxGatewayURL
	}

	return map[model.Method]gateway.Client{
		model.MethodWechat: gateway.NewWechatPay(current.Wechat, s.gateways.Wechat.APIURL, opts),
		model.MethodAlipay: gateway.NewAlipay(current.Alipay, alipayURL, opts),
	}
}
