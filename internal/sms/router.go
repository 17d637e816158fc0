package sms

import (
	"context"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
)

const (
	RouteDLT     = "dlt"
	RouteGeneric = "otp"

	simulatedMessage = "OTP sent (simulated)"
)

// DeliveryResult is the outcome of one send. Failures carry Kind
// PROVIDER_ERROR or NETWORK_ERROR; nothing is surfaced as a Go error.
type DeliveryResult struct {
	Success   bool
	Message   string
	RequestID string
	Kind      model.Reason
	Route     string
	Simulated bool
}

type Sender interface {
	Send(ctx context.Context, phone, code string) DeliveryResult
}

// Router picks the DLT template route when it is fully configured and the generic
// OTP route otherwise. Without a provider credential it simulates the send.
type Router struct {
	cfg      config.SMSConfig
	provider *ProviderClient
	logger   *zap.Logger
}

func NewRouter(cfg config.SMSConfig, logger *zap.Logger) *Router {
	r := &Router{cfg: cfg, logger: logger}
	if cfg.ProviderConfigured {
		r.provider = NewProviderClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.MaxRetries)
	}
	return r
}

func (r *Router) route() string {
	if !r.cfg.DLTEnabled {
		return RouteGeneric
	}
	if !r.cfg.DLTConfigured {
		r.logger.Warn("DLT route enabled but template or sender id missing, using generic OTP route",
			zap.String("reason", string(model.ReasonConfigDegraded)))
		return RouteGeneric
	}
	return RouteDLT
}

func (r *Router) Send(ctx context.Context, phone, code string) DeliveryResult {
	route := r.route()

	if r.provider == nil {
		r.logger.Info("SMS provider not configured, simulating send",
			zap.String("delivery", "simulated"),
			zap.String("route", route))
		return DeliveryResult{Success: true, Simulated: true, Message: simulatedMessage, Route: route}
	}

	req := bulkRequest{
		Route:           route,
		VariablesValues: code,
		Numbers:         nationalNumber(phone),
	}
	if route == RouteDLT {
		req.SenderID = r.cfg.SenderID
		req.Message = r.cfg.TemplateID
		req.EntityID = r.cfg.EntityID
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	result := r.provider.Send(ctx, req)
	result.Route = route

	if result.Success {
		r.logger.Info("OTP SMS sent",
			zap.String("delivery", "provider"),
			zap.String("route", route),
			zap.String("request_id", result.RequestID))
	} else {
		r.logger.Warn("OTP SMS delivery failed",
			zap.String("delivery", "provider"),
			zap.String("route", route),
			zap.String("kind", string(result.Kind)),
			zap.String("detail", result.Message))
	}
	return result
}

// nationalNumber strips the country code, which the provider expects to be implied.
func nationalNumber(phone string) string {
	num, err := phonenumbers.Parse(phone, "IN")
	if err == nil && num.GetNationalNumber() != 0 {
		return strconv.FormatUint(num.GetNationalNumber(), 10)
	}
	return strings.TrimPrefix(phone, "+")
}
