package service

import (
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/ratelimit"
	"otp-service/internal/sms"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store        model.TokenStore
	limiter      *ratelimit.Limiter
	hasher       *hashing.Hasher
	sender       sms.Sender
	events       audit.Emitter
	clock        clock.Clock
	cfg          config.OTPConfig
	storeTimeout time.Duration
	logger       *zap.Logger

	otpService *OTPService
	scheduler  *CleanupScheduler
}

func NewServiceFactory(
	store model.TokenStore,
	limiter *ratelimit.Limiter,
	hasher *hashing.Hasher,
	sender sms.Sender,
	events audit.Emitter,
	clk clock.Clock,
	cfg config.OTPConfig,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:        store,
		limiter:      limiter,
		hasher:       hasher,
		sender:       sender,
		events:       events,
		clock:        clk,
		cfg:          cfg,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.store,
			f.limiter,
			f.hasher,
			f.sender,
			f.events,
			f.clock,
			f.cfg,
			f.storeTimeout,
			f.logger.Named("otp"),
		)
	}
	return f.otpService
}

// CleanupScheduler returns the scheduler bound to the OTP service (singleton)
func (f *ServiceFactory) CleanupScheduler() *CleanupScheduler {
	if f.scheduler == nil {
		f.scheduler = NewCleanupScheduler(
			f.OTPService(),
			f.cfg.CleanupInterval,
			f.clock,
			f.logger.Named("cleanup"),
		)
	}
	return f.scheduler
}

// Cleanup stops background work owned by the services
func (f *ServiceFactory) Cleanup() {
	if f.scheduler != nil {
		f.scheduler.Stop()
	}
}
