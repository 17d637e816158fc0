package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/otp"
	"otp-service/internal/ratelimit"
	"otp-service/internal/sms"
	"otp-service/internal/util"
)

const (
	MsgOTPSent          = "OTP sent successfully"
	MsgOTPVerified      = "OTP verified successfully"
	MsgRateLimited      = "Too many attempts, please try again later"
	MsgInvalidOTP       = "Invalid OTP"
	MsgExpiredOrMissing = "OTP expired or not found, please request a new one"
	MsgAlreadyConsumed  = "OTP has already been used"
	MsgSendFailed       = "Failed to send OTP, please try again"
	MsgInternalError    = "Something went wrong, please try again"

	defaultStoreTimeout = 3 * time.Second
)

type RequestResult struct {
	Success      bool
	Message      string
	RequestID    string
	Reason       model.Reason
	BlockedUntil *time.Time
	Simulated    bool
}

type VerifyResult struct {
	Success      bool
	Message      string
	Reason       model.Reason
	BlockedUntil *time.Time
}

// OTPService issues and verifies one-time codes. Correctness under concurrency
// comes from the store and ledger atomics; the service itself holds no locks.
type OTPService struct {
	store        model.TokenStore
	limiter      *ratelimit.Limiter
	hasher       *hashing.Hasher
	sender       sms.Sender
	events       audit.Emitter
	clock        clock.Clock
	cfg          config.OTPConfig
	storeTimeout time.Duration
	logger       *zap.Logger
}

func NewOTPService(
	store model.TokenStore,
	limiter *ratelimit.Limiter,
	hasher *hashing.Hasher,
	sender sms.Sender,
	events audit.Emitter,
	clk clock.Clock,
	cfg config.OTPConfig,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *OTPService {
	if events == nil {
		events = audit.Nop{}
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	if cfg.Length == 0 {
		cfg.Length = otp.DefaultLength
	}
	return &OTPService{
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

func (s *OTPService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *OTPService) hashIP(clientIP string) string {
	return ratelimit.HashIP(s.cfg.IPHashSecret, clientIP)
}

// RequestOTP generates, stores and sends a new code for phone. The send outcome
// is returned as is; a stored but undelivered token is left to expire.
func (s *OTPService) RequestOTP(ctx context.Context, phone, clientIP string) RequestResult {
	ipHash := s.hashIP(clientIP)
	log := s.logger.With(util.Phone(phone), zap.String("context", string(model.ContextRequest)))

	sctx, cancel := s.storeCtx(ctx)
	decision, err := s.limiter.IsLimited(sctx, phone, ipHash, model.ContextRequest)
	cancel()
	if err != nil {
		return s.requestInternalError(ctx, log, phone, ipHash, "rate limit check", err)
	}
	if decision.Limited {
		log.Info("OTP request rate limited", zap.String("scope", decision.Scope))
		s.emit(ctx, audit.EventRateLimited, phone, ipHash, model.ContextRequest, model.ReasonRateLimited)
		return RequestResult{
			Message:      MsgRateLimited,
			Reason:       model.ReasonRateLimited,
			BlockedUntil: decision.BlockedUntil,
		}
	}

	code, err := otp.Generate(s.cfg.Length)
	if err != nil {
		return s.requestInternalError(ctx, log, phone, ipHash, "generate", err)
	}
	otpHash, err := s.hasher.Hash(code)
	if err != nil {
		return s.requestInternalError(ctx, log, phone, ipHash, "hash", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	token, err := s.store.Store(sctx, phone, otpHash, "")
	cancel()
	if err != nil {
		return s.requestInternalError(ctx, log, phone, ipHash, "store token", err)
	}

	delivery := s.sender.Send(ctx, phone, code)

	// Counted whether or not the send succeeded.
	sctx, cancel = s.storeCtx(ctx)
	if _, err := s.limiter.RecordAttempt(sctx, phone, ipHash, model.ContextRequest); err != nil {
		log.Error("Failed to record request attempt", zap.Error(err))
	}
	cancel()

	if !delivery.Success {
		log.Warn("OTP delivery failed",
			zap.String("kind", string(delivery.Kind)),
			zap.String("route", delivery.Route),
			zap.String("provider_message", delivery.Message))
		s.events.Emit(ctx, audit.Record{
			Type:    audit.EventRequestFailed,
			Phone:   phone,
			IPHash:  ipHash,
			Context: string(model.ContextRequest),
			Reason:  string(delivery.Kind),
			Route:   delivery.Route,
		})
		return RequestResult{Message: MsgSendFailed, Reason: delivery.Kind}
	}

	requestID := delivery.RequestID
	if requestID != "" {
		sctx, cancel = s.storeCtx(ctx)
		if err := s.store.AttachRequestID(sctx, token, requestID); err != nil {
			log.Warn("Failed to attach provider request id", zap.Error(err))
		}
		cancel()
	} else {
		requestID = token.ID
	}

	log.Info("OTP issued",
		zap.String("token_id", token.ID),
		zap.String("route", delivery.Route),
		zap.Bool("simulated", delivery.Simulated))
	s.events.Emit(ctx, audit.Record{
		Type:      audit.EventRequested,
		Phone:     phone,
		IPHash:    ipHash,
		Context:   string(model.ContextRequest),
		Route:     delivery.Route,
		Simulated: delivery.Simulated,
		RequestID: requestID,
	})

	message := MsgOTPSent
	if delivery.Simulated {
		message = delivery.Message
	}
	return RequestResult{
		Success:   true,
		Message:   message,
		RequestID: requestID,
		Simulated: delivery.Simulated,
	}
}

// VerifyOTP checks code against the latest valid token of phone and consumes it on a match.
func (s *OTPService) VerifyOTP(ctx context.Context, phone, code, clientIP string) VerifyResult {
	ipHash := s.hashIP(clientIP)
	log := s.logger.With(util.Phone(phone), zap.String("context", string(model.ContextVerify)))

	sctx, cancel := s.storeCtx(ctx)
	decision, err := s.limiter.IsLimited(sctx, phone, ipHash, model.ContextVerify)
	cancel()
	if err != nil {
		return s.verifyInternalError(ctx, log, phone, ipHash, "rate limit check", err)
	}
	if decision.Limited {
		log.Info("OTP verify rate limited", zap.String("scope", decision.Scope))
		s.emit(ctx, audit.EventRateLimited, phone, ipHash, model.ContextVerify, model.ReasonRateLimited)
		return VerifyResult{
			Message:      MsgRateLimited,
			Reason:       model.ReasonRateLimited,
			BlockedUntil: decision.BlockedUntil,
		}
	}

	sctx, cancel = s.storeCtx(ctx)
	_, err = s.limiter.RecordAttempt(sctx, phone, ipHash, model.ContextVerify)
	cancel()
	if err != nil {
		return s.verifyInternalError(ctx, log, phone, ipHash, "record attempt", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	token, err := s.store.GetLatestValid(sctx, phone)
	cancel()
	if err != nil {
		return s.verifyInternalError(ctx, log, phone, ipHash, "load token", err)
	}
	if token == nil {
		return s.verifyFailed(ctx, log, phone, ipHash, model.ReasonExpiredOrNotFound)
	}

	if !s.hasher.Verify(code, token.OTPHash) {
		return s.verifyFailed(ctx, log, phone, ipHash, model.ReasonInvalidOTP)
	}

	sctx, cancel = s.storeCtx(ctx)
	_, err = s.store.Consume(sctx, token)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, model.ErrAlreadyConsumed), errors.Is(err, model.ErrTokenSuperseded):
		return s.verifyFailed(ctx, log, phone, ipHash, model.ReasonAlreadyConsumed)
	case errors.Is(err, model.ErrTokenExpired), errors.Is(err, model.ErrTokenNotFound):
		return s.verifyFailed(ctx, log, phone, ipHash, model.ReasonExpiredOrNotFound)
	default:
		return s.verifyInternalError(ctx, log, phone, ipHash, "consume token", err)
	}

	// The token is consumed at this point, so reset failures do not change the outcome.
	sctx, cancel = s.storeCtx(ctx)
	err = s.limiter.ForgiveAttempts(sctx, phone, ipHash, model.ContextVerify)
	cancel()
	if err != nil {
		log.Warn("Failed to reset verify attempts", zap.Error(err))
	}
	if s.cfg.ResetRequestOnVerify {
		if err := s.ResetRequestAttempts(ctx, phone); err != nil {
			log.Warn("Failed to reset request attempts", zap.Error(err))
		}
	}

	log.Info("OTP verified", zap.String("token_id", token.ID))
	s.events.Emit(ctx, audit.Record{
		Type:      audit.EventVerified,
		Phone:     phone,
		IPHash:    ipHash,
		Context:   string(model.ContextVerify),
		RequestID: token.RequestID,
	})
	return VerifyResult{Success: true, Message: MsgOTPVerified}
}

func (s *OTPService) ResetVerifyAttempts(ctx context.Context, phone string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.limiter.ResetAttempts(sctx, phone, model.ContextVerify)
}

func (s *OTPService) ResetRequestAttempts(ctx context.Context, phone string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.limiter.ResetAttempts(sctx, phone, model.ContextRequest)
}

// CleanupExpiredTokens deletes tokens past expiry and returns how many were removed.
func (s *OTPService) CleanupExpiredTokens(ctx context.Context) (int, error) {
	start := s.clock.Now()
	removed, err := s.store.CleanupExpired(ctx)
	if err != nil {
		return removed, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}

	s.logger.Info("Expired tokens cleaned up",
		zap.Int("removed", removed),
		zap.Duration("took", s.clock.Now().Sub(start)))
	if removed > 0 {
		s.events.Emit(ctx, audit.Record{Type: audit.EventCleanup, Count: removed})
	}
	return removed, nil
}

func (s *OTPService) HealthCheck(ctx context.Context) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.HealthCheck(sctx)
}

func (s *OTPService) verifyFailed(ctx context.Context, log *zap.Logger, phone, ipHash string, reason model.Reason) VerifyResult {
	log.Info("OTP verification failed", zap.String("reason", string(reason)))
	s.emit(ctx, audit.EventVerifyFailed, phone, ipHash, model.ContextVerify, reason)

	var msg string
	switch reason {
	case model.ReasonInvalidOTP:
		msg = MsgInvalidOTP
	case model.ReasonAlreadyConsumed:
		msg = MsgAlreadyConsumed
	default:
		msg = MsgExpiredOrMissing
	}
	return VerifyResult{Message: msg, Reason: reason}
}

func (s *OTPService) requestInternalError(ctx context.Context, log *zap.Logger, phone, ipHash, step string, err error) RequestResult {
	log.Error("OTP request failed", zap.String("step", step), zap.Error(err))
	s.emit(ctx, audit.EventRequestFailed, phone, ipHash, model.ContextRequest, model.ReasonInternalError)
	return RequestResult{Message: MsgInternalError, Reason: model.ReasonInternalError}
}

func (s *OTPService) verifyInternalError(ctx context.Context, log *zap.Logger, phone, ipHash, step string, err error) VerifyResult {
	log.Error("OTP verification failed", zap.String("step", step), zap.Error(err))
	s.emit(ctx, audit.EventVerifyFailed, phone, ipHash, model.ContextVerify, model.ReasonInternalError)
	return VerifyResult{Message: MsgInternalError, Reason: model.ReasonInternalError}
}

func (s *OTPService) emit(ctx context.Context, t audit.EventType, phone, ipHash string, c model.AttemptContext, reason model.Reason) {
	s.events.Emit(ctx, audit.Record{
		Type:    t,
		Phone:   phone,
		IPHash:  ipHash,
		Context: string(c),
		Reason:  string(reason),
	})
}
