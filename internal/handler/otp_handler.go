package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/otp"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

var (
	errInvalidBody  = errors.New("invalid request body")
	errInvalidPhone = errors.New("phone must be in international format, e.g. +911234567890")
	errInvalidCode  = errors.New("code must be numeric")
)

// OTPService is satisfied by *service.OTPService.
type OTPService interface {
	RequestOTP(ctx context.Context, phone, clientIP string) service.RequestResult
	VerifyOTP(ctx context.Context, phone, code, clientIP string) service.VerifyResult
	HealthCheck(ctx context.Context) error
}

// HealthReporter reports the state of optional dependencies by name. A nil
// error means the component is up.
type HealthReporter interface {
	HealthCheck(ctx context.Context) map[string]error
}

const healthTimeout = 5 * time.Second

// OTPHandler handles HTTP requests for OTP operations
type OTPHandler struct {
	otpService OTPService
	components HealthReporter
	clock      func() time.Time
	logger     *zap.Logger
}

func NewOTPHandler(otpService OTPService, now func() time.Time, logger *zap.Logger) *OTPHandler {
	if now == nil {
		now = time.Now
	}
	return &OTPHandler{
		otpService: otpService,
		clock:      now,
		logger:     logger,
	}
}

// WithHealthReporter adds per-component status to /health. Components never
// decide readiness; only the token store does.
func (h *OTPHandler) WithHealthReporter(r HealthReporter) *OTPHandler {
	h.components = r
	return h
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type OTPData struct {
	RequestID    string     `json:"request_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Simulated    bool       `json:"simulated,omitempty"`
}

type requestOTPBody struct {
	Phone string `json:"phone"`
}

type verifyOTPBody struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestOTP)
		r.Post("/verify", h.VerifyOTP)
	})
}

// RequestOTP handles POST /api/v1/otp/request
func (h *OTPHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if err := decodeBody(w, r, &body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errInvalidBody, "Invalid request body")
		return
	}
	phone, err := validatePhone(body.Phone)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}

	res := h.otpService.RequestOTP(r.Context(), phone, clientIP(r))
	data := OTPData{
		RequestID:    res.RequestID,
		Reason:       string(res.Reason),
		BlockedUntil: res.BlockedUntil,
		Simulated:    res.Simulated,
	}
	h.respondWithResult(w, res.Success, res.Reason, res.BlockedUntil, res.Message, data)
}

// VerifyOTP handles POST /api/v1/otp/verify
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if err := decodeBody(w, r, &body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errInvalidBody, "Invalid request body")
		return
	}
	phone, err := validatePhone(body.Phone)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid phone number")
		return
	}
	code := strings.TrimSpace(body.Code)
	if !util.IsNumeric(code) || len(code) < otp.MinLength || len(code) > otp.MaxLength {
		h.respondWithError(w, http.StatusBadRequest, errInvalidCode, "Invalid code")
		return
	}

	res := h.otpService.VerifyOTP(r.Context(), phone, code, clientIP(r))
	data := OTPData{
		Reason:       string(res.Reason),
		BlockedUntil: res.BlockedUntil,
	}
	h.respondWithResult(w, res.Success, res.Reason, res.BlockedUntil, res.Message, data)
}

func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"store": "ok"}
	storeErr := h.otpService.HealthCheck(ctx)
	if storeErr != nil {
		h.logger.Error("Health check failed", util.ErrorField(storeErr))
		status["store"] = "unavailable"
	}

	if h.components != nil {
		for name, err := range h.components.HealthCheck(ctx) {
			if err != nil {
				h.logger.Warn("Component unhealthy", util.String("component", name), util.ErrorField(err))
				status[name] = "unavailable"
				continue
			}
			status[name] = "ok"
		}
	}

	if storeErr != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Data:    status,
			Error:   "store unavailable",
			Message: "Service unhealthy",
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: status, Message: "Service is healthy"})
}

func (h *OTPHandler) respondWithResult(w http.ResponseWriter, success bool, reason model.Reason, blockedUntil *time.Time, message string, data OTPData) {
	if success {
		h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
		return
	}

	status := statusForReason(reason)
	if reason == model.ReasonRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter(blockedUntil)))
	}
	h.respondWithJSON(w, status, Response{
		Success: false,
		Error:   string(reason),
		Message: message,
		Data:    data,
	})
}

// retryAfter is the whole seconds until blockedUntil, at least 1.
func (h *OTPHandler) retryAfter(blockedUntil *time.Time) int {
	if blockedUntil == nil {
		return 60
	}
	secs := int(math.Ceil(blockedUntil.Sub(h.clock()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func statusForReason(reason model.Reason) int {
	switch reason {
	case model.ReasonInvalidOTP:
		return http.StatusUnauthorized
	case model.ReasonExpiredOrNotFound:
		return http.StatusGone
	case model.ReasonAlreadyConsumed:
		return http.StatusConflict
	case model.ReasonRateLimited:
		return http.StatusTooManyRequests
	case model.ReasonProviderError, model.ReasonNetworkError:
		return http.StatusBadGateway
	case model.ReasonInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validatePhone accepts E.164-style input that libphonenumber considers possible. The
// value is returned trimmed but otherwise as given.
func validatePhone(raw string) (string, error) {
	phone := strings.TrimSpace(raw)
	if !strings.HasPrefix(phone, "+") || util.ContainsSuspicious(phone) {
		return "", errInvalidPhone
	}
	num, err := phonenumbers.Parse(phone, "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", errInvalidPhone
	}
	return phone, nil
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Debug("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, Response{
		Success: false,
		Error:   string(model.ReasonInvalidInput),
		Message: err.Error(),
	})
}
