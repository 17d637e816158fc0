package model

import (
	"context"
	"errors"
	"time"
)

// -------------------- CONTEXTS & REASONS --------------------

// AttemptContext separates the request and verify budgets of a subject.
type AttemptContext string

const (
	ContextRequest AttemptContext = "request"
	ContextVerify  AttemptContext = "verify"
)

func (c AttemptContext) Valid() bool {
	return c == ContextRequest || c == ContextVerify
}

// Reason is the failure kind surfaced to callers.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRateLimited       Reason = "RATE_LIMITED"
	ReasonInvalidOTP        Reason = "INVALID_OTP"
	ReasonExpiredOrNotFound Reason = "EXPIRED_OR_NOT_FOUND"
	ReasonAlreadyConsumed   Reason = "ALREADY_CONSUMED"
	ReasonProviderError     Reason = "PROVIDER_ERROR"
	ReasonNetworkError      Reason = "NETWORK_ERROR"
	ReasonConfigDegraded    Reason = "CONFIG_DEGRADED"
	ReasonInternalError     Reason = "INTERNAL_ERROR"
	ReasonInvalidInput      Reason = "INVALID_INPUT"
)

// IPSubjectPrefix prefixes the ledger subject of per-IP rows.
const IPSubjectPrefix = "ip:"

func IPSubject(ipHash string) string {
	return IPSubjectPrefix + ipHash
}

var (
	ErrTokenNotFound    = errors.New("otp token not found")
	ErrAlreadyConsumed  = errors.New("otp token already consumed")
	ErrTokenExpired     = errors.New("otp token expired")
	ErrTokenSuperseded  = errors.New("otp token superseded by a newer one")
	ErrAttemptNotFound  = errors.New("attempt record not found")
	ErrConcurrentUpdate = errors.New("concurrent update did not converge")
)

// -------------------- OTP TOKEN --------------------

type OTPToken struct {
	ID           string     `json:"id" db:"token_id"`
	Phone        string     `json:"phone" db:"phone"`
	OTPHash      string     `json:"-" db:"otp_hash"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	RequestID    string     `json:"request_id,omitempty" db:"request_id"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`
}

// IsValid reports whether the token is unconsumed, not superseded and unexpired at now.
func (t *OTPToken) IsValid(now time.Time) bool {
	return t.ConsumedAt == nil && t.SupersededAt == nil && now.Before(t.ExpiresAt)
}

// -------------------- ATTEMPT LEDGER --------------------

type OTPAttempt struct {
	Phone         string         `json:"phone" db:"subject"`
	Context       AttemptContext `json:"context" db:"context"`
	IPHash        string         `json:"ip_hash" db:"ip_hash"`
	AttemptCount  int            `json:"attempt_count" db:"attempt_count"`
	WindowStart   time.Time      `json:"window_start" db:"window_start"`
	LastAttemptAt time.Time      `json:"last_attempt_at" db:"last_attempt_at"`
	BlockedUntil  *time.Time     `json:"blocked_until,omitempty" db:"blocked_until"`
}

// InWindow reports whether now falls in [WindowStart, WindowStart+window).
func (a *OTPAttempt) InWindow(now time.Time, window time.Duration) bool {
	return !now.Before(a.WindowStart) && now.Before(a.WindowStart.Add(window))
}

// IsBlocked reports whether a block is set and still in the future.
func (a *OTPAttempt) IsBlocked(now time.Time) bool {
	return a.BlockedUntil != nil && now.Before(*a.BlockedUntil)
}

// -------------------- REPOSITORY INTERFACES --------------------

// TokenStore persists hashed OTP tokens. Implementations take "now" from their own injected clock.
type TokenStore interface {
	// Store writes a new token for phone and marks earlier valid tokens of that phone superseded.
	Store(ctx context.Context, phone, otpHash, requestID string) (*OTPToken, error)
	// GetLatestValid returns nil, nil when the phone has no valid token.
	GetLatestValid(ctx context.Context, phone string) (*OTPToken, error)
	// Consume sets ConsumedAt once. Losers get ErrAlreadyConsumed; superseded tokens get ErrTokenSuperseded.
	Consume(ctx context.Context, token *OTPToken) (*OTPToken, error)
	AttachRequestID(ctx context.Context, token *OTPToken, requestID string) error
	CleanupExpired(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// AttemptLedger keeps one counter row per (subject, context).
type AttemptLedger interface {
	// Record atomically increments or creates the row, rolling the window over when it elapsed.
	Record(ctx context.Context, subject, ipHash string, c AttemptContext, window time.Duration, now time.Time) (*OTPAttempt, error)
	// Get returns nil, nil when no row exists.
	Get(ctx context.Context, subject string, c AttemptContext) (*OTPAttempt, error)
	Block(ctx context.Context, subject string, c AttemptContext, until time.Time) error
	Reset(ctx context.Context, subject string, c AttemptContext) error
	// Discount lowers the row's count by n (not below zero) and clears its block.
	// A missing row is left missing.
	Discount(ctx context.Context, subject string, c AttemptContext, n int, window time.Duration) error
}
