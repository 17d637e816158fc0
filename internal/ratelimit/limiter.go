package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Policy is the budget of one (subject, context) row.
type Policy struct {
	Window      time.Duration
	MaxAttempts int
}

var (
	DefaultRequestPolicy   = Policy{Window: 10 * time.Minute, MaxAttempts: 5}
	DefaultVerifyPolicy    = Policy{Window: 10 * time.Minute, MaxAttempts: 8}
	DefaultIPRequestPolicy = Policy{Window: 10 * time.Minute, MaxAttempts: 20}
	DefaultIPVerifyPolicy  = Policy{Window: 10 * time.Minute, MaxAttempts: 40}
)

const (
	ScopePhone = "phone"
	ScopeIP    = "ip"
)

type Decision struct {
	Limited      bool
	BlockedUntil *time.Time
	Scope        string
}

// Limiter decides whether a request or verify action is allowed. A subject that
// reaches its budget is blocked until its window ends, never longer.
type Limiter struct {
	ledger model.AttemptLedger
	cfg    config.RateLimitConfig
	clock  clock.Clock
}

func NewLimiter(ledger model.AttemptLedger, cfg config.RateLimitConfig, clk clock.Clock) *Limiter {
	return &Limiter{ledger: ledger, cfg: cfg, clock: clk}
}

// LimitsFor returns the per-phone policy of c. Unset or unusable overrides fall back to defaults.
func (l *Limiter) LimitsFor(c model.AttemptContext) Policy {
	if c == model.ContextVerify {
		return merge(l.cfg.Verify, DefaultVerifyPolicy)
	}
	return merge(l.cfg.Request, DefaultRequestPolicy)
}

// IPLimitsFor returns the per-IP policy of c.
func (l *Limiter) IPLimitsFor(c model.AttemptContext) Policy {
	if c == model.ContextVerify {
		return merge(l.cfg.IPVerify, DefaultIPVerifyPolicy)
	}
	return merge(l.cfg.IPRequest, DefaultIPRequestPolicy)
}

func merge(override config.ContextLimit, def Policy) Policy {
	p := def
	if override.Window > 0 {
		p.Window = override.Window
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	return p
}

// RecordAttempt counts one attempt against the phone row and, when known, the IP row.
func (l *Limiter) RecordAttempt(ctx context.Context, phone, ipHash string, c model.AttemptContext) (*model.OTPAttempt, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown attempt context %q", c)
	}
	now := l.clock.Now()

	attempt, err := l.ledger.Record(ctx, phone, ipHash, c, l.LimitsFor(c).Window, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s attempt: %w", c, err)
	}
	if ipHash != "" {
		if _, err := l.ledger.Record(ctx, model.IPSubject(ipHash), ipHash, c, l.IPLimitsFor(c).Window, now); err != nil {
			return nil, fmt.Errorf("failed to record %s attempt for ip: %w", c, err)
		}
	}
	return attempt, nil
}

// IsLimited checks the phone row first, then the IP row.
func (l *Limiter) IsLimited(ctx context.Context, phone, ipHash string, c model.AttemptContext) (Decision, error) {
	now := l.clock.Now()

	d, err := l.evaluate(ctx, phone, c, l.LimitsFor(c), now)
	if err != nil {
		return Decision{}, err
	}
	if d.Limited {
		d.Scope = ScopePhone
		return d, nil
	}
	if ipHash == "" {
		return Decision{}, nil
	}

	d, err = l.evaluate(ctx, model.IPSubject(ipHash), c, l.IPLimitsFor(c), now)
	if err != nil {
		return Decision{}, err
	}
	if d.Limited {
		d.Scope = ScopeIP
	}
	return d, nil
}

func (l *Limiter) evaluate(ctx context.Context, subject string, c model.AttemptContext, policy Policy, now time.Time) (Decision, error) {
	attempt, err := l.ledger.Get(ctx, subject, c)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read %s attempts: %w", c, err)
	}
	if attempt == nil {
		return Decision{}, nil
	}

	if attempt.IsBlocked(now) {
		return Decision{Limited: true, BlockedUntil: attempt.BlockedUntil}, nil
	}

	if attempt.InWindow(now, policy.Window) && attempt.AttemptCount >= policy.MaxAttempts {
		until := attempt.WindowStart.Add(policy.Window)
		if err := l.ledger.Block(ctx, subject, c, until); err != nil {
			// The decision stands even if the block marker could not be written.
			util.Warn("Failed to persist rate limit block", zap.String("context", string(c)), zap.Error(err))
		}
		util.Info("Rate limit reached",
			zap.String("context", string(c)),
			zap.Int("attempts", attempt.AttemptCount),
			zap.Time("blocked_until", until))
		return Decision{Limited: true, BlockedUntil: &until}, nil
	}

	return Decision{}, nil
}

// ResetAttempts clears the phone row of c. IP rows are left to expire with their window.
func (l *Limiter) ResetAttempts(ctx context.Context, phone string, c model.AttemptContext) error {
	if err := l.ledger.Reset(ctx, phone, c); err != nil {
		return fmt.Errorf("failed to reset %s attempts: %w", c, err)
	}
	return nil
}

// ForgiveAttempts clears the phone row of c after a success and takes the phone's
// counted attempts back out of the ip row, so a user who mistyped a code is not
// left blocked by the shared ip budget. Attempts the ip spent on other phones
// still count.
func (l *Limiter) ForgiveAttempts(ctx context.Context, phone, ipHash string, c model.AttemptContext) error {
	if ipHash != "" {
		attempt, err := l.ledger.Get(ctx, phone, c)
		if err != nil {
			return fmt.Errorf("failed to read %s attempts: %w", c, err)
		}
		if attempt != nil && attempt.AttemptCount > 0 {
			subject := model.IPSubject(ipHash)
			if err := l.ledger.Discount(ctx, subject, c, attempt.AttemptCount, l.IPLimitsFor(c).Window); err != nil {
				return err
			}
		}
	}
	return l.ResetAttempts(ctx, phone, c)
}

// HashIP returns the hex HMAC-SHA256 of ip so raw client addresses never reach storage.
func HashIP(secret, ip string) string {
	if ip == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
