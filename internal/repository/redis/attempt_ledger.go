package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const attemptPrefix = "otp:attempt:"

// Window rollover is decided from the stored window_start so every instance agrees on boundaries.
// KEYS: attempt row. ARGV: subject, ip hash, context, window ms, now ms, ttl ms
var recordAttemptScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'attempt_count', 'window_start')
local now = tonumber(ARGV[5])
local count = tonumber(f[1])
local ws = f[2]
if count == nil or not ws or now >= tonumber(ws) + tonumber(ARGV[4]) then
  count = 1
  ws = ARGV[5]
  redis.call('HDEL', KEYS[1], 'blocked_until')
else
  count = count + 1
end
redis.call('HSET', KEYS[1],
  'subject', ARGV[1], 'ip_hash', ARGV[2], 'context', ARGV[3],
  'attempt_count', count, 'window_start', ws, 'last_attempt_at', ARGV[5])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[6]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
local blocked = redis.call('HGET', KEYS[1], 'blocked_until')
return {count, ws, blocked or ''}
`)

// KEYS: attempt row. ARGV: subject, context, until ms, ttl ms
var blockScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], 'subject', ARGV[1], 'context', ARGV[2], 'blocked_until', ARGV[3])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[4]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// KEYS: attempt row. ARGV: n, ttl ms
var discountScript = goredis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'attempt_count'))
if count == nil then
  return -1
end
count = count - tonumber(ARGV[1])
if count < 0 then
  count = 0
end
redis.call('HSET', KEYS[1], 'attempt_count', count)
redis.call('HDEL', KEYS[1], 'blocked_until')
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return count
`)

type AttemptLedger struct {
	client *client.RedisClient
	clock  clock.Clock
}

func NewAttemptLedger(c *client.RedisClient, clk clock.Clock) *AttemptLedger {
	return &AttemptLedger{client: c, clock: clk}
}

func attemptKey(subject string, c model.AttemptContext) string {
	return fmt.Sprintf("%s%s:%s", attemptPrefix, c, subject)
}

func (l *AttemptLedger) Record(ctx context.Context, subject, ipHash string, c model.AttemptContext, window time.Duration, now time.Time) (*model.OTPAttempt, error) {
	ttl := 2 * window
	res, err := l.client.RunScript(ctx, recordAttemptScript, []string{attemptKey(subject, c)},
		subject, ipHash, string(c), window.Milliseconds(), now.UnixMilli(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		util.Error("Failed to record attempt", zap.String("context", string(c)), zap.Error(err))
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected result format from record script")
	}

	count, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected attempt count %v", res[0])
	}
	windowStart, err := parseMillis(fmt.Sprint(res[1]))
	if err != nil {
		return nil, fmt.Errorf("corrupt window_start: %w", err)
	}
	blockedUntil, err := parseOptionalMillis(fmt.Sprint(res[2]))
	if err != nil {
		return nil, fmt.Errorf("corrupt blocked_until: %w", err)
	}

	return &model.OTPAttempt{
		Phone:         subject,
		Context:       c,
		IPHash:        ipHash,
		AttemptCount:  int(count),
		WindowStart:   windowStart,
		LastAttemptAt: now,
		BlockedUntil:  blockedUntil,
	}, nil
}

func (l *AttemptLedger) Get(ctx context.Context, subject string, c model.AttemptContext) (*model.OTPAttempt, error) {
	fields, err := l.client.HGetAll(ctx, attemptKey(subject, c))
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	attempt := &model.OTPAttempt{
		Phone:   subject,
		Context: c,
		IPHash:  fields["ip_hash"],
	}
	if v := fields["attempt_count"]; v != "" {
		if _, err := fmt.Sscan(v, &attempt.AttemptCount); err != nil {
			return nil, fmt.Errorf("corrupt attempt_count: %w", err)
		}
	}
	if v := fields["window_start"]; v != "" {
		if attempt.WindowStart, err = parseMillis(v); err != nil {
			return nil, fmt.Errorf("corrupt window_start: %w", err)
		}
	}
	if v := fields["last_attempt_at"]; v != "" {
		if attempt.LastAttemptAt, err = parseMillis(v); err != nil {
			return nil, fmt.Errorf("corrupt last_attempt_at: %w", err)
		}
	}
	if attempt.BlockedUntil, err = parseOptionalMillis(fields["blocked_until"]); err != nil {
		return nil, fmt.Errorf("corrupt blocked_until: %w", err)
	}
	return attempt, nil
}

func (l *AttemptLedger) Block(ctx context.Context, subject string, c model.AttemptContext, until time.Time) error {
	ttl := until.Sub(l.clock.Now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	err := l.client.RunScript(ctx, blockScript, []string{attemptKey(subject, c)},
		subject, string(c), until.UnixMilli(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to block %s attempts: %w", c, err)
	}
	util.Debug("Attempts blocked", zap.String("context", string(c)), zap.Time("blocked_until", until))
	return nil
}

func (l *AttemptLedger) Reset(ctx context.Context, subject string, c model.AttemptContext) error {
	if _, err := l.client.Del(ctx, attemptKey(subject, c)); err != nil {
		return fmt.Errorf("failed to reset %s attempts: %w", c, err)
	}
	return nil
}

func (l *AttemptLedger) Discount(ctx context.Context, subject string, c model.AttemptContext, n int, window time.Duration) error {
	if n <= 0 {
		return nil
	}
	err := l.client.RunScript(ctx, discountScript, []string{attemptKey(subject, c)},
		n, (2 * window).Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to discount %s attempts: %w", c, err)
	}
	return nil
}
