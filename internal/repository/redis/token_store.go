package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	tokenPrefix       = "otp:token:"
	phoneTokensPrefix = "otp:tokens:"
	phoneSeqPrefix    = "otp:seq:"
	expiryIndexKey    = "otp:expiry"

	// Tokens outlive their expiry so cleanup, not Redis eviction, decides when history goes.
	retentionGrace = 24 * time.Hour
	cleanupBatch   = 500
)

// KEYS: seq, phone index, expiry index, new token
// ARGV: token prefix, token id, phone, otp hash, created ms, expires ms, request id, keep ms
var storeTokenScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[8])

local latest = redis.call('ZREVRANGE', KEYS[2], 0, 0)
if latest[1] then
  local prev = ARGV[1] .. latest[1]
  local f = redis.call('HMGET', prev, 'consumed_at', 'superseded_at', 'expires_at')
  if f[3] and not f[1] and not f[2] and tonumber(f[3]) > tonumber(ARGV[5]) then
    redis.call('HSET', prev, 'superseded_at', ARGV[5])
  end
end

redis.call('HSET', KEYS[4], 'phone', ARGV[3], 'otp_hash', ARGV[4], 'created_at', ARGV[5], 'expires_at', ARGV[6], 'seq', seq)
if ARGV[7] ~= '' then
  redis.call('HSET', KEYS[4], 'request_id', ARGV[7])
end
redis.call('PEXPIRE', KEYS[4], ARGV[8])

redis.call('ZADD', KEYS[2], seq, ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[2])
return seq
`)

// KEYS: token. ARGV: now ms
var consumeTokenScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
local f = redis.call('HMGET', KEYS[1], 'consumed_at', 'superseded_at', 'expires_at')
if f[1] then
  return 'already_consumed'
end
if f[2] then
  return 'superseded'
end
if tonumber(f[3]) <= tonumber(ARGV[1]) then
  return 'expired'
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return 'ok'
`)

// KEYS: token. ARGV: request id
var attachRequestIDScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'request_id', ARGV[1])
return 1
`)

// KEYS: expiry index. ARGV: token prefix, phone index prefix, now ms, batch size
var cleanupScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local phone = redis.call('HGET', key, 'phone')
  if phone then
    redis.call('ZREM', ARGV[2] .. phone, id)
  end
  redis.call('DEL', key)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

type TokenStore struct {
	client *client.RedisClient
	clock  clock.Clock
	ttl    time.Duration
}

func NewTokenStore(c *client.RedisClient, clk clock.Clock, ttl time.Duration) *TokenStore {
	return &TokenStore{client: c, clock: clk, ttl: ttl}
}

func (s *TokenStore) Store(ctx context.Context, phone, otpHash, requestID string) (*model.OTPToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token id: %w", err)
	}

	now := s.clock.Now()
	token := &model.OTPToken{
		ID:        id.String(),
		Phone:     phone,
		OTPHash:   otpHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		RequestID: requestID,
	}

	keys := []string{phoneSeqPrefix + phone, phoneTokensPrefix + phone, expiryIndexKey, tokenPrefix + token.ID}
	err = s.client.RunScript(ctx, storeTokenScript, keys,
		tokenPrefix,
		token.ID,
		phone,
		otpHash,
		token.CreatedAt.UnixMilli(),
		token.ExpiresAt.UnixMilli(),
		requestID,
		(s.ttl + retentionGrace).Milliseconds(),
	).Err()
	if err != nil {
		util.Error("Failed to store OTP token", util.Phone(phone), zap.Error(err))
		return nil, fmt.Errorf("failed to store OTP token: %w", err)
	}

	util.Debug("OTP token stored", util.Phone(phone), zap.String("token_id", token.ID), zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// GetLatestValid only inspects the newest token: Store supersedes the previous one, so no older token can be valid.
func (s *TokenStore) GetLatestValid(ctx context.Context, phone string) (*model.OTPToken, error) {
	ids, err := s.client.ZRevRange(ctx, phoneTokensPrefix+phone, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read token index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	token, err := s.get(ctx, ids[0])
	if err != nil {
		if errors.Is(err, model.ErrTokenNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !token.IsValid(s.clock.Now()) {
		return nil, nil
	}
	return token, nil
}

func (s *TokenStore) Consume(ctx context.Context, token *model.OTPToken) (*model.OTPToken, error) {
	now := s.clock.Now()
	status, err := s.client.RunScript(ctx, consumeTokenScript, []string{tokenPrefix + token.ID}, now.UnixMilli()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume OTP token: %w", err)
	}

	switch status {
	case "ok":
		consumed := *token
		consumed.ConsumedAt = &now
		return &consumed, nil
	case "already_consumed":
		return nil, model.ErrAlreadyConsumed
	case "superseded":
		return nil, model.ErrTokenSuperseded
	case "expired":
		return nil, model.ErrTokenExpired
	case "not_found":
		return nil, model.ErrTokenNotFound
	default:
		return nil, fmt.Errorf("unexpected consume status %q", status)
	}
}

func (s *TokenStore) AttachRequestID(ctx context.Context, token *model.OTPToken, requestID string) error {
	n, err := s.client.RunScript(ctx, attachRequestIDScript, []string{tokenPrefix + token.ID}, requestID).Int()
	if err != nil {
		return fmt.Errorf("failed to attach request id: %w", err)
	}
	if n == 0 {
		return model.ErrTokenNotFound
	}
	token.RequestID = requestID
	return nil
}

// CleanupExpired deletes every token with ExpiresAt < now in batches and returns how many went.
func (s *TokenStore) CleanupExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	total := 0
	for {
		n, err := s.client.RunScript(ctx, cleanupScript, []string{expiryIndexKey},
			tokenPrefix, phoneTokensPrefix, now, cleanupBatch).Int()
		if err != nil {
			return total, fmt.Errorf("failed to cleanup expired tokens: %w", err)
		}
		total += n
		if n < cleanupBatch {
			break
		}
	}

	if total > 0 {
		util.Info("Expired OTP tokens cleaned up", zap.Int("deleted", total))
	}
	return total, nil
}

func (s *TokenStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *TokenStore) get(ctx context.Context, id string) (*model.OTPToken, error) {
	fields, err := s.client.HGetAll(ctx, tokenPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to read OTP token: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrTokenNotFound
	}

	token := &model.OTPToken{
		ID:        id,
		Phone:     fields["phone"],
		OTPHash:   fields["otp_hash"],
		RequestID: fields["request_id"],
	}
	if token.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("corrupt created_at on token %s: %w", id, err)
	}
	if token.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("corrupt expires_at on token %s: %w", id, err)
	}
	if token.ConsumedAt, err = parseOptionalMillis(fields["consumed_at"]); err != nil {
		return nil, fmt.Errorf("corrupt consumed_at on token %s: %w", id, err)
	}
	if token.SupersededAt, err = parseOptionalMillis(fields["superseded_at"]); err != nil {
		return nil, fmt.Errorf("corrupt superseded_at on token %s: %w", id, err)
	}
	return token, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
