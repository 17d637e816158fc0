package scylla

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/bucketing"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	// Rows outlive their expiry so history stays until cleanup deletes it.
	retentionGrace   = 24 * time.Hour
	recentTokenLimit = 5
	cleanupBatchSize = 50
	cleanupWorkers   = 4
)

type TokenRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	clock   clock.Clock
	ttl     time.Duration
}

func NewTokenRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, clk clock.Clock, ttl time.Duration) *TokenRepository {
	return &TokenRepository{
		client:  client,
		buckets: buckets,
		clock:   clk,
		ttl:     ttl,
	}
}

func (r *TokenRepository) Store(ctx context.Context, phone, otpHash, requestID string) (*model.OTPToken, error) {
	now := r.clock.Now().UTC().Truncate(time.Millisecond)
	id := gocql.UUIDFromTime(now)
	token := &model.OTPToken{
		ID:        id.String(),
		Phone:     phone,
		OTPHash:   otpHash,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
		RequestID: requestID,
	}
	rowTTL := int((r.ttl + retentionGrace).Seconds())

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(r.client.stmts.InsertToken, phone, id, otpHash, token.CreatedAt, token.ExpiresAt, requestID, rowTTL)
	batch.Query(r.client.stmts.InsertExpiry, r.buckets.ExpiryBucket(phone), token.ExpiresAt, phone, id, rowTTL)
	if err := r.client.ExecuteBatchWithRetry(ctx, batch, 2); err != nil {
		util.Error("Failed to create OTP token", util.Phone(phone), zap.Error(err))
		return nil, fmt.Errorf("failed to create OTP token: %w", err)
	}

	if err := r.supersedeOlder(ctx, phone, id, now); err != nil {
		return nil, err
	}

	util.Debug("OTP token stored",
		util.Phone(phone),
		zap.String("token_id", token.ID),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// supersedeOlder voids the still-valid tokens of phone that sort after keep in
// the token_id DESC clustering order. When a concurrent Store already wrote a
// newer valid token, keep itself is voided, so only the newest token survives.
// The LWT leaves tokens that were consumed concurrently untouched.
func (r *TokenRepository) supersedeOlder(ctx context.Context, phone string, keep gocql.UUID, now time.Time) error {
	tokens, err := r.recent(ctx, phone)
	if err != nil {
		return err
	}

	var (
		seen, newer bool
		older       []string
	)
	for _, t := range tokens {
		if t.ID == keep.String() {
			seen = true
			continue
		}
		if !t.IsValid(now) {
			continue
		}
		if seen {
			older = append(older, t.ID)
		} else {
			newer = true
		}
	}
	if newer {
		older = append(older, keep.String())
	}

	for _, tokenID := range older {
		id, err := gocql.ParseUUID(tokenID)
		if err != nil {
			return fmt.Errorf("corrupt token id %q: %w", tokenID, err)
		}
		if _, err := r.client.Query(ctx, r.client.stmts.SupersedeToken, now, phone, id).MapScanCAS(map[string]interface{}{}); err != nil {
			util.Error("Failed to supersede OTP token", util.Phone(phone), zap.String("token_id", tokenID), zap.Error(err))
			return fmt.Errorf("failed to supersede OTP token: %w", err)
		}
	}
	return nil
}

func (r *TokenRepository) GetLatestValid(ctx context.Context, phone string) (*model.OTPToken, error) {
	tokens, err := r.recent(ctx, phone)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	for _, t := range tokens {
		if t.IsValid(now) {
			return t, nil
		}
	}
	return nil, nil
}

func (r *TokenRepository) recent(ctx context.Context, phone string) ([]*model.OTPToken, error) {
	iter := r.client.Query(ctx, r.client.stmts.SelectRecent, phone, recentTokenLimit).Iter()

	var (
		tokens                   []*model.OTPToken
		id                       gocql.UUID
		otpHash, requestID       string
		createdAt, expiresAt     time.Time
		consumedAt, supersededAt time.Time
	)
	for iter.Scan(&id, &otpHash, &createdAt, &expiresAt, &requestID, &consumedAt, &supersededAt) {
		tokens = append(tokens, &model.OTPToken{
			ID:           id.String(),
			Phone:        phone,
			OTPHash:      otpHash,
			CreatedAt:    createdAt,
			ExpiresAt:    expiresAt,
			RequestID:    requestID,
			ConsumedAt:   optionalTime(consumedAt),
			SupersededAt: optionalTime(supersededAt),
		})
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to read OTP tokens", util.Phone(phone), zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP tokens: %w", err)
	}
	return tokens, nil
}

func (r *TokenRepository) Consume(ctx context.Context, token *model.OTPToken) (*model.OTPToken, error) {
	id, err := gocql.ParseUUID(token.ID)
	if err != nil {
		return nil, model.ErrTokenNotFound
	}

	now := r.clock.Now().UTC().Truncate(time.Millisecond)
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.stmts.ConsumeToken, now, token.Phone, id, now).MapScanCAS(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to consume OTP token: %w", err)
	}
	if applied {
		consumed := *token
		consumed.ConsumedAt = &now
		return &consumed, nil
	}

	switch {
	case !timeValue(existing["consumed_at"]).IsZero():
		return nil, model.ErrAlreadyConsumed
	case !timeValue(existing["superseded_at"]).IsZero():
		return nil, model.ErrTokenSuperseded
	case timeValue(existing["expires_at"]).IsZero():
		return nil, model.ErrTokenNotFound
	default:
		return nil, model.ErrTokenExpired
	}
}

func (r *TokenRepository) AttachRequestID(ctx context.Context, token *model.OTPToken, requestID string) error {
	id, err := gocql.ParseUUID(token.ID)
	if err != nil {
		return model.ErrTokenNotFound
	}
	applied, err := r.client.Query(ctx, r.client.stmts.AttachRequestID, requestID, token.Phone, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to attach request id: %w", err)
	}
	if !applied {
		return model.ErrTokenNotFound
	}
	token.RequestID = requestID
	return nil
}

// CleanupExpired walks the expiry index bucket by bucket and deletes tokens with ExpiresAt < now.
func (r *TokenRepository) CleanupExpired(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	var deleted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupWorkers)
	for bucket := 0; bucket < r.buckets.ExpiryBuckets(); bucket++ {
		bucket := bucket
		g.Go(func() error {
			n, err := r.cleanupBucket(gctx, bucket, now)
			deleted.Add(int64(n))
			return err
		})
	}
	err := g.Wait()

	total := int(deleted.Load())
	if total > 0 {
		util.Info("Expired OTP tokens deleted", zap.Int("deleted_count", total))
	}
	if err != nil {
		return total, fmt.Errorf("failed to cleanup expired OTP tokens: %w", err)
	}
	return total, nil
}

func (r *TokenRepository) cleanupBucket(ctx context.Context, bucket int, now time.Time) (int, error) {
	iter := r.client.Query(ctx, r.client.stmts.SelectExpired, bucket, now).Iter()

	var (
		expiresAt time.Time
		phone     string
		id        gocql.UUID
		deleted   int
		pending   int
	)
	batch := r.client.Batch(ctx, gocql.UnloggedBatch)
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := r.client.ExecuteBatchWithRetry(ctx, batch, 2); err != nil {
			util.Error("Failed to execute batch delete for expired OTP tokens", zap.Int("bucket", bucket), zap.Error(err))
			return err
		}
		deleted += pending
		pending = 0
		batch = r.client.Batch(ctx, gocql.UnloggedBatch)
		return nil
	}

	for iter.Scan(&expiresAt, &phone, &id) {
		batch.Query(r.client.stmts.DeleteToken, phone, id)
		batch.Query(r.client.stmts.DeleteExpiry, bucket, expiresAt, phone, id)
		pending++
		if pending >= cleanupBatchSize {
			if err := flush(); err != nil {
				_ = iter.Close()
				return deleted, err
			}
		}
	}
	if err := flush(); err != nil {
		_ = iter.Close()
		return deleted, err
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expiry bucket %d: %w", bucket, err)
	}
	return deleted, nil
}

func (r *TokenRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(v interface{}) time.Time {
	t, _ := v.(time.Time)
	return t
}
