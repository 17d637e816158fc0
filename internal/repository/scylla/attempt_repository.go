package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

const maxCASRetries = 8

type AttemptRepository struct {
	client *ScyllaClient
	clock  clock.Clock
}

func NewAttemptRepository(client *ScyllaClient, clk clock.Clock) *AttemptRepository {
	return &AttemptRepository{client: client, clock: clk}
}

// Record increments the (subject, context) row with a compare-and-set on
// (attempt_count, window_start), retrying when another writer got there first.
func (r *AttemptRepository) Record(ctx context.Context, subject, ipHash string, c model.AttemptContext, window time.Duration, now time.Time) (*model.OTPAttempt, error) {
	now = now.UTC().Truncate(time.Millisecond)
	ttl := int((2 * window).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	for i := 0; i < maxCASRetries; i++ {
		current, err := r.get(ctx, subject, c, gocql.Consistency(gocql.LocalSerial))
		if err != nil {
			return nil, err
		}

		if current == nil {
			applied, err := r.client.Query(ctx, r.client.stmts.InsertAttempt,
				subject, string(c), ipHash, 1, now, now, ttl,
			).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return nil, fmt.Errorf("failed to insert attempt: %w", err)
			}
			if applied {
				return &model.OTPAttempt{
					Phone: subject, Context: c, IPHash: ipHash,
					AttemptCount: 1, WindowStart: now, LastAttemptAt: now,
				}, nil
			}
			continue
		}

		next := *current
		next.IPHash = ipHash
		next.LastAttemptAt = now
		if current.InWindow(now, window) || now.Before(current.WindowStart) {
			next.AttemptCount = current.AttemptCount + 1
		} else {
			next.AttemptCount = 1
			next.WindowStart = now
			next.BlockedUntil = nil
		}

		applied, err := r.client.Query(ctx, r.client.stmts.UpdateAttempt,
			ttl, ipHash, next.AttemptCount, next.WindowStart, now, next.BlockedUntil,
			subject, string(c), current.AttemptCount, current.WindowStart,
		).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return nil, fmt.Errorf("failed to update attempt: %w", err)
		}
		if applied {
			return &next, nil
		}
	}

	util.Warn("Attempt CAS retries exhausted", zap.String("context", string(c)))
	return nil, model.ErrConcurrentUpdate
}

func (r *AttemptRepository) Get(ctx context.Context, subject string, c model.AttemptContext) (*model.OTPAttempt, error) {
	return r.get(ctx, subject, c, gocql.LocalQuorum)
}

func (r *AttemptRepository) get(ctx context.Context, subject string, c model.AttemptContext, consistency gocql.Consistency) (*model.OTPAttempt, error) {
	attempt := &model.OTPAttempt{Phone: subject, Context: c}
	var blockedUntil time.Time

	err := r.client.Query(ctx, r.client.stmts.SelectAttempt, subject, string(c)).
		Consistency(consistency).
		Scan(&attempt.IPHash, &attempt.AttemptCount, &attempt.WindowStart, &attempt.LastAttemptAt, &blockedUntil)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read attempt: %w", err)
	}
	attempt.BlockedUntil = optionalTime(blockedUntil)
	return attempt, nil
}

func (r *AttemptRepository) Block(ctx context.Context, subject string, c model.AttemptContext, until time.Time) error {
	ttl := int(until.Sub(r.clock.Now()).Seconds())
	if ttl < 60 {
		ttl = 60
	}
	query := r.client.Query(ctx, r.client.stmts.BlockAttempt, ttl, until.UTC(), subject, string(c))
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		return fmt.Errorf("failed to block %s attempts: %w", c, err)
	}
	return nil
}

func (r *AttemptRepository) Reset(ctx context.Context, subject string, c model.AttemptContext) error {
	query := r.client.Query(ctx, r.client.stmts.DeleteAttempt, subject, string(c))
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		return fmt.Errorf("failed to reset %s attempts: %w", c, err)
	}
	return nil
}

// Discount lowers the count with the same compare-and-set loop as Record.
func (r *AttemptRepository) Discount(ctx context.Context, subject string, c model.AttemptContext, n int, window time.Duration) error {
	if n <= 0 {
		return nil
	}
	ttl := int((2 * window).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	for i := 0; i < maxCASRetries; i++ {
		current, err := r.get(ctx, subject, c, gocql.Consistency(gocql.LocalSerial))
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}

		next := current.AttemptCount - n
		if next < 0 {
			next = 0
		}
		applied, err := r.client.Query(ctx, r.client.stmts.DiscountAttempt,
			ttl, next, subject, string(c), current.AttemptCount,
		).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("failed to discount %s attempts: %w", c, err)
		}
		if applied {
			return nil
		}
	}

	util.Warn("Attempt CAS retries exhausted", zap.String("context", string(c)))
	return model.ErrConcurrentUpdate
}
