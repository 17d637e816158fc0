package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/facebookgo/clock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/client"
	"otp-service/internal/model"
)

const (
	testPhone = "+911234567890"
	testTTL   = 5 * time.Minute
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.WrapRedisClient(rdb), mr
}

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Add(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC).Sub(mock.Now()))
	return mock
}

func TestTokenStoreStoreAndGetLatest(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	token, err := store.Store(ctx, testPhone, "hash-1", "")
	require.NoError(t, err)
	assert.Equal(t, mock.Now().Add(testTTL), token.ExpiresAt)

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, token.ID, latest.ID)
	assert.Equal(t, "hash-1", latest.OTPHash)
	assert.True(t, latest.ExpiresAt.Equal(token.ExpiresAt))
	assert.Nil(t, latest.ConsumedAt)

	none, err := store.GetLatestValid(ctx, "+919999999999")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTokenStoreSupersedesPreviousToken(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	first, err := store.Store(ctx, testPhone, "hash-1", "")
	require.NoError(t, err)
	mock.Add(time.Second)
	second, err := store.Store(ctx, testPhone, "hash-2", "")
	require.NoError(t, err)

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	_, err = store.Consume(ctx, first)
	assert.ErrorIs(t, err, model.ErrTokenSuperseded)

	_, err = store.Consume(ctx, second)
	assert.NoError(t, err)
}

func TestTokenStoreConcurrentStoreKeepsOneValid(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	const writers = 6
	tokens := make([]*model.OTPToken, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := store.Store(ctx, testPhone, fmt.Sprintf("hash-%d", i), "")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, latest)

	for _, token := range tokens {
		require.NotNil(t, token)
		if token.ID == latest.ID {
			continue
		}
		_, err := store.Consume(ctx, token)
		assert.ErrorIs(t, err, model.ErrTokenSuperseded)
	}
	_, err = store.Consume(ctx, latest)
	assert.NoError(t, err)
}

func TestTokenStoreConsumeOnce(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	token, err := store.Store(ctx, testPhone, "hash", "")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		consumed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrAlreadyConsumed):
				consumed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, consumed)

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	assert.Nil(t, latest, "consumed token is no longer valid")
}

func TestTokenStoreExpiry(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	token, err := store.Store(ctx, testPhone, "hash", "")
	require.NoError(t, err)

	mock.Add(testTTL)

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = store.Consume(ctx, token)
	assert.ErrorIs(t, err, model.ErrTokenExpired)
}

func TestTokenStoreAttachRequestID(t *testing.T) {
	c, _ := newTestClient(t)
	store := NewTokenStore(c, newMockClock(), testTTL)
	ctx := context.Background()

	token, err := store.Store(ctx, testPhone, "hash", "")
	require.NoError(t, err)
	require.NoError(t, store.AttachRequestID(ctx, token, "req-42"))

	latest, err := store.GetLatestValid(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, "req-42", latest.RequestID)

	err = store.AttachRequestID(ctx, &model.OTPToken{ID: "missing"}, "req-43")
	assert.ErrorIs(t, err, model.ErrTokenNotFound)
}

func TestTokenStoreCleanupIdempotent(t *testing.T) {
	c, mr := newTestClient(t)
	mock := newMockClock()
	store := NewTokenStore(c, mock, testTTL)
	ctx := context.Background()

	for _, phone := range []string{"+911111111111", "+912222222222", "+913333333333"} {
		_, err := store.Store(ctx, phone, "hash", "")
		require.NoError(t, err)
	}
	consumed, err := store.Store(ctx, "+914444444444", "hash", "")
	require.NoError(t, err)
	_, err = store.Consume(ctx, consumed)
	require.NoError(t, err)

	mock.Add(testTTL + time.Second)
	fresh, err := store.Store(ctx, "+915555555555", "hash", "")
	require.NoError(t, err)

	deleted, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	deleted, err = store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	assert.False(t, mr.Exists(tokenPrefix+consumed.ID))
	assert.True(t, mr.Exists(tokenPrefix+fresh.ID))

	latest, err := store.GetLatestValid(ctx, "+915555555555")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, fresh.ID, latest.ID)
}

func TestAttemptLedgerRecordAndRollover(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	ledger := NewAttemptLedger(c, mock)
	ctx := context.Background()
	window := time.Minute

	start := mock.Now()
	for i := 1; i <= 3; i++ {
		attempt, err := ledger.Record(ctx, testPhone, "iphash", model.ContextRequest, window, mock.Now())
		require.NoError(t, err)
		assert.Equal(t, i, attempt.AttemptCount)
		assert.True(t, attempt.WindowStart.Equal(start))
		mock.Add(10 * time.Second)
	}

	mock.Add(window)
	attempt, err := ledger.Record(ctx, testPhone, "iphash", model.ContextRequest, window, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.AttemptCount)
	assert.True(t, attempt.WindowStart.Equal(mock.Now()))

	stored, err := ledger.Get(ctx, testPhone, model.ContextRequest)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, "iphash", stored.IPHash)

	other, err := ledger.Get(ctx, testPhone, model.ContextVerify)
	require.NoError(t, err)
	assert.Nil(t, other, "contexts are counted separately")
}

func TestAttemptLedgerConcurrentRecord(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	ledger := NewAttemptLedger(c, mock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Record(ctx, testPhone, "iphash", model.ContextVerify, time.Minute, mock.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := ledger.Get(ctx, testPhone, model.ContextVerify)
	require.NoError(t, err)
	assert.Equal(t, 25, stored.AttemptCount)
}

func TestAttemptLedgerBlockAndReset(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	ledger := NewAttemptLedger(c, mock)
	ctx := context.Background()

	_, err := ledger.Record(ctx, testPhone, "iphash", model.ContextVerify, time.Minute, mock.Now())
	require.NoError(t, err)

	until := mock.Now().Add(time.Minute)
	require.NoError(t, ledger.Block(ctx, testPhone, model.ContextVerify, until))

	stored, err := ledger.Get(ctx, testPhone, model.ContextVerify)
	require.NoError(t, err)
	require.NotNil(t, stored.BlockedUntil)
	assert.True(t, stored.BlockedUntil.Equal(until))
	assert.True(t, stored.IsBlocked(mock.Now()))

	attempt, err := ledger.Record(ctx, testPhone, "iphash", model.ContextVerify, time.Minute, mock.Now())
	require.NoError(t, err)
	require.NotNil(t, attempt.BlockedUntil, "block survives within the window")

	require.NoError(t, ledger.Reset(ctx, testPhone, model.ContextVerify))
	stored, err = ledger.Get(ctx, testPhone, model.ContextVerify)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestAttemptLedgerDiscount(t *testing.T) {
	c, _ := newTestClient(t)
	mock := newMockClock()
	ledger := NewAttemptLedger(c, mock)
	ctx := context.Background()
	subject := model.IPSubject("iphash")

	for i := 0; i < 3; i++ {
		_, err := ledger.Record(ctx, subject, "iphash", model.ContextVerify, time.Minute, mock.Now())
		require.NoError(t, err)
	}
	require.NoError(t, ledger.Block(ctx, subject, model.ContextVerify, mock.Now().Add(time.Minute)))

	require.NoError(t, ledger.Discount(ctx, subject, model.ContextVerify, 2, time.Minute))
	stored, err := ledger.Get(ctx, subject, model.ContextVerify)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Nil(t, stored.BlockedUntil)

	require.NoError(t, ledger.Discount(ctx, subject, model.ContextVerify, 5, time.Minute))
	stored, err = ledger.Get(ctx, subject, model.ContextVerify)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AttemptCount)

	require.NoError(t, ledger.Discount(ctx, model.IPSubject("unknown"), model.ContextVerify, 1, time.Minute))
	missing, err := ledger.Get(ctx, model.IPSubject("unknown"), model.ContextVerify)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
