package scylla

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/model"
)

// Set SCYLLA_TEST_HOSTS=127.0.0.1 to run these against a local node.
func newTestClient(t *testing.T) *ScyllaClient {
	t.Helper()
	hosts := os.Getenv("SCYLLA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_TEST_HOSTS not set")
	}
	nodes := strings.Split(hosts, ",")
	keyspace := "otp_test"

	cluster := gocql.NewCluster(nodes...)
	cluster.Timeout = 10 * time.Second
	admin, err := cluster.CreateSession()
	require.NoError(t, err)
	err = admin.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)).Exec()
	admin.Close()
	require.NoError(t, err)

	client, err := NewScyllaClient(config.ScyllaConfig{Nodes: nodes, Keyspace: keyspace, Consistency: "ONE"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	require.NoError(t, client.ApplySchema(ctx))
	for _, table := range []string{"otp_tokens", "otp_token_expiry", "otp_attempts"} {
		require.NoError(t, client.Session.Query("TRUNCATE "+table).Exec())
	}
	return client
}

func TestScyllaTokenLifecycle(t *testing.T) {
	client := newTestClient(t)
	buckets := bucketing.NewBucketingManager(config.BucketingConfig{ExpiryBuckets: 4})
	repo := NewTokenRepository(client, buckets, clock.New(), 2*time.Second)
	ctx := context.Background()
	phone := "+911234567890"

	first, err := repo.Store(ctx, phone, "hash-1", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := repo.Store(ctx, phone, "hash-2", "")
	require.NoError(t, err)

	latest, err := repo.GetLatestValid(ctx, phone)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	_, err = repo.Consume(ctx, first)
	assert.ErrorIs(t, err, model.ErrTokenSuperseded)

	require.NoError(t, repo.AttachRequestID(ctx, second, "req-1"))

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Consume(ctx, second)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, model.ErrAlreadyConsumed), "unexpected %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	time.Sleep(2100 * time.Millisecond)
	deleted, err := repo.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	deleted, err = repo.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestScyllaConcurrentStoreKeepsNewest(t *testing.T) {
	client := newTestClient(t)
	buckets := bucketing.NewBucketingManager(config.BucketingConfig{ExpiryBuckets: 4})
	repo := NewTokenRepository(client, buckets, clock.New(), time.Minute)
	ctx := context.Background()
	phone := "+919812345678"

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Store(ctx, phone, fmt.Sprintf("hash-%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tokens, err := repo.recent(ctx, phone)
	require.NoError(t, err)
	require.Len(t, tokens, writers)

	now := time.Now()
	valid := 0
	for _, token := range tokens {
		if token.IsValid(now) {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
	assert.True(t, tokens[0].IsValid(now), "newest token must survive")

	latest, err := repo.GetLatestValid(ctx, phone)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, tokens[0].ID, latest.ID)
}

func TestScyllaAttemptRecord(t *testing.T) {
	client := newTestClient(t)
	clk := clock.New()
	repo := NewAttemptRepository(client, clk)
	ctx := context.Background()
	subject := "+919876543210"

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Record(ctx, subject, "ip", model.ContextVerify, time.Minute, clk.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := repo.Get(ctx, subject, model.ContextVerify)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 5, stored.AttemptCount)

	rolled, err := repo.Record(ctx, subject, "ip", model.ContextVerify, time.Minute, clk.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, rolled.AttemptCount)

	require.NoError(t, repo.Block(ctx, subject, model.ContextVerify, clk.Now().Add(time.Minute)))
	stored, err = repo.Get(ctx, subject, model.ContextVerify)
	require.NoError(t, err)
	assert.NotNil(t, stored.BlockedUntil)

	require.NoError(t, repo.Reset(ctx, subject, model.ContextVerify))
	stored, err = repo.Get(ctx, subject, model.ContextVerify)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
