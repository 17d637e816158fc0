package client

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := WrapRedisClient(rdb)

	require.NoError(t, rc.HealthCheck(context.Background()))
	assert.False(t, mr.Exists("otp:healthcheck"), "round trip key is removed")

	mr.Close()
	assert.Error(t, rc.HealthCheck(context.Background()))
}
