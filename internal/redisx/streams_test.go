package redisx

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torigood/PulseCall/internal/config"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := NewClient(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPing(t *testing.T) {
	_, client := setupTestRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
}

func TestPublishJSON(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	id, err := PublishJSON(ctx, client, "test:stream", map[string]string{"patient_id": "p1"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "test:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "p1", decoded["patient_id"])
	assert.NotEmpty(t, msgs[0].Values["timestamp"])
}

func TestPublishJSON_MarshalError(t *testing.T) {
	_, client := setupTestRedis(t)

	_, err := PublishJSON(context.Background(), client, "test:stream", make(chan int), 0)
	assert.Error(t, err)
}
