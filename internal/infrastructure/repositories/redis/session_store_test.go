package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"roomcast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore needs a reachable Redis in ROOMCAST_TEST_REDIS_ADDR.
func newTestStore(t *testing.T) (*SessionStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("ROOMCAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROOMCAST_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	prefix := "roomcast:test:" + uuid.NewString() + ":"
	return NewSessionStore(client, prefix), client
}

func TestSessionStore_ViewerCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.GetViewerCount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, store.SetViewerCount(ctx, "R1", 3))
	n, err = store.GetViewerCount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSessionStore_StatusAndExpiry(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	status, err := store.GetRoomStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusUnknown, status)

	require.NoError(t, store.SetRoomStatus(ctx, "R1", domain.RoomStatusActive))
	ttl, err := client.TTL(ctx, store.key("R1")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	require.NoError(t, store.SetRoomStatus(ctx, "R1", domain.RoomStatusEnded))
	status, err = store.GetRoomStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusEnded, status)

	ttl, err = client.TTL(ctx, store.key("R1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)

	t.Cleanup(func() { client.Del(context.Background(), store.key("R1")) })
}
