package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictRecorder struct {
	mu    sync.Mutex
	users []int64
}

func (e *evictRecorder) EvictLocal(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, userID)
}

func (e *evictRecorder) snapshot() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.users...)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBroadcasterDeliversInvalidations(t *testing.T) {
	client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewRedisBroadcaster(client, "", nil)
	recorder := &evictRecorder{}
	require.NoError(t, listener.Listen(ctx, recorder))

	publisher := NewRedisBroadcaster(client, DefaultInvalidationChannel, nil)
	require.NoError(t, publisher.Publish(ctx, 42))
	require.NoError(t, client.Publish(ctx, DefaultInvalidationChannel, "not-a-number").Err())
	require.NoError(t, publisher.Publish(ctx, 7))

	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{42, 7}, recorder.snapshot())
}

func TestRedisBroadcasterEvictsRemoteCache(t *testing.T) {
	client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMockStore(DefaultPolicy())
	store.seed(3, "employee", CompanyScope())
	remote := NewContextCache(store, DefaultPolicy(), CacheConfig{})
	require.NoError(t, NewRedisBroadcaster(client, "", nil).Listen(ctx, remote))

	remote.Get(ctx, 3)
	require.Equal(t, 1, remote.Len())

	local := NewContextCache(store, DefaultPolicy(), CacheConfig{Broadcaster: NewRedisBroadcaster(client, "", nil)})
	local.Invalidate(ctx, 3)

	assert.Eventually(t, func() bool { return remote.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisBroadcasterNilClient(t *testing.T) {
	b := NewRedisBroadcaster(nil, "", nil)
	assert.NoError(t, b.Publish(context.Background(), 1))
	assert.NoError(t, b.Listen(context.Background(), &evictRecorder{}))
}
