package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkflow/internal/domain"
)

func newMemoryGate(t *testing.T) *Gate {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewGate(store, nil)
}

func TestGate_FixedWindow(t *testing.T) {
	ctx := context.Background()
	g := newMemoryGate(t)
	key := UserKey("import", "alice")
	window := 60 * time.Millisecond

	for i := 0; i < 5; i++ {
		ok, err := g.IsAllowed(ctx, key, window, 5)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}

	ok, err := g.IsAllowed(ctx, key, window, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(100 * time.Millisecond)

	ok, err = g.IsAllowed(ctx, key, window, 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	g := newMemoryGate(t)

	ok, err := g.IsAllowed(ctx, UserKey("import", "alice"), time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAllowed(ctx, UserKey("import", "bob"), time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAllowed(ctx, UserKey("import", "alice"), time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_QuotaAndStatus(t *testing.T) {
	ctx := context.Background()
	g := newMemoryGate(t)
	key := IPKey("upload", "10.0.0.1")

	left, err := g.RemainingQuota(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, left)

	for i := 0; i < 2; i++ {
		_, err := g.IsAllowed(ctx, key, time.Minute, 3)
		require.NoError(t, err)
	}

	left, err = g.RemainingQuota(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	st, err := g.Status(ctx, key, time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Count)
	assert.Equal(t, 1, st.Remaining)
	assert.False(t, st.WindowStart.IsZero())
	assert.True(t, st.ResetAt.After(st.WindowStart))

	require.NoError(t, g.Reset(ctx, key))
	left, err = g.RemainingQuota(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, left)
}

func TestGate_CheckReturnsTypedError(t *testing.T) {
	ctx := context.Background()
	g := newMemoryGate(t)
	key := GlobalKey("export")

	require.NoError(t, g.Check(ctx, key, time.Minute, 1))
	err := g.Check(ctx, key, time.Minute, 1)

	var rle *domain.RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, key, rle.Key)
	assert.Equal(t, 1, rle.Limit)
	assert.True(t, rle.ResetAt.After(time.Now()))
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	g := newMemoryGate(t)

	calls := 0
	op := Guard(g, func(ctx context.Context) string { return CustomKey("report", "tenant-1") }, time.Minute, 2,
		func(ctx context.Context) (int, error) {
			calls++
			return calls, nil
		})

	for i := 1; i <= 2; i++ {
		n, err := op(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	_, err := op(ctx)
	var rle *domain.RateLimitExceededError
	assert.True(t, errors.As(err, &rle))
	assert.Equal(t, 2, calls)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (Window, error) {
	return Window{}, errors.New("connection refused")
}

func (failingStore) Peek(context.Context, string) (Window, bool, error) {
	return Window{}, false, errors.New("connection refused")
}

func (failingStore) Reset(context.Context, string) error { return nil }

func TestGate_FailOpen(t *testing.T) {
	ctx := context.Background()

	closed := NewGate(failingStore{}, nil)
	_, err := closed.IsAllowed(ctx, "k", time.Minute, 1)
	assert.Error(t, err)

	open := NewGate(failingStore{}, nil, WithFailOpen(true))
	ok, err := open.IsAllowed(ctx, "k", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "user:import:alice", UserKey("import", "alice"))
	assert.Equal(t, "ip:upload:1.2.3.4", IPKey("upload", "1.2.3.4"))
	assert.Equal(t, "custom:export:t1", CustomKey("export", "t1"))
	assert.Equal(t, "global:import", GlobalKey("import"))
}

// newRedisClient returns a client for localhost:6379 or skips the test.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: time.Second,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at localhost:6379: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisStore_FixedWindow(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newRedisClient(t))
	g := NewGate(store, nil)
	key := UserKey("import", "redis-test")
	require.NoError(t, g.Reset(ctx, key))
	t.Cleanup(func() { _ = g.Reset(ctx, key) })

	for i := 0; i < 5; i++ {
		ok, err := g.IsAllowed(ctx, key, 200*time.Millisecond, 5)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := g.IsAllowed(ctx, key, 200*time.Millisecond, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := g.Status(ctx, key, 200*time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.Count)
	assert.Equal(t, 0, st.Remaining)

	time.Sleep(300 * time.Millisecond)
	ok, err = g.IsAllowed(ctx, key, 200*time.Millisecond, 5)
	require.NoError(t, err)
	assert.True(t, ok)
}
