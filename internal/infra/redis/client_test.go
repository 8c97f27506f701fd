package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestClient_GetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"a":1}`, string(val))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Del(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_SetExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl", []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := c.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_DeletePattern(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"whales:top:10:volume", "whales:top:5:score", "wallet:0xabc"} {
		require.NoError(t, c.Set(ctx, k, []byte("1"), 0))
	}

	n, err := c.DeletePattern(ctx, "whales:top:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := c.Exists(ctx, "wallet:0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_Lock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	require.NoError(t, c.ReleaseLock(ctx, "sentiment:m1", token))
	token, ok, err = c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.ReleaseLock(ctx, "sentiment:m1", token))
}

func TestClient_ReleaseKeepsNextHoldersLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	stale, ok, err := c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// the first holder overruns its ttl and someone else takes the lock
	mr.FastForward(6 * time.Second)
	current, ok, err := c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "lock must expire")

	require.NoError(t, c.ReleaseLock(ctx, "sentiment:m1", stale))
	_, ok, err = c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not free the current holder's lock")

	require.NoError(t, c.ReleaseLock(ctx, "sentiment:m1", current))
	_, ok, err = c.AcquireLock(ctx, "sentiment:m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_CheckpointMovesForward(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	got, err := c.GetCheckpoint(ctx, "ctf")
	require.NoError(t, err)
	assert.Zero(t, got)

	require.NoError(t, c.SetCheckpoint(ctx, "ctf", 100))
	require.NoError(t, c.SetCheckpoint(ctx, "ctf", 90))

	got, err = c.GetCheckpoint(ctx, "ctf")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)

	require.NoError(t, c.ResetCheckpoint(ctx, "ctf", 40))
	got, err = c.GetCheckpoint(ctx, "ctf")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), got)
}
