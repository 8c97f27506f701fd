package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/infra/redis"
)

type snapshot struct {
	Market string  `json:"market"`
	Volume float64 `json:"volume"`
}

func newRedisStore(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.Wrap(rdb), mr
}

func TestCache_SetGetMirrorsFallback(t *testing.T) {
	store, mr := newRedisStore(t)
	c := New(store, Config{FallbackSize: 10})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "sentiment:m1", snapshot{Market: "m1", Volume: 42}, time.Minute))

	var got snapshot
	require.True(t, c.Get(ctx, "sentiment:m1", &got))
	assert.Equal(t, 42.0, got.Volume)
	assert.True(t, c.Available())

	// primary goes away mid-session; reads come from the fallback
	mr.Close()
	got = snapshot{}
	require.True(t, c.Get(ctx, "sentiment:m1", &got))
	assert.Equal(t, "m1", got.Market)
	assert.False(t, c.Available())
	assert.Equal(t, uint64(1), c.Stats().FallbackReads)

	// writes keep working without surfacing errors
	require.NoError(t, c.Set(ctx, "sentiment:m2", snapshot{Market: "m2"}, time.Minute))
	assert.True(t, c.Exists(ctx, "sentiment:m2"))
}

func TestCache_DelAndFlush(t *testing.T) {
	store, _ := newRedisStore(t)
	c := New(store, Config{})
	ctx := context.Background()

	for _, k := range []string{"whales:top:10:volume", "whales:top:5:score", "wallet:0xa"} {
		require.NoError(t, c.Set(ctx, k, 1, time.Minute))
	}

	assert.Equal(t, 2, c.Flush(ctx, "whales:top:*"))
	assert.False(t, c.Exists(ctx, "whales:top:10:volume"))
	assert.True(t, c.Exists(ctx, "wallet:0xa"))

	c.Del(ctx, "wallet:0xa")
	assert.False(t, c.Exists(ctx, "wallet:0xa"))
}

func TestCache_FlushFallbackOnly(t *testing.T) {
	c := New(nil, Config{})
	ctx := context.Background()

	for _, k := range []string{"whales:top:10:volume", "whales:top:5:score", "wallet:0xa"} {
		require.NoError(t, c.Set(ctx, k, 1, time.Minute))
	}
	assert.Equal(t, 2, c.Flush(ctx, "whales:top:*"))
	assert.True(t, c.Exists(ctx, "wallet:0xa"))
}

func TestCache_FlushMatchesPrimaryAndFallbackAlike(t *testing.T) {
	store, _ := newRedisStore(t)
	c := New(store, Config{})
	ctx := context.Background()

	keys := []string{"market:0xa/yes", "market:0xa/no", "market:0xb", "wallet:0xa"}
	for _, k := range keys {
		require.NoError(t, c.Set(ctx, k, 1, time.Minute))
	}

	assert.Equal(t, 3, c.Flush(ctx, "market:*"))
	assert.Equal(t, 1, c.fallback.len())
	assert.True(t, c.Exists(ctx, "wallet:0xa"))
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"whales:top:*", "whales:top:10:volume", true},
		{"whales:top:*", "wallet:0xa", false},
		{"market:*", "market:0xa/yes", true},
		{"*/yes", "market:0xa/yes", true},
		{"market:0x?", "market:0xa", true},
		{"market:0x?", "market:0xab", false},
		{"market:0x[ab]", "market:0xb", true},
		{"market:0x[^ab]", "market:0xb", false},
		{"market:0x[a-c]", "market:0xc", true},
		{"alert:\\*", "alert:*", true},
		{"alert:\\*", "alert:x", false},
		{"a[b", "a[b", true},
		{"**", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		if got := globMatch(tc.pattern, tc.key); got != tc.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestFallbackStore_FIFOAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFallbackStore(2, func() time.Time { return now })

	f.set("a", []byte("1"), time.Minute)
	f.set("b", []byte("2"), time.Minute)
	f.set("c", []byte("3"), time.Minute)

	_, ok := f.get("a")
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = f.get("c")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = f.get("b")
	assert.False(t, ok, "expired entry must not be served")
	assert.Equal(t, 1, f.len())
}

func TestGetOrCompute_SingleExecution(t *testing.T) {
	store, _ := newRedisStore(t)
	c := New(store, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (snapshot, error) {
		calls.Add(1)
		<-release
		return snapshot{Market: "m1", Volume: 7}, nil
	}

	const n = 20
	results := make([]snapshot, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrCompute(ctx, c, "sentiment:m1", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, snapshot{Market: "m1", Volume: 7}, r)
	}
}

func TestGetOrCompute_FallbackOnlySingleExecution(t *testing.T) {
	c := New(nil, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 5, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrCompute(ctx, c, "k", time.Minute, compute)
			assert.NoError(t, err)
			assert.Equal(t, 5, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_LoserWaitsForLockHolder(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	// another process holds the lock and publishes shortly
	_, ok, err := store.AcquireLock(ctx, "baseline:m1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.Set(ctx, "baseline:m1", []byte("12.5"), time.Minute)
	}()

	c := New(store, Config{LockWait: 10 * time.Millisecond, LockRetries: 100})
	v, err := GetOrCompute(ctx, c, "baseline:m1", time.Minute, func(context.Context) (float64, error) {
		t.Error("loser must not compute")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := New(nil, Config{})
	ctx := context.Background()

	_, err := GetOrCompute(ctx, c, "k", time.Minute, func(context.Context) (int, error) {
		return 0, errors.New("db down")
	})
	require.Error(t, err)

	v, err := GetOrCompute(ctx, c, "k", time.Minute, func(context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
