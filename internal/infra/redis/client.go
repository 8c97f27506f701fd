package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the cache layer and stream checkpoints.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func lockKey(key string) string {
	return "lock:" + key
}

func checkpointKey(stream string) string {
	return fmt.Sprintf("checkpoint:%s", stream)
}

// Get returns the raw value for key. found is false on a miss.
func (c *Client) Get(ctx context.Context, key string) (val []byte, found bool, err error) {
	val, err = c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// Set stores value under key with a TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}

// DeletePattern removes every key matching a glob pattern using SCAN.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan failed: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("del failed: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// releaseScript deletes a lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock attempts to take a short-lived lock on key. The returned token
// identifies this holder to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a lock taken with AcquireLock. A lock that expired
// and was taken by another holder is left alone.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last processed block for a stream, or 0.
func (c *Client) GetCheckpoint(ctx context.Context, stream string) (uint64, error) {
	val, err := c.rdb.Get(ctx, checkpointKey(stream)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint failed: %w", err)
	}
	return strconv.ParseUint(val, 10, 64)
}

// SetCheckpoint records the last processed block for a stream. The value only
// moves forward.
func (c *Client) SetCheckpoint(ctx context.Context, stream string, block uint64) error {
	current, err := c.GetCheckpoint(ctx, stream)
	if err != nil {
		return err
	}
	if block <= current {
		return nil
	}
	return c.rdb.Set(ctx, checkpointKey(stream), strconv.FormatUint(block, 10), 0).Err()
}

// ResetCheckpoint overwrites the checkpoint for a stream, moving it backwards
// if needed.
func (c *Client) ResetCheckpoint(ctx context.Context, stream string, block uint64) error {
	if err := c.rdb.Set(ctx, checkpointKey(stream), strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("reset checkpoint failed: %w", err)
	}
	return nil
}
