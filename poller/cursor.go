package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorStore persists the catch-up sweep's high-water mark so a restarted
// daemon resumes where it left off instead of re-scanning the whole window.
type CursorStore interface {
	// Load returns the persisted cursor, or the zero time when none exists.
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, cursor time.Time) error
}

const defaultCursorKey = "notifyd:catchup:cursor"

// RedisCursor persists the cursor in Redis as an RFC 3339 timestamp.
type RedisCursor struct {
	rdb *redis.Client
	key string
}

var _ CursorStore = (*RedisCursor)(nil)

// NewRedisCursor returns a cursor store on rdb. key defaults to
// "notifyd:catchup:cursor".
func NewRedisCursor(rdb *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = defaultCursorKey
	}
	return &RedisCursor{rdb: rdb, key: key}
}

// Load implements CursorStore.
func (c *RedisCursor) Load(ctx context.Context) (time.Time, error) {
	raw, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load catch-up cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse catch-up cursor %q: %w", raw, err)
	}
	return t, nil
}

// Save implements CursorStore.
func (c *RedisCursor) Save(ctx context.Context, cursor time.Time) error {
	if err := c.rdb.Set(ctx, c.key, cursor.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("save catch-up cursor: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (c *RedisCursor) Name() string { return "cursor-redis" }

// Ping implements health.Pinger.
func (c *RedisCursor) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// MemoryCursor keeps the cursor in process memory. Deployments without Redis
// fall back to it and accept a full-window re-scan on restart.
type MemoryCursor struct {
	mu     sync.Mutex
	cursor time.Time
}

var _ CursorStore = (*MemoryCursor)(nil)

// Load implements CursorStore.
func (c *MemoryCursor) Load(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, nil
}

// Save implements CursorStore.
func (c *MemoryCursor) Save(_ context.Context, cursor time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = cursor
	return nil
}
