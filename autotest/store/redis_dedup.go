package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// resultTTL bounds how long a (commitURL, delivId) marker survives.
// Result postbacks are at-least-once; anything re-delivered inside the
// window is suppressed, anything later is harmless because the writes
// are idempotent upserts.
const resultTTL = 24 * time.Hour

// ResultDeduper suppresses duplicate result postbacks using Redis
// SETNX markers.
type ResultDeduper struct {
	client *redis.Client
}

// NewResultDeduper connects to Redis and verifies the connection.
func NewResultDeduper(addr, password string, db int) (*ResultDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &ResultDeduper{client: client}, nil
}

// MarkOnce records the pair and reports whether this was its first
// sighting. Returns (true, nil) when the caller should forward the
// result, (false, nil) when it is a duplicate.
func (d *ResultDeduper) MarkOnce(ctx context.Context, commitURL, delivID string) (bool, error) {
	key := "autotest:results:" + commitURL + "|" + delivID
	return d.client.SetNX(ctx, key, time.Now().Format(time.RFC3339), resultTTL).Result()
}

// Close releases the Redis connection.
func (d *ResultDeduper) Close() error {
	return d.client.Close()
}
