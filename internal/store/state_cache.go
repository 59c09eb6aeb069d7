package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache mirrors the in-memory device snapshots to redis so other
// consumers (and restarts) can read last-known state without replaying the
// broker. The TTL doubles as a staleness policy for dead devices.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func key(id string) string { return "device:state:" + id }

func (c *StateCache) Set(ctx context.Context, id string, stateJSON []byte) error {
	return c.rdb.Set(ctx, key(id), stateJSON, 24*time.Hour).Err()
}

func (c *StateCache) Get(ctx context.Context, id string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// All returns every cached snapshot keyed by device id. Entries expiring
// mid-scan are skipped.
func (c *StateCache) All(ctx context.Context) (map[string][]byte, error) {
	out := map[string][]byte{}
	iter := c.rdb.Scan(ctx, 0, key("*"), 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), key(""))
		b, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out[id] = b
		}
	}
	return out, iter.Err()
}
