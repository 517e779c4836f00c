package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IndexCache persists symbol indexes for downstream reuse with a short TTL.
type IndexCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIndexCache builds a redis-backed index cache.
func NewIndexCache(client *redis.Client, ttl time.Duration) *IndexCache {
	return &IndexCache{client: client, ttl: ttl}
}

func indexKey(repoFullName, jobID string) string {
	return fmt.Sprintf("symbol-index:%s:%s", repoFullName, jobID)
}

// Save overwrites the cached index for repo+job.
func (c *IndexCache) Save(ctx context.Context, repoFullName, jobID string, ix SymbolIndex) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return fmt.Errorf("marshal symbol index: %w", err)
	}
	return c.client.Set(ctx, indexKey(repoFullName, jobID), data, c.ttl).Err()
}

// Load returns the cached index, reporting false when absent or expired.
func (c *IndexCache) Load(ctx context.Context, repoFullName, jobID string) (SymbolIndex, bool, error) {
	data, err := c.client.Get(ctx, indexKey(repoFullName, jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SymbolIndex{}, false, nil
	}
	if err != nil {
		return SymbolIndex{}, false, err
	}
	var ix SymbolIndex
	if err := json.Unmarshal(data, &ix); err != nil {
		return SymbolIndex{}, false, fmt.Errorf("unmarshal symbol index: %w", err)
	}
	return ix, true, nil
}
