package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

const (
	decisionPrefix  = "authz:decision:"
	matrixPrefix    = "authz:matrix:"
	tombstonePrefix = "authz:matrix:inv:"

	scanCount = 500

	// DefaultDecisionTTL bounds how long a cached decision may be served.
	DefaultDecisionTTL = 5 * time.Minute
)

// Stats reports the number of cached entries per tier.
type Stats struct {
	Decisions int `json:"decisions"`
	Matrices  int `json:"matrices"`
}

// DecisionCache stores boolean check outcomes in Redis.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDecisionCache instantiates the cache. A non-positive ttl uses
// DefaultDecisionTTL.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{client: client, ttl: ttl}
}

func decisionKey(key authz.DecisionKey) string {
	return decisionPrefix + key.String()
}

// Get implements authz.DecisionCache.
func (c *DecisionCache) Get(ctx context.Context, key authz.DecisionKey) (bool, bool, error) {
	val, err := c.client.Get(ctx, decisionKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("authz/cache: get decision: %w", err)
	}
	return val == "1", true, nil
}

// Set implements authz.DecisionCache.
func (c *DecisionCache) Set(ctx context.Context, key authz.DecisionKey, allowed bool) error {
	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.client.Set(ctx, decisionKey(key), val, c.ttl).Err(); err != nil {
		return fmt.Errorf("authz/cache: set decision: %w", err)
	}
	return nil
}

// InvalidateSubject removes every cached decision of the subject and returns
// how many keys were dropped.
func (c *DecisionCache) InvalidateSubject(ctx context.Context, subjectID int64) (int, error) {
	return unlinkMatching(ctx, c.client, fmt.Sprintf("%s%d:*", decisionPrefix, subjectID))
}

// InvalidateAll drops every cached decision.
func (c *DecisionCache) InvalidateAll(ctx context.Context) (int, error) {
	return unlinkMatching(ctx, c.client, decisionPrefix+"*")
}

// Stats counts cached decisions and Redis-held matrices.
func (c *DecisionCache) Stats(ctx context.Context) (Stats, error) {
	decisions, err := countMatching(ctx, c.client, decisionPrefix+"*")
	if err != nil {
		return Stats{}, err
	}
	matrices, err := countMatching(ctx, c.client, matrixPrefix+"[0-9]*")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Decisions: decisions, Matrices: matrices}, nil
}

// unlinkMatching walks the keyspace with SCAN and unlinks each page.
func unlinkMatching(ctx context.Context, client *redis.Client, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("authz/cache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := client.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("authz/cache: unlink: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func countMatching(ctx context.Context, client *redis.Client, pattern string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return total, fmt.Errorf("authz/cache: scan %s: %w", pattern, err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

var _ authz.DecisionCache = (*DecisionCache)(nil)
