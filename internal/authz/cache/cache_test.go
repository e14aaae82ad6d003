package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func key(subject int64, resource string) authz.DecisionKey {
	return authz.DecisionKey{SubjectID: subject, Resource: resource, Action: authz.ActionRead}
}

func TestDecisionCacheRoundTrip(t *testing.T) {
	mr, client := newRedis(t)
	c := NewDecisionCache(client, time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, key(1, "workorder"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, key(1, "workorder"), true))
	require.NoError(t, c.Set(ctx, key(1, "invoice"), false))

	allowed, found, err := c.Get(ctx, key(1, "workorder"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, allowed)

	allowed, found, err = c.Get(ctx, key(1, "invoice"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)

	assert.True(t, mr.Exists("authz:decision:1:workorder:READ::"))
	assert.Equal(t, time.Minute, mr.TTL("authz:decision:1:workorder:READ::"))

	mr.FastForward(2 * time.Minute)
	_, found, err = c.Get(ctx, key(1, "workorder"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidateSubjectOnlyTouchesThatSubject(t *testing.T) {
	_, client := newRedis(t)
	c := NewDecisionCache(client, 0)
	ctx := context.Background()
	for _, subject := range []int64{1, 12, 21} {
		require.NoError(t, c.Set(ctx, key(subject, "workorder"), true))
		require.NoError(t, c.Set(ctx, key(subject, "invoice"), true))
	}

	removed, err := c.InvalidateSubject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, found, _ := c.Get(ctx, key(12, "workorder"))
	assert.True(t, found)
	_, found, _ = c.Get(ctx, key(1, "workorder"))
	assert.False(t, found)

	removed, err = c.InvalidateSubject(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDecisionCacheStatsAndFlush(t *testing.T) {
	_, client := newRedis(t)
	c := NewDecisionCache(client, 0)
	matrices := NewMatrixStore(client, MatrixConfig{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, key(1, "workorder"), true))
	require.NoError(t, c.Set(ctx, key(2, "workorder"), false))
	require.NoError(t, matrices.Set(ctx, &authz.Matrix{SubjectID: 1, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, matrices.Delete(ctx, 9))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Decisions: 2, Matrices: 1}, stats)

	removed, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = matrices.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDecisionCacheSurfacesRedisErrors(t *testing.T) {
	mr, client := newRedis(t)
	c := NewDecisionCache(client, 0)
	mr.Close()

	_, _, err := c.Get(context.Background(), key(1, "workorder"))
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), key(1, "workorder"), true))
}
