package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

// DefaultTombstoneTTL must outlive the longest matrix TTL in use.
const DefaultTombstoneTTL = time.Hour

// MatrixConfig tunes the Redis matrix store.
type MatrixConfig struct {
	TombstoneTTL time.Duration
	Now          func() time.Time
}

// MatrixStore persists compiled matrices as JSON in Redis. Delete leaves a
// tombstone so a rebuild that started before the invalidation cannot
// reinstate a stale matrix.
type MatrixStore struct {
	client       *redis.Client
	tombstoneTTL time.Duration
	now          func() time.Time
}

// NewMatrixStore instantiates the store.
func NewMatrixStore(client *redis.Client, cfg MatrixConfig) *MatrixStore {
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MatrixStore{client: client, tombstoneTTL: cfg.TombstoneTTL, now: cfg.Now}
}

func matrixKey(subjectID int64) string {
	return matrixPrefix + strconv.FormatInt(subjectID, 10)
}

func tombstoneKey(subjectID int64) string {
	return tombstonePrefix + strconv.FormatInt(subjectID, 10)
}

// Get implements authz.MatrixStore. A missing, expired or superseded matrix
// returns nil without error.
func (s *MatrixStore) Get(ctx context.Context, subjectID int64) (*authz.Matrix, error) {
	vals, err := s.client.MGet(ctx, matrixKey(subjectID), tombstoneKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("authz/cache: get matrix: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}
	var m authz.Matrix
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("authz/cache: decode matrix %d: %w", subjectID, err)
	}
	if tomb, ok := vals[1].(string); ok {
		invalidatedAt, err := strconv.ParseInt(tomb, 10, 64)
		if err == nil && m.BuiltAt.UnixNano() <= invalidatedAt {
			return nil, nil
		}
	}
	if !s.now().Before(m.ExpiresAt) {
		return nil, nil
	}
	return &m, nil
}

// Set implements authz.MatrixStore. Matrices already expired are dropped.
func (s *MatrixStore) Set(ctx context.Context, m *authz.Matrix) error {
	if m == nil {
		return errors.New("authz/cache: nil matrix")
	}
	ttl := m.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("authz/cache: encode matrix %d: %w", m.SubjectID, err)
	}
	if err := s.client.Set(ctx, matrixKey(m.SubjectID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("authz/cache: set matrix: %w", err)
	}
	return nil
}

// Delete implements authz.MatrixStore.
func (s *MatrixStore) Delete(ctx context.Context, subjectID int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tombstoneKey(subjectID), strconv.FormatInt(s.now().UnixNano(), 10), s.tombstoneTTL)
		pipe.Unlink(ctx, matrixKey(subjectID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("authz/cache: delete matrix: %w", err)
	}
	return nil
}

// Flush drops every stored matrix. Tombstones are left to expire.
func (s *MatrixStore) Flush(ctx context.Context) (int, error) {
	return unlinkMatching(ctx, s.client, matrixPrefix+"[0-9]*")
}

var _ authz.MatrixStore = (*MatrixStore)(nil)
