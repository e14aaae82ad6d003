package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

// InvalidationChannel carries subject ids whose local matrices must be
// dropped on every instance.
const InvalidationChannel = "authz.matrix.invalidate"

// LocalConfig tunes the in-process matrix store.
type LocalConfig struct {
	MaxMatrices int64
	// Client, when set, fans Delete out to peer instances over pub/sub.
	Client       *redis.Client
	Logger       *slog.Logger
	TombstoneTTL time.Duration
	Now          func() time.Time
}

// LocalMatrixStore keeps matrices in process memory. Like MatrixStore it
// remembers when each subject was last invalidated and refuses matrices
// built at or before that instant.
type LocalMatrixStore struct {
	cache  *ristretto.Cache
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	tombstones   map[int64]time.Time
	flushedAt    time.Time
	tombstoneTTL time.Duration
}

// NewLocalMatrixStore builds the store. MaxMatrices defaults to 10000.
func NewLocalMatrixStore(cfg LocalConfig) (*LocalMatrixStore, error) {
	if cfg.MaxMatrices <= 0 {
		cfg.MaxMatrices = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxMatrices * 10,
		MaxCost:            cfg.MaxMatrices,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("authz/cache: local matrix cache: %w", err)
	}
	return &LocalMatrixStore{
		cache:        c,
		client:       cfg.Client,
		logger:       cfg.Logger,
		now:          cfg.Now,
		tombstones:   make(map[int64]time.Time),
		tombstoneTTL: cfg.TombstoneTTL,
	}, nil
}

// invalidate drops the subject's matrix and records when it happened.
func (s *LocalMatrixStore) invalidate(subjectID int64) {
	now := s.now()
	s.mu.Lock()
	s.tombstones[subjectID] = now
	if len(s.tombstones) > tombstoneSweepSize {
		for id, at := range s.tombstones {
			if now.Sub(at) > s.tombstoneTTL {
				delete(s.tombstones, id)
			}
		}
	}
	s.mu.Unlock()
	s.cache.Del(subjectID)
}

// superseded reports whether m was built before the last invalidation of its
// subject or the last flush.
func (s *LocalMatrixStore) superseded(m *authz.Matrix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !m.BuiltAt.After(s.flushedAt) {
		return true
	}
	at, ok := s.tombstones[m.SubjectID]
	return ok && !m.BuiltAt.After(at)
}

const tombstoneSweepSize = 4096

// Get implements authz.MatrixStore.
func (s *LocalMatrixStore) Get(_ context.Context, subjectID int64) (*authz.Matrix, error) {
	v, ok := s.cache.Get(subjectID)
	if !ok {
		return nil, nil
	}
	m, ok := v.(*authz.Matrix)
	if !ok || !s.now().Before(m.ExpiresAt) || s.superseded(m) {
		return nil, nil
	}
	return m, nil
}

// Set implements authz.MatrixStore. Matrices built before the subject's last
// invalidation are dropped.
func (s *LocalMatrixStore) Set(_ context.Context, m *authz.Matrix) error {
	if m == nil {
		return errors.New("authz/cache: nil matrix")
	}
	if s.superseded(m) {
		return nil
	}
	ttl := m.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	s.cache.SetWithTTL(m.SubjectID, m, 1, ttl)
	s.cache.Wait()
	return nil
}

// Delete implements authz.MatrixStore and notifies peers when a Redis client
// is configured.
func (s *LocalMatrixStore) Delete(ctx context.Context, subjectID int64) error {
	s.invalidate(subjectID)
	if s.client == nil {
		return nil
	}
	if err := s.client.Publish(ctx, InvalidationChannel, strconv.FormatInt(subjectID, 10)).Err(); err != nil {
		return fmt.Errorf("authz/cache: publish invalidation: %w", err)
	}
	return nil
}

// Flush drops every local matrix. The returned count is approximate.
func (s *LocalMatrixStore) Flush(context.Context) (int, error) {
	n := int(s.cache.Metrics.KeysAdded() - s.cache.Metrics.KeysEvicted())
	s.mu.Lock()
	s.flushedAt = s.now()
	clear(s.tombstones)
	s.mu.Unlock()
	s.cache.Clear()
	return max(n, 0), nil
}

// Close releases the cache goroutines.
func (s *LocalMatrixStore) Close() {
	s.cache.Close()
}

// ListenForInvalidation subscribes to peer deletions until ctx is done.
func (s *LocalMatrixStore) ListenForInvalidation(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	pubsub := s.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("authz/cache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					s.logger.Warn("ignore matrix invalidation", slog.String("payload", msg.Payload))
					continue
				}
				s.invalidate(id)
			}
		}
	}()
	return nil
}

var _ authz.MatrixStore = (*LocalMatrixStore)(nil)
