package authztest

import (
	"context"
	"strings"
	"sync"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

// Cache is an in-memory authz.DecisionCache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]bool
	err     error
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]bool)}
}

// Fail makes every call return err until cleared with nil.
func (c *Cache) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Len reports the number of cached decisions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Get(_ context.Context, key authz.DecisionKey) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, false, c.err
	}
	allowed, ok := c.entries[key.String()]
	return allowed, ok, nil
}

func (c *Cache) Set(_ context.Context, key authz.DecisionKey, allowed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key.String()] = allowed
	return nil
}

func (c *Cache) InvalidateSubject(_ context.Context, subjectID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	prefix := authz.DecisionKey{SubjectID: subjectID}.String()
	prefix = prefix[:strings.IndexByte(prefix, ':')+1]
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Matrices is an in-memory authz.MatrixStore.
type Matrices struct {
	mu       sync.Mutex
	matrices map[int64]*authz.Matrix
	err      error
	deletes  int
}

// NewMatrices returns an empty store.
func NewMatrices() *Matrices {
	return &Matrices{matrices: make(map[int64]*authz.Matrix)}
}

// Fail makes every call return err until cleared with nil.
func (m *Matrices) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Has reports whether a matrix is stored for the subject.
func (m *Matrices) Has(subjectID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.matrices[subjectID]
	return ok
}

// Deletes reports how many Delete calls succeeded.
func (m *Matrices) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

func (m *Matrices) Get(_ context.Context, subjectID int64) (*authz.Matrix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.matrices[subjectID], nil
}

func (m *Matrices) Set(_ context.Context, matrix *authz.Matrix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.matrices[matrix.SubjectID] = matrix
	return nil
}

func (m *Matrices) Delete(_ context.Context, subjectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.matrices, subjectID)
	m.deletes++
	return nil
}

// Dispatcher records invalidation events.
type Dispatcher struct {
	mu     sync.Mutex
	events []authz.InvalidationEvent
}

func (d *Dispatcher) Dispatch(_ context.Context, ev authz.InvalidationEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

// Events returns the recorded events.
func (d *Dispatcher) Events() []authz.InvalidationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]authz.InvalidationEvent(nil), d.events...)
}

var (
	_ authz.DecisionCache = (*Cache)(nil)
	_ authz.MatrixStore   = (*Matrices)(nil)
	_ authz.Dispatcher    = (*Dispatcher)(nil)
	_ authz.AuditSink     = (*audit.MemorySink)(nil)
)
