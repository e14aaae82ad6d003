package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink keeps entries in process. It backs tests and deployments
// without a database-backed audit trail.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{now: func() time.Time { return time.Now().UTC() }}
}

// Record appends the entry.
func (m *MemorySink) Record(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of every recorded entry in insertion order.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Timeline returns entries newest first.
func (m *MemorySink) Timeline(_ context.Context, filters TimelineFilters) (Result, error) {
	f := filters.normalised()
	m.mu.Lock()
	matched := make([]Entry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		if f.matches(m.entries[i]) {
			matched = append(matched, m.entries[i])
		}
	}
	m.mu.Unlock()
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	offset := (f.Page - 1) * f.PageSize
	if offset >= len(matched) {
		return page(nil, f), nil
	}
	end := offset + f.PageSize + 1
	if end > len(matched) {
		end = len(matched)
	}
	return page(matched[offset:end], f), nil
}
