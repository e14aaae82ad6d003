package authz

import (
	"context"
	"sort"
	"time"
)

// MatrixEntry is the compiled outcome for one (resource, action, scope).
type MatrixEntry struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	GrantedBy []string `json:"grantedBy,omitempty"`
	Codes     []string `json:"codes,omitempty"`
}

// Matrix is the compiled grant index of one subject. Pairs absent from
// Entries and Conditional are denied; conditional pairs are never answered
// from the matrix.
type Matrix struct {
	SubjectID   int64                            `json:"subjectId"`
	Entries     map[string]map[Scope]MatrixEntry `json:"entries"`
	Conditional []string                         `json:"conditional,omitempty"`
	BuiltAt     time.Time                        `json:"builtAt"`
	ExpiresAt   time.Time                        `json:"expiresAt"`
}

// MatrixStore persists compiled matrices keyed by subject.
type MatrixStore interface {
	Get(ctx context.Context, subjectID int64) (*Matrix, error)
	Set(ctx context.Context, m *Matrix) error
	Delete(ctx context.Context, subjectID int64) error
}

// Lookup answers a tuple from the matrix. ok is false when the matrix cannot
// answer and the next tier must be consulted.
func (m *Matrix) Lookup(resource string, action Action, scope Scope, now time.Time) (MatrixEntry, bool) {
	if m == nil || !now.Before(m.ExpiresAt) {
		return MatrixEntry{}, false
	}
	key := pairKey(resource, action)
	for _, c := range m.Conditional {
		if c == key {
			return MatrixEntry{}, false
		}
	}
	scopes, ok := m.Entries[key]
	if !ok {
		return MatrixEntry{Reason: reasonNoPermission}, true
	}
	if entry, ok := scopes[scope]; ok {
		return entry, true
	}
	// No row names this scope, so only ALL rows can cover it.
	if scope != ScopeNone {
		if entry, ok := scopes[ScopeAll]; ok {
			return entry, true
		}
	}
	return MatrixEntry{}, false
}

// Allowed lists the allowed entries in a stable order.
func (m *Matrix) Allowed() []EffectivePermission {
	if m == nil {
		return nil
	}
	var out []EffectivePermission
	for key, scopes := range m.Entries {
		resource, action := splitPairKey(key)
		for scope, entry := range scopes {
			if !entry.Allowed {
				continue
			}
			out = append(out, EffectivePermission{
				Resource:  resource,
				Action:    action,
				Scope:     scope,
				Codes:     entry.Codes,
				GrantedBy: entry.GrantedBy,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Scope < b.Scope
	})
	return out
}

func splitPairKey(key string) (string, Action) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], Action(key[i+1:])
		}
	}
	return key, ""
}

// compileMatrix evaluates every (resource, action, scope) the rows mention
// with evaluateGrants. The expiry is clipped to the first validity boundary
// so a grant that starts or ends is never served stale.
func compileMatrix(subjectID int64, rows []GrantRow, now time.Time, ttl time.Duration) *Matrix {
	m := &Matrix{
		SubjectID: subjectID,
		Entries:   make(map[string]map[Scope]MatrixEntry),
		BuiltAt:   now,
		ExpiresAt: now.Add(ttl),
	}
	general := make([]GrantRow, 0, len(rows))
	for _, row := range rows {
		if row.Source == SourceResource {
			continue
		}
		for _, v := range []Validity{row.Validity, row.Membership} {
			if b, ok := v.nextBoundary(now); ok && b.Before(m.ExpiresAt) {
				m.ExpiresAt = b
			}
		}
		general = append(general, row)
	}

	conditional := make(map[string]bool)
	scopesByPair := make(map[string]map[Scope]struct{})
	for _, row := range general {
		key := pairKey(row.Resource, row.Action)
		if row.Conditions != nil {
			conditional[key] = true
		}
		if scopesByPair[key] == nil {
			scopesByPair[key] = map[Scope]struct{}{ScopeNone: {}, ScopeAll: {}}
		}
		scopesByPair[key][row.Scope] = struct{}{}
	}

	for _, pair := range pairsOf(general) {
		key := pairKey(pair.Resource, pair.Action)
		if conditional[key] {
			m.Conditional = append(m.Conditional, key)
			continue
		}
		entries := make(map[Scope]MatrixEntry, len(scopesByPair[key]))
		for scope := range scopesByPair[key] {
			v := evaluateGrants(general, tuple{Resource: pair.Resource, Action: pair.Action, Scope: scope}, now, nil)
			entries[scope] = MatrixEntry{Allowed: v.Allowed, Reason: v.Reason, GrantedBy: v.GrantedBy, Codes: v.Codes}
		}
		m.Entries[key] = entries
	}
	sort.Strings(m.Conditional)
	return m
}
