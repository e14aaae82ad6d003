// Package breaker isolates failing dependencies of the decision path behind
// named circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Dependency names used by the decision path.
const (
	Matrix   = "matrix"
	Cache    = "cache"
	Database = "database"
)

// ErrOpen is passed to fallbacks when a breaker rejects a call without
// invoking the primary operation.
var ErrOpen = errors.New("breaker: open")

// Settings configures every breaker created by a Registry.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration
	// Interval clears the closed-state counters periodically. Zero never clears.
	Interval time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, ResetTimeout: 30 * time.Second, Interval: 60 * time.Second}
}

// Observer receives breaker state transitions.
type Observer interface {
	BreakerStateChanged(name, from, to string)
}

// Registry lazily creates one breaker per dependency name. Breakers are
// shared by every caller using the same name.
type Registry struct {
	settings Settings
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry constructs a registry. Zero settings fall back to DefaultSettings.
func NewRegistry(settings Settings, logger *slog.Logger, observer Observer) *Registry {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = def.ResetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		settings: settings,
		logger:   logger,
		observer: observer,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := r.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    r.settings.Interval,
		Timeout:     r.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				slog.String("dependency", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if r.observer != nil {
				r.observer.BreakerStateChanged(name, from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the dependency.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[name] = cb
	return cb
}

// State reports the current state of the named breaker.
func (r *Registry) State(name string) string {
	return r.get(name).State().String()
}

// Snapshot returns the state of every breaker created so far, keyed by name.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = r.State(name)
	}
	return out
}

// Execute runs primary through the named breaker. When the breaker rejects
// the call the fallback runs instead and primary is never invoked. When
// primary fails the failure is recorded and the fallback runs with its
// error. A nil fallback returns the error unchanged.
//
// Fallbacks may run concurrently with an in-flight half-open probe and must
// be free of side effects or idempotent.
func Execute[T any](ctx context.Context, r *Registry, name string, primary func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var zero T
	if r == nil {
		out, err := primary(ctx)
		if err != nil && fallback != nil {
			return fallback(ctx, err)
		}
		return out, err
	}
	res, err := r.get(name).Execute(func() (any, error) {
		return primary(ctx)
	})
	if err == nil {
		out, _ := res.(T)
		return out, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s: %v", ErrOpen, name, err)
	}
	if fallback == nil {
		return zero, err
	}
	return fallback(ctx, err)
}
