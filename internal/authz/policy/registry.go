package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Registry maps policy types to the evaluators contributed by plugins.
type Registry struct {
	logger *slog.Logger

	// regMu serialises Register/Unregister so plugin lifecycle hooks run
	// outside mu.
	regMu   sync.Mutex
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	index   map[Type][]Evaluator
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		plugins: make(map[string]Plugin),
		index:   make(map[Type][]Evaluator),
	}
}

// NewDefaultRegistry returns a registry with the built-in plugin loaded.
func NewDefaultRegistry(ctx context.Context, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	if err := r.Register(ctx, BuiltinPlugin{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Register initialises the plugin and indexes its evaluators.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p == nil || strings.TrimSpace(p.Name()) == "" {
		return errors.New("policy: plugin name required")
	}
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.RLock()
	_, exists := r.plugins[p.Name()]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
	}

	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("policy: initialize plugin %s: %w", p.Name(), err)
	}
	supported := make(map[Type]struct{}, len(p.SupportedTypes()))
	for _, t := range p.SupportedTypes() {
		supported[t] = struct{}{}
	}
	for _, ev := range p.Evaluators() {
		if ev == nil {
			continue
		}
		if _, ok := supported[ev.Type()]; !ok {
			if derr := p.Destroy(ctx); derr != nil {
				r.logger.Warn("policy plugin destroy", slog.String("plugin", p.Name()), slog.Any("error", derr))
			}
			return fmt.Errorf("policy: plugin %s exposes evaluator for undeclared type %s", p.Name(), ev.Type())
		}
	}

	r.mu.Lock()
	r.plugins[p.Name()] = p
	r.order = append(r.order, p.Name())
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.Info("policy plugin registered",
		slog.String("plugin", p.Name()),
		slog.String("version", p.Version()),
		slog.Int("evaluators", len(p.Evaluators())))
	return nil
}

// Unregister removes the plugin, rebuilds the index and destroys the plugin.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	delete(r.plugins, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildLocked()
	r.mu.Unlock()

	if err := p.Destroy(ctx); err != nil {
		return fmt.Errorf("policy: destroy plugin %s: %w", name, err)
	}
	r.logger.Info("policy plugin unregistered", slog.String("plugin", name))
	return nil
}

func (r *Registry) rebuildLocked() {
	index := make(map[Type][]Evaluator)
	for _, name := range r.order {
		for _, ev := range r.plugins[name].Evaluators() {
			if ev == nil {
				continue
			}
			index[ev.Type()] = append(index[ev.Type()], ev)
		}
	}
	r.index = index
}

// Evaluators returns the evaluators registered for t in registration order.
func (r *Registry) Evaluators(t Type) []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Evaluator, len(r.index[t]))
	copy(out, r.index[t])
	return out
}

// Supports reports whether any evaluator handles t.
func (r *Registry) Supports(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index[t]) > 0
}

func (r *Registry) first(t Type) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evs := r.index[t]
	if len(evs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return evs[0], nil
}

// Validate checks rules against the schema of the first evaluator for t.
func (r *Registry) Validate(t Type, rules json.RawMessage) error {
	ev, err := r.first(t)
	if err != nil {
		return err
	}
	return ev.Validate(rules)
}

// Evaluate runs the first evaluator registered for t.
func (r *Registry) Evaluate(ctx context.Context, t Type, rules json.RawMessage, pc Context) (Outcome, error) {
	ev, err := r.first(t)
	if err != nil {
		return Outcome{}, err
	}
	return ev.Evaluate(ctx, rules, pc)
}

// Plugins lists registered plugins in registration order.
func (r *Registry) Plugins() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.order))
	for _, name := range r.order {
		p := r.plugins[name]
		out = append(out, PluginInfo{Name: p.Name(), Version: p.Version(), Types: p.SupportedTypes()})
	}
	return out
}

// BuiltinPlugin ships the time, location and attribute evaluators.
type BuiltinPlugin struct{}

func (BuiltinPlugin) Name() string    { return "builtin" }
func (BuiltinPlugin) Version() string { return "1.0.0" }

func (BuiltinPlugin) SupportedTypes() []Type {
	return []Type{TypeTime, TypeLocation, TypeAttribute}
}

func (BuiltinPlugin) Evaluators() []Evaluator {
	return []Evaluator{TimeEvaluator{}, LocationEvaluator{}, AttributeEvaluator{}}
}

func (BuiltinPlugin) Initialize(context.Context) error { return nil }
func (BuiltinPlugin) Destroy(context.Context) error    { return nil }
