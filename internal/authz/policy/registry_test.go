package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEvaluator struct {
	typ     Type
	outcome Outcome
	calls   int
}

func (s *stubEvaluator) Type() Type                     { return s.typ }
func (s *stubEvaluator) Validate(json.RawMessage) error { return nil }
func (s *stubEvaluator) Evaluate(context.Context, json.RawMessage, Context) (Outcome, error) {
	s.calls++
	return s.outcome, nil
}

type stubPlugin struct {
	name        string
	types       []Type
	evaluators  []Evaluator
	initErr     error
	initialized int
	destroyed   int
}

func (p *stubPlugin) Name() string            { return p.name }
func (p *stubPlugin) Version() string         { return "0.1.0" }
func (p *stubPlugin) SupportedTypes() []Type  { return p.types }
func (p *stubPlugin) Evaluators() []Evaluator { return p.evaluators }
func (p *stubPlugin) Initialize(context.Context) error {
	p.initialized++
	return p.initErr
}
func (p *stubPlugin) Destroy(context.Context) error {
	p.destroyed++
	return nil
}

func TestDefaultRegistrySupportsBuiltinTypes(t *testing.T) {
	reg, err := NewDefaultRegistry(context.Background(), nil)
	require.NoError(t, err)
	for _, typ := range []Type{TypeTime, TypeLocation, TypeAttribute} {
		assert.True(t, reg.Supports(typ), typ)
	}
	assert.False(t, reg.Supports("GEOFENCE"))
	assert.ErrorIs(t, reg.Validate("GEOFENCE", raw(`{}`)), ErrUnknownType)
	assert.ErrorIs(t, reg.Validate(TypeLocation, raw(`{}`)), ErrInvalidRules)
	require.Len(t, reg.Plugins(), 1)
	assert.Equal(t, "builtin", reg.Plugins()[0].Name)
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	first := &stubEvaluator{typ: "GEOFENCE", outcome: Outcome{Applicable: true, Reason: "first"}}
	second := &stubEvaluator{typ: "GEOFENCE", outcome: Outcome{Applicable: false, Reason: "second"}}
	a := &stubPlugin{name: "a", types: []Type{"GEOFENCE"}, evaluators: []Evaluator{first}}
	b := &stubPlugin{name: "b", types: []Type{"GEOFENCE"}, evaluators: []Evaluator{second}}

	require.NoError(t, reg.Register(ctx, a))
	require.NoError(t, reg.Register(ctx, b))
	assert.Equal(t, 1, a.initialized)
	assert.Len(t, reg.Evaluators("GEOFENCE"), 2)

	out, err := reg.Evaluate(ctx, "GEOFENCE", nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "first", out.Reason)

	err = reg.Register(ctx, &stubPlugin{name: "a"})
	assert.ErrorIs(t, err, ErrDuplicatePlugin)

	require.NoError(t, reg.Unregister(ctx, "a"))
	assert.Equal(t, 1, a.destroyed)
	out, err = reg.Evaluate(ctx, "GEOFENCE", nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "second", out.Reason)

	assert.ErrorIs(t, reg.Unregister(ctx, "a"), ErrPluginNotFound)
}

func TestRegistryRejectsFailingOrInconsistentPlugins(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	failing := &stubPlugin{name: "broken", initErr: errors.New("boom")}
	require.Error(t, reg.Register(ctx, failing))
	assert.Empty(t, reg.Plugins())

	undeclared := &stubPlugin{name: "liar", types: []Type{TypeTime}, evaluators: []Evaluator{&stubEvaluator{typ: "OTHER"}}}
	require.Error(t, reg.Register(ctx, undeclared))
	assert.Equal(t, 1, undeclared.destroyed)
	assert.False(t, reg.Supports("OTHER"))
}
