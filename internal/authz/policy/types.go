// Package policy hosts the contextual policy types evaluated on top of static
// grants, and the registry that maps a policy type to its evaluators.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Type names a family of contextual rules.
type Type string

const (
	// TypeTime restricts by weekday and HH:MM windows in an IANA time zone.
	TypeTime Type = "TIME_BASED"
	// TypeLocation restricts by IP, CIDR and country code allow/deny lists.
	TypeLocation Type = "LOCATION_BASED"
	// TypeAttribute evaluates a condition tree over subject/resource attributes.
	TypeAttribute Type = "ATTRIBUTE_BASED"
)

var (
	// ErrInvalidRules is returned when a rules payload does not match its type schema.
	ErrInvalidRules = errors.New("policy: invalid rules")
	// ErrUnknownType is returned when no evaluator is registered for a type.
	ErrUnknownType = errors.New("policy: unknown policy type")
	// ErrDuplicatePlugin is returned when a plugin name is registered twice.
	ErrDuplicatePlugin = errors.New("policy: plugin already registered")
	// ErrPluginNotFound is returned when unregistering an unknown plugin.
	ErrPluginNotFound = errors.New("policy: plugin not found")
)

// Context is the request environment a policy is evaluated against.
type Context struct {
	SubjectID   int64          `json:"subjectId"`
	IP          string         `json:"ip,omitempty"`
	Country     string         `json:"country,omitempty"`
	Time        time.Time      `json:"time,omitempty"`
	Subject     map[string]any `json:"subject,omitempty"`
	Resource    map[string]any `json:"resource,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

// Now returns the evaluation instant, defaulting to the wall clock.
func (c Context) Now() time.Time {
	if c.Time.IsZero() {
		return time.Now()
	}
	return c.Time
}

// Outcome is the result of evaluating one policy.
type Outcome struct {
	Applicable bool   `json:"applicable"`
	Reason     string `json:"reason"`
}

// Evaluator checks and evaluates the rules of a single policy type.
type Evaluator interface {
	Type() Type
	Validate(rules json.RawMessage) error
	Evaluate(ctx context.Context, rules json.RawMessage, pc Context) (Outcome, error)
}

// Plugin bundles evaluators for one or more policy types.
type Plugin interface {
	Name() string
	Version() string
	SupportedTypes() []Type
	Evaluators() []Evaluator
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Types   []Type `json:"types"`
}
