package authz

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

// resolvePolicies keeps the active policies whose assignment is valid at now
// and whose assignment conditions hold, deduplicated by policy id and
// sorted by ascending priority.
func resolvePolicies(bindings []PolicyBinding, now time.Time, pc policy.Context) []Policy {
	seen := make(map[int64]struct{}, len(bindings))
	out := make([]Policy, 0, len(bindings))
	for _, b := range bindings {
		if !b.Policy.IsActive || !b.Assignment.ActiveAt(now) {
			continue
		}
		if b.Assignment.Conditions != nil && !b.Assignment.Conditions.Evaluate(pc) {
			continue
		}
		if _, ok := seen[b.Policy.ID]; ok {
			continue
		}
		seen[b.Policy.ID] = struct{}{}
		out = append(out, b.Policy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// speaksFor reports whether the policy lists any of the granted codes.
func (p Policy) speaksFor(codes []string) bool {
	for _, g := range p.Grants {
		for _, c := range codes {
			if g == c {
				return true
			}
		}
	}
	return false
}

// policyProvenance evaluates policies in order and returns the grantedBy
// entry of the first applicable one. Policies only annotate permissions the
// subject already holds through codes.
func policyProvenance(ctx context.Context, registry *policy.Registry, policies []Policy, codes []string, pc policy.Context, logger *slog.Logger) (string, bool) {
	if registry == nil || len(codes) == 0 {
		return "", false
	}
	for _, p := range policies {
		if !p.speaksFor(codes) {
			continue
		}
		outcome, err := registry.Evaluate(ctx, p.Type, p.Rules, pc)
		if err != nil {
			logger.Warn("policy evaluation failed", slog.String("policy", p.Code), slog.Any("error", err))
			continue
		}
		if outcome.Applicable {
			return "policy:" + p.Code, true
		}
	}
	return "", false
}
