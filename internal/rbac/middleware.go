package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Rule is one (resource, action, scope) a route requires.
type Rule struct {
	Resource string
	Action   authz.Action
	Scope    authz.Scope
}

// ParseRule reads "resource:ACTION" or "resource:ACTION:SCOPE".
func ParseRule(s string) (Rule, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Rule{}, fmt.Errorf("rbac: malformed rule %q", s)
	}
	r := Rule{
		Resource: strings.ToLower(strings.TrimSpace(parts[0])),
		Action:   authz.Action(strings.ToUpper(strings.TrimSpace(parts[1]))),
	}
	if len(parts) == 3 {
		r.Scope = authz.Scope(strings.ToUpper(strings.TrimSpace(parts[2])))
	}
	if r.Resource == "" || !r.Action.Valid() || !r.Scope.Valid() {
		return Rule{}, fmt.Errorf("rbac: invalid rule %q", s)
	}
	return r, nil
}

// MustRules parses rules at route registration time and panics on a typo.
func MustRules(specs ...string) []Rule {
	out := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			panic(err)
		}
		out = append(out, r)
	}
	return out
}

// Middleware wires authorization guards for HTTP handlers. Checker is
// normally the decision service wrapped in interceptors, so guard checks are
// logged, measured and traced like any other.
type Middleware struct {
	Checker authz.Checker
	Logger  *slog.Logger
}

// RequireAny serves the request when the caller holds at least one rule.
func (m Middleware) RequireAny(rules ...Rule) func(http.Handler) http.Handler {
	return m.require(rules, false)
}

// RequireAll serves the request only when the caller holds every rule.
func (m Middleware) RequireAll(rules ...Rule) func(http.Handler) http.Handler {
	return m.require(rules, true)
}

func (m Middleware) require(rules []Rule, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(rules) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sc := shared.SecurityFromContext(r.Context())
			if sc.BypassAllowed() {
				next.ServeHTTP(w, r)
				return
			}
			if sc == nil || sc.SubjectID == 0 {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "no subject on request")
				return
			}
			allowed, err := m.evaluate(r, sc, rules, all)
			if err != nil {
				m.fail(w, r, err)
				return
			}
			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) evaluate(r *http.Request, sc *shared.SecurityContext, rules []Rule, all bool) (bool, error) {
	for _, rule := range rules {
		d, err := m.Checker.Check(r.Context(), authz.CheckRequest{
			SubjectID: sc.SubjectID,
			Resource:  rule.Resource,
			Action:    rule.Action,
			Scope:     rule.Scope,
			Security:  sc,
		})
		if err != nil {
			return false, err
		}
		if d.Allowed && !all {
			return true, nil
		}
		if !d.Allowed && all {
			return false, nil
		}
	}
	return all, nil
}

func (m Middleware) fail(w http.ResponseWriter, r *http.Request, err error) {
	if m.Logger != nil {
		m.Logger.Error("rbac guard", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	switch {
	case errors.Is(err, authz.ErrTimeout):
		httpx.Problem(w, http.StatusGatewayTimeout, "Check Timed Out", err.Error())
	case errors.Is(err, authz.ErrDependencyUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Dependency Unavailable", err.Error())
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
