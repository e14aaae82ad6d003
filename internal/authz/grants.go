package authz

import (
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

// GrantSource tells where a grant row came from.
type GrantSource string

const (
	SourceUser     GrantSource = "user"
	SourceRole     GrantSource = "role"
	SourceResource GrantSource = "resource"
)

// GrantRow is a grant or deny joined with its permission, as returned by
// the rule store. Rows of inactive permissions and inactive roles or
// memberships are never returned; validity windows are checked here.
type GrantRow struct {
	Source       GrantSource
	PermissionID int64
	Code         string
	Resource     string
	Action       Action
	Scope        Scope
	Conditions   *policy.Condition
	IsGranted    bool
	Priority     int
	RoleID       int64
	RoleName     string
	ResourceType string
	ResourceID   string
	Validity     Validity
	// Membership bounds the user's role membership for role rows.
	Membership Validity
}

func (r GrantRow) activeAt(t time.Time) bool {
	return r.Validity.ActiveAt(t) && r.Membership.ActiveAt(t)
}

// ResourceAction identifies a permission tuple regardless of scope.
type ResourceAction struct {
	Resource string
	Action   Action
}

// GrantFilter narrows SubjectGrants. Empty Pairs returns every row;
// resource-instance rows are returned only for the listed ResourceIDs.
type GrantFilter struct {
	Pairs       []ResourceAction
	ResourceIDs []string
}

const (
	reasonGranted        = "granted"
	reasonDenied         = "explicitly denied"
	reasonRoleDenied     = "denied by role"
	reasonNoPermission   = "no matching permission"
	reasonConditionUnmet = "permission conditions not met"
)

// verdict is the static outcome of evaluating grant rows for one tuple.
type verdict struct {
	Allowed   bool
	Reason    string
	GrantedBy []string
	// Codes are the permission codes of the rows that granted access.
	Codes []string
	// Conditional is set when a matching row carried conditions, which makes
	// the outcome depend on the request context.
	Conditional bool
}

type tuple struct {
	Resource   string
	Action     Action
	Scope      Scope
	ResourceID string
}

// evaluateGrants is the single decision function behind the database tier,
// the batch path and the matrix compiler.
//
// Direct rows: the highest priority wins and a deny wins a tie; a winning
// deny is final. Resource-instance grants and role grants are additive.
// Inside one role the same priority rule applies.
func evaluateGrants(rows []GrantRow, q tuple, now time.Time, pc *policy.Context) verdict {
	var (
		direct      []GrantRow
		resource    []GrantRow
		roles       = make(map[int64][]GrantRow)
		roleNames   = make(map[int64]string)
		conditional bool
		unmet       bool
	)
	for _, row := range rows {
		if row.Resource != q.Resource || row.Action != q.Action || !row.activeAt(now) {
			continue
		}
		if row.Source != SourceResource && !row.Scope.Covers(q.Scope) {
			continue
		}
		if row.Conditions != nil {
			conditional = true
			if pc == nil || !row.Conditions.Evaluate(*pc) {
				unmet = true
				continue
			}
		}
		switch row.Source {
		case SourceUser:
			direct = append(direct, row)
		case SourceResource:
			if q.ResourceID != "" && row.ResourceID == q.ResourceID && row.ResourceType == q.Resource && row.IsGranted {
				resource = append(resource, row)
			}
		case SourceRole:
			roles[row.RoleID] = append(roles[row.RoleID], row)
			roleNames[row.RoleID] = row.RoleName
		}
	}

	out := verdict{Conditional: conditional}
	codes := make(map[string]struct{})

	if winner, ok := pickWinner(direct); ok {
		if !winner.IsGranted {
			out.Reason = reasonDenied
			return out
		}
		out.Allowed = true
		out.GrantedBy = append(out.GrantedBy, "direct")
		codes[winner.Code] = struct{}{}
	}

	if len(resource) > 0 {
		row := resource[0]
		out.Allowed = true
		out.GrantedBy = append(out.GrantedBy, "resource:"+row.ResourceType+":"+row.ResourceID)
		codes[row.Code] = struct{}{}
	}

	var granting []string
	roleDenied := false
	for roleID, roleRows := range roles {
		winner, ok := pickWinner(roleRows)
		if !ok {
			continue
		}
		if !winner.IsGranted {
			roleDenied = true
			continue
		}
		granting = append(granting, roleNames[roleID])
		codes[winner.Code] = struct{}{}
	}
	if len(granting) > 0 {
		sort.Strings(granting)
		out.Allowed = true
		out.GrantedBy = append(out.GrantedBy, dedupe(granting)...)
	}

	switch {
	case out.Allowed:
		out.Reason = reasonGranted
	case roleDenied:
		out.Reason = reasonRoleDenied
	case unmet:
		out.Reason = reasonConditionUnmet
	default:
		out.Reason = reasonNoPermission
	}
	for code := range codes {
		out.Codes = append(out.Codes, code)
	}
	sort.Strings(out.Codes)
	return out
}

// pickWinner returns the highest priority row; a deny wins a tie.
func pickWinner(rows []GrantRow) (GrantRow, bool) {
	if len(rows) == 0 {
		return GrantRow{}, false
	}
	best := rows[0]
	for _, row := range rows[1:] {
		if row.Priority > best.Priority || (row.Priority == best.Priority && !row.IsGranted && best.IsGranted) {
			best = row
		}
	}
	return best, true
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i > 0 && s == last {
			continue
		}
		out = append(out, s)
		last = s
	}
	return out
}

func pairsOf(rows []GrantRow) []ResourceAction {
	seen := make(map[string]struct{})
	var out []ResourceAction
	for _, row := range rows {
		key := pairKey(row.Resource, row.Action)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ResourceAction{Resource: row.Resource, Action: row.Action})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out
}
