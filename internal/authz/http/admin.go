package authzhttp

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
)

func (h *Handler) mountAdmin(r chi.Router) {
	r.Put("/subjects/{subjectID}", h.upsertSubject)

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Get("/{permissionID}", h.getPermission)
		r.Put("/{permissionID}", h.updatePermission)
		r.Delete("/{permissionID}", h.deletePermission)
	})

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Put("/{roleID}", h.updateRole)
		r.Delete("/{roleID}", h.deleteRole)
		r.Put("/{roleID}/permissions/{permissionID}", h.setRolePermission)
		r.Delete("/{roleID}/permissions/{permissionID}", h.revokeRolePermission)
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Put("/permissions/{permissionID}", h.setUserPermission)
		r.Delete("/permissions/{permissionID}", h.revokeUserPermission)
		r.Put("/roles/{roleID}", h.assignRole)
		r.Delete("/roles/{roleID}", h.unassignRole)
	})

	r.Post("/resource-permissions", h.grantResourcePermission)
	r.Delete("/resource-permissions/{grantID}", h.revokeResourcePermission)

	r.Route("/policies", func(r chi.Router) {
		r.Get("/", h.listPolicies)
		r.Post("/", h.createPolicy)
		r.Get("/{policyID}", h.getPolicy)
		r.Put("/{policyID}", h.updatePolicy)
		r.Delete("/{policyID}", h.deletePolicy)
		r.Get("/{policyID}/assignments", h.listAssignments)
		r.Post("/{policyID}/assignments", h.assignPolicy)
	})
	r.Delete("/assignments/{assignmentID}", h.unassignPolicy)

	r.Get("/plugins", h.listPlugins)
}

// decode reads the request body into dst and writes a problem on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return true
}

func (h *Handler) upsertSubject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "subjectID")
	if !ok {
		return
	}
	var subject authz.Subject
	if !decode(w, r, &subject) {
		return
	}
	subject.ID = id
	if err := h.admin.UpsertSubject(r.Context(), actorID(r), subject); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := authz.PermissionFilter{Resource: q.Get("resource")}
	filter.ActiveOnly, _ = strconv.ParseBool(q.Get("active"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	perms, err := h.admin.ListPermissions(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if perms == nil {
		perms = []authz.Permission{}
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var in authz.PermissionInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.admin.CreatePermission(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	p, err := h.admin.GetPermission(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var in authz.PermissionInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.admin.UpdatePermission(r.Context(), actorID(r), id, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.admin.DeletePermission(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if roles == nil {
		roles = []authz.Role{}
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in authz.RoleInput
	if !decode(w, r, &in) {
		return
	}
	role, err := h.admin.CreateRole(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var in authz.RoleInput
	if !decode(w, r, &in) {
		return
	}
	role, err := h.admin.UpdateRole(r.Context(), actorID(r), id, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.admin.DeleteRole(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	permID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var in authz.RolePermissionInput
	if !decode(w, r, &in) {
		return
	}
	in.RoleID, in.PermissionID = roleID, permID
	rp, err := h.admin.SetRolePermission(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rp)
}

func (h *Handler) revokeRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	permID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.admin.RevokeRolePermission(r.Context(), actorID(r), roleID, permID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setUserPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	permID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var in authz.UserPermissionInput
	if !decode(w, r, &in) {
		return
	}
	in.UserID, in.PermissionID = userID, permID
	up, err := h.admin.SetUserPermission(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, up)
}

func (h *Handler) revokeUserPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	permID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.admin.RevokeUserPermission(r.Context(), actorID(r), userID, permID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var in authz.UserRoleInput
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	in.UserID, in.RoleID = userID, roleID
	ur, err := h.admin.AssignRole(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ur)
}

func (h *Handler) unassignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.admin.UnassignRole(r.Context(), actorID(r), userID, roleID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantResourcePermission(w http.ResponseWriter, r *http.Request) {
	var in authz.ResourcePermissionInput
	if !decode(w, r, &in) {
		return
	}
	grant, err := h.admin.GrantResourcePermission(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) revokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "grantID")
	if !ok {
		return
	}
	if err := h.admin.RevokeResourcePermission(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.admin.ListPolicies(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if policies == nil {
		policies = []authz.Policy{}
	}
	httpx.JSON(w, http.StatusOK, policies)
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var in authz.PolicyInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.admin.CreatePolicy(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	p, err := h.admin.GetPolicy(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	var in authz.PolicyInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.admin.UpdatePolicy(r.Context(), actorID(r), id, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	if err := h.admin.DeletePolicy(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	assignments, err := h.admin.ListAssignments(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []authz.PolicyAssignment{}
	}
	httpx.JSON(w, http.StatusOK, assignments)
}

func (h *Handler) assignPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	var in authz.AssignmentInput
	if !decode(w, r, &in) {
		return
	}
	in.PolicyID = id
	a, err := h.admin.AssignPolicy(r.Context(), actorID(r), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) unassignPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	if err := h.admin.UnassignPolicy(r.Context(), actorID(r), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPlugins(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, h.admin.Plugins())
}
