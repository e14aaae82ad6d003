package authzhttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Engine is the decision surface served over HTTP.
type Engine interface {
	BatchCheck(ctx context.Context, subjectID int64, items []authz.CheckItem) (authz.BatchResult, error)
	RebuildMatrix(ctx context.Context, subjectID int64) (*authz.Matrix, error)
	EffectivePermissions(ctx context.Context, subjectID int64) ([]authz.EffectivePermission, error)
}

// CacheOperator exposes decision cache statistics and flushing.
type CacheOperator interface {
	Stats(ctx context.Context) (cache.Stats, error)
	InvalidateAll(ctx context.Context) (int, error)
}

// MatrixFlusher drops every stored matrix.
type MatrixFlusher interface {
	Flush(ctx context.Context) (int, error)
}

// Timeline pages audit entries.
type Timeline interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// BreakerStates reports circuit breaker states by dependency.
type BreakerStates interface {
	Snapshot() map[string]string
}

// Config wires the handler. Checker answers single checks and is usually
// the engine wrapped in interceptors; Cache, Matrix, Breakers and Audit are
// optional. Guard, when set, wraps the administration and operator routes.
type Config struct {
	Checker  authz.Checker
	Engine   Engine
	Admin    *authz.AdminService
	Cache    CacheOperator
	Matrix   MatrixFlusher
	Breakers BreakerStates
	Audit    Timeline
	Guard    func(http.Handler) http.Handler
	Logger   *slog.Logger
}

// Handler serves the authorization JSON API.
type Handler struct {
	checker  authz.Checker
	engine   Engine
	admin    *authz.AdminService
	cache    CacheOperator
	matrix   MatrixFlusher
	breakers BreakerStates
	audit    Timeline
	guard    func(http.Handler) http.Handler
	logger   *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		checker:  cfg.Checker,
		engine:   cfg.Engine,
		admin:    cfg.Admin,
		cache:    cfg.Cache,
		matrix:   cfg.Matrix,
		breakers: cfg.Breakers,
		audit:    cfg.Audit,
		guard:    cfg.Guard,
		logger:   logger,
	}
}

// MountRoutes registers the decision, administration and operator routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check/batch", h.batchCheck)
	r.Get("/subjects/{subjectID}/permissions", h.effectivePermissions)
	r.Post("/subjects/{subjectID}/matrix", h.rebuildMatrix)

	r.Group(func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		if h.admin != nil {
			h.mountAdmin(r)
		}
		r.Get("/cache/stats", h.cacheStats)
		r.Post("/cache/flush", h.flushCache)
		r.Get("/breakers", h.breakerStates)
		r.Get("/audit", h.auditTimeline)
	})
}

type batchRequest struct {
	SubjectID int64             `json:"subjectId"`
	Items     []authz.CheckItem `json:"items"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req authz.CheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	sc := shared.SecurityFromContext(r.Context())
	if req.SubjectID == 0 && sc != nil {
		req.SubjectID = sc.SubjectID
	}
	req.Security = sc
	if req.Context.IP == "" {
		req.Context.IP = clientIP(r)
	}
	d, err := h.checker.Check(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) batchCheck(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if sc := shared.SecurityFromContext(r.Context()); req.SubjectID == 0 && sc != nil {
		req.SubjectID = sc.SubjectID
	}
	ip := clientIP(r)
	for i := range req.Items {
		if req.Items[i].Context.IP == "" {
			req.Items[i].Context.IP = ip
		}
	}
	res, err := h.engine.BatchCheck(r.Context(), req.SubjectID, req.Items)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := pathID(w, r, "subjectID")
	if !ok {
		return
	}
	perms, err := h.engine.EffectivePermissions(r.Context(), subjectID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if perms == nil {
		perms = []authz.EffectivePermission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"subjectId": subjectID, "permissions": perms})
}

func (h *Handler) rebuildMatrix(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := pathID(w, r, "subjectID")
	if !ok {
		return
	}
	m, err := h.engine.RebuildMatrix(r.Context(), subjectID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"subjectId":   subjectID,
		"builtAt":     m.BuiltAt,
		"expiresAt":   m.ExpiresAt,
		"pairs":       len(m.Entries),
		"conditional": len(m.Conditional),
	})
}

// respondError maps authz errors to RFC7807 problems.
var errorMappings = []httpx.ErrorMapping{
	{Target: authz.ErrValidation, Status: http.StatusUnprocessableEntity, Title: "Validation Failed"},
	{Target: authz.ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: authz.ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
	{Target: authz.ErrImmutable, Status: http.StatusForbidden, Title: "Immutable"},
	{Target: authz.ErrTimeout, Status: http.StatusGatewayTimeout, Title: "Check Timed Out"},
	{Target: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Title: "Check Timed Out"},
	{Target: authz.ErrDependencyUnavailable, Status: http.StatusServiceUnavailable, Title: "Dependency Unavailable"},
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		return
	}
	m, ok := httpx.StatusFor(err, errorMappings...)
	switch {
	case !ok:
		h.logger.Error("authz request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	case m.Status == http.StatusServiceUnavailable:
		h.logger.Warn("authz dependency unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) int64 {
	return shared.SecurityFromContext(r.Context()).ActorID()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
