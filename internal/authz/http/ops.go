package authzhttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
)

type flushResult struct {
	Decisions int `json:"decisions"`
	Matrices  int `json:"matrices"`
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "decision cache disabled")
		return
	}
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) flushCache(w http.ResponseWriter, r *http.Request) {
	var res flushResult
	if h.cache != nil {
		n, err := h.cache.InvalidateAll(r.Context())
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		res.Decisions = n
	}
	if h.matrix != nil {
		n, err := h.matrix.Flush(r.Context())
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		res.Matrices = n
	}
	h.logger.Info("authz caches flushed",
		slog.Int64("actor_id", actorID(r)),
		slog.Int("decisions", res.Decisions),
		slog.Int("matrices", res.Matrices),
	)
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) breakerStates(w http.ResponseWriter, _ *http.Request) {
	states := map[string]string{}
	if h.breakers != nil {
		states = h.breakers.Snapshot()
	}
	httpx.JSON(w, http.StatusOK, states)
}

func (h *Handler) auditTimeline(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "audit timeline unavailable")
		return
	}
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Action:     q.Get("action"),
	}
	var err error
	if filters.From, err = parseTime(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "from: "+err.Error())
		return
	}
	if filters.To, err = parseTime(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "to: "+err.Error())
		return
	}
	filters.ActorID, _ = strconv.ParseInt(q.Get("actorId"), 10, 64)
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	res, err := h.audit.Timeline(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
