package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// TimelineFilters narrows a timeline query. Empty fields match everything.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	ActorID    int64
	EntityType string
	EntityID   string
	Action     string
	Page       int
	PageSize   int
}

func (f TimelineFilters) normalised() TimelineFilters {
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	f.EntityType = strings.TrimSpace(f.EntityType)
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.Action = strings.TrimSpace(f.Action)
	return f
}

func (f TimelineFilters) matches(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.ActorID != 0 && e.ActorID != f.ActorID {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}

// PagingInfo stores simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}

func page(entries []Entry, f TimelineFilters) Result {
	hasNext := len(entries) > f.PageSize
	if hasNext {
		entries = entries[:f.PageSize]
	}
	paging := PagingInfo{Page: f.Page, PageSize: f.PageSize, HasNext: hasNext}
	if f.Page > 1 {
		paging.PrevPage = f.Page - 1
	}
	if hasNext {
		paging.NextPage = f.Page + 1
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Result{Entries: entries, Paging: paging}
}

// Timeline returns audit entries newest first.
func (s *Sink) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, errors.New("audit: sink not initialised")
	}
	f := filters.normalised()
	offset := (f.Page - 1) * f.PageSize
	rows, err := s.pool.Query(ctx, `SELECT actor_id, action, entity_type, entity_id, metadata, occurred_at
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
  AND ($3::bigint IS NULL OR actor_id = $3)
  AND ($4::text IS NULL OR entity_type = $4)
  AND ($5::text IS NULL OR entity_id = $5)
  AND ($6::text IS NULL OR action = $6)
ORDER BY occurred_at DESC, id DESC
LIMIT $7 OFFSET $8`,
		toPgTime(f.From), toPgTime(f.To), optionalInt(f.ActorID),
		optionalText(f.EntityType), optionalText(f.EntityID), optionalText(f.Action),
		f.PageSize+1, offset)
	if err != nil {
		return Result{}, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, f.PageSize+1)
	for rows.Next() {
		var (
			e    Entry
			meta []byte
			at   pgtype.Timestamptz
		)
		if err := rows.Scan(&e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &meta, &at); err != nil {
			return Result{}, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		if at.Valid {
			e.Timestamp = at.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return page(entries, f), nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func optionalInt(value int64) pgtype.Int8 {
	if value == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: value, Valid: true}
}
