// Package audit records decision and administration events in audit_logs.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a record stored in audit_logs.
type Entry struct {
	ActorID    int64          `json:"actorId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ErrInvalidEntry is returned for entries missing action, entity type or id.
var ErrInvalidEntry = errors.New("audit: entry requires action/entity_type/entity_id")

// Validate checks the mandatory fields.
func (e Entry) Validate() error {
	if e.Action == "" || e.EntityType == "" || e.EntityID == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Sink appends entries into audit_logs.
type Sink struct {
	pool *pgxpool.Pool
}

// NewSink returns a Sink backed by the pool.
func NewSink(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Record persists the entry. A zero timestamp defaults to NOW().
func (s *Sink) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: sink not initialised")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	var at *time.Time
	if !entry.Timestamp.IsZero() {
		at = &entry.Timestamp
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, metaJSON, at)
	return err
}
