// Package audit records who changed what in the laboratory. Sinks are
// fire-and-forget from the caller's perspective: a failed write is reported
// but never undoes the change being audited.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/lab/internal/platform/db"
)

const (
	ActorUser          = "user"
	ActorImpersonation = "impersonation"
)

// Event is a single audit record.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	ActorType   string         `json:"actor_type"`
	ActorID     string         `json:"actor_id"`
	TenantID    string         `json:"tenant_id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    uuid.UUID      `json:"entity_id"`
	Description string         `json:"description"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// Sink persists audit events.
type Sink interface {
	Log(ctx context.Context, e *Event) error
}

// PGSink writes events to the audit_log table of the tenant schema.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Log inserts the event using the tenant-scoped connection from context when
// available, falling back to the pool.
func (s *PGSink) Log(ctx context.Context, e *Event) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	oldVals, err := marshalValues(e.OldValues)
	if err != nil {
		return fmt.Errorf("audit: encode old values: %w", err)
	}
	newVals, err := marshalValues(e.NewValues)
	if err != nil {
		return fmt.Errorf("audit: encode new values: %w", err)
	}

	const query = `
		INSERT INTO audit_log (
			actor_type, actor_id, tenant_id, action, entity_type, entity_id,
			description, old_values, new_values, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`
	args := []any{
		e.ActorType, e.ActorID, e.TenantID, e.Action, e.EntityType, e.EntityID,
		e.Description, oldVals, newVals, e.RecordedAt,
	}

	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.QueryRow(ctx, query, args...).Scan(&e.ID)
	}
	return s.pool.QueryRow(ctx, query, args...).Scan(&e.ID)
}

func marshalValues(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

// LogSink emits events as structured log lines. Used in development and as
// the trail of last resort.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(_ context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	s.logger.Info().
		Str("type", "lab_audit").
		Str("audit_id", e.ID.String()).
		Str("actor_type", e.ActorType).
		Str("actor_id", e.ActorID).
		Str("tenant_id", e.TenantID).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID.String()).
		Interface("old_values", e.OldValues).
		Interface("new_values", e.NewValues).
		Msg(e.Description)
	return nil
}

// Tee fans an event out to several sinks and returns the first error.
type Tee []Sink

func (t Tee) Log(ctx context.Context, e *Event) error {
	var first error
	for _, s := range t {
		if err := s.Log(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
