package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions recorded for role assignments.
const (
	AuditActionRoleGranted    = "role.granted"
	AuditActionRoleRevoked    = "role.revoked"
	AuditActionRoleSuperseded = "role.superseded"
	AuditActionRoleSwept      = "role.swept"

	AuditEntityRoleAssignment = "role_assignment"
)

const insertAuditSQL = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Execer runs a statement. *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry. The chi request id, when present, is added to Meta.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	meta := make(map[string]any, len(log.Meta)+1)
	for k, v := range log.Meta {
		meta[k] = v
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		meta["request_id"] = reqID
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit meta: %w", err)
	}
	var at *time.Time
	if !log.At.IsZero() {
		utc := log.At.UTC()
		at = &utc
	}
	if _, err := l.db.Exec(ctx, insertAuditSQL, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at); err != nil {
		return fmt.Errorf("audit insert %s: %w", log.Action, err)
	}
	return nil
}
