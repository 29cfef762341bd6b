package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/jobportal-auth/internal/metrics"
)

// auditRepository appends audit events. There is no update or delete path.
type auditRepository struct {
	db DBTX
}

func (r *auditRepository) Append(ctx context.Context, event *AuditEvent) error {
	query := `
		INSERT INTO audit_events (user_id, action, occurred_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	return r.db.QueryRow(ctx, query, event.UserID, event.Action, event.OccurredAt).Scan(&event.ID)
}

// AuditLogReader implements AuditReader on a sqlx handle
type AuditLogReader struct {
	db *sqlx.DB
}

// NewAuditLogReader creates a new AuditLogReader instance
func NewAuditLogReader(db *sqlx.DB) *AuditLogReader {
	return &AuditLogReader{db: db}
}

// ListByUser returns the newest events recorded for userID
func (r *AuditLogReader) ListByUser(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, user_id, action, occurred_at
		FROM audit_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`

	defer metrics.TimeQuery("audit_list_by_user")()

	events := []AuditEvent{}
	if err := r.db.SelectContext(ctx, &events, query, userID, limit); err != nil {
		return nil, err
	}

	return events, nil
}
