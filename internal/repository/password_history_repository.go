package repository

import (
	"context"

	"github.com/google/uuid"
)

// passwordHistoryRepository implements PasswordHistoryRepository using PostgreSQL.
// Rows are only ever inserted.
type passwordHistoryRepository struct {
	db DBTX
}

func (r *passwordHistoryRepository) Append(ctx context.Context, entry *PasswordHistoryEntry) error {
	query := `
		INSERT INTO password_history (user_id, password_hash, changed_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	return r.db.QueryRow(ctx, query, entry.UserID, entry.PasswordHash, entry.ChangedAt).Scan(&entry.ID)
}

// Recent returns the newest entries first. Ties on changed_at fall back to
// insertion order.
func (r *passwordHistoryRepository) Recent(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistoryEntry, error) {
	query := `
		SELECT id, user_id, password_hash, changed_at
		FROM password_history
		WHERE user_id = $1
		ORDER BY changed_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PasswordHistoryEntry
	for rows.Next() {
		var e PasswordHistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.PasswordHash, &e.ChangedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
