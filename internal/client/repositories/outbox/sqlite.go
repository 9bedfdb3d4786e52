package outbox

import (
	"context"
	"fmt"

	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert appends a change to the outbox.
func (r *SQLiteRepository) Insert(ctx context.Context, c *models.OfflineChange) error {
	query := `INSERT INTO offline_changes (id, chat_id, change_type, payload, version_before_edit, created_at)
			values (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.ChatID, c.Type, c.Payload, c.VersionBeforeEdit, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert offline change: %w", err)
	}
	return nil
}

// GetAll lists queued changes in creation order for batch replay.
func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.OfflineChange, error) {
	query := `select id, chat_id, change_type, payload, version_before_edit, created_at
			from offline_changes order by created_at asc, id asc`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select offline changes: %w", err)
	}
	defer rows.Close()

	var result []models.OfflineChange
	for rows.Next() {
		var c models.OfflineChange
		if err := rows.Scan(&c.ID, &c.ChatID, &c.Type, &c.Payload, &c.VersionBeforeEdit, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteByID removes a change once the server acknowledged it.
func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `delete from offline_changes where id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete offline change: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}

// Count returns the number of queued changes.
func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `select count(*) from offline_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offline changes: %w", err)
	}
	return n, nil
}
