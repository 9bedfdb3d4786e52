package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/common"
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

// Insert stores a new message. Only the encrypted representation is
// persisted; plaintext content never reaches this layer.
func (r *SQLiteRepository) Insert(ctx context.Context, m *models.Message) error {
	query := `INSERT INTO messages (id, chat_id, role, ciphertext, nonce, status, created_at)
			values (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.Role, m.Ciphertext, m.Nonce, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Exists reports whether a message with the given id is already stored.
// Inbound handlers use it to absorb duplicate deliveries.
func (r *SQLiteRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `select 1 from messages where id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return true, nil
}

// GetByID returns a single message or common.ErrorNotFound.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `select id, chat_id, role, ciphertext, nonce, status, created_at
			from messages where id=?`
	row := r.db.QueryRowContext(ctx, query, id)

	m := &models.Message{}
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Ciphertext, &m.Nonce, &m.Status, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return m, nil
}

// ListByChat returns all messages of a chat in creation order.
func (r *SQLiteRepository) ListByChat(ctx context.Context, chatID string) ([]models.Message, error) {
	query := `select id, chat_id, role, ciphertext, nonce, status, created_at
			from messages where chat_id=? order by created_at asc, id asc`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Ciphertext, &m.Nonce, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LastByChat returns the most recent message of a chat or common.ErrorNotFound.
func (r *SQLiteRepository) LastByChat(ctx context.Context, chatID string) (*models.Message, error) {
	query := `select id, chat_id, role, ciphertext, nonce, status, created_at
			from messages where chat_id=? order by created_at desc, id desc limit 1`
	row := r.db.QueryRowContext(ctx, query, chatID)

	m := &models.Message{}
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Ciphertext, &m.Nonce, &m.Status, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return m, nil
}

// UpdateStatus transitions the delivery status of a stored message.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	res, err := r.db.ExecContext(ctx, `update messages set status=? where id=?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
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

// DeleteByChat removes all messages of a chat (used when a chat is deleted).
func (r *SQLiteRepository) DeleteByChat(ctx context.Context, chatID string) error {
	_, err := r.db.ExecContext(ctx, `delete from messages where chat_id=?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}
