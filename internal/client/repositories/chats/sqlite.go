package chats

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

const chatColumns = `id, title, messages_v, title_v, draft_v, last_edited,
	wrapped_chat_key, wrapped_chat_key_nonce,
	wrapped_chat_key_hidden, wrapped_chat_key_hidden_nonce,
	hidden, draft, unread_count, metadata_sent`

// CreateOrUpdate upserts a chat by id. On conflict every mutable column is
// replaced, so callers persist whole rows read-modified inside a transaction.
func (r *SQLiteRepository) CreateOrUpdate(ctx context.Context, c *models.Chat) error {
	query := `INSERT INTO chats (` + chatColumns + `)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title,
				messages_v = excluded.messages_v,
				title_v = excluded.title_v,
				draft_v = excluded.draft_v,
				last_edited = excluded.last_edited,
				wrapped_chat_key = excluded.wrapped_chat_key,
				wrapped_chat_key_nonce = excluded.wrapped_chat_key_nonce,
				wrapped_chat_key_hidden = excluded.wrapped_chat_key_hidden,
				wrapped_chat_key_hidden_nonce = excluded.wrapped_chat_key_hidden_nonce,
				hidden = excluded.hidden,
				draft = excluded.draft,
				unread_count = excluded.unread_count,
				metadata_sent = excluded.metadata_sent
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Title, c.MessagesV, c.TitleV, c.DraftV, c.LastEdited,
		c.WrappedChatKey, c.WrappedChatKeyNonce,
		c.WrappedChatKeyHidden, c.WrappedChatKeyHNonce,
		c.Hidden, c.Draft, c.UnreadCount, c.MetadataSent)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}
	return nil
}

// GetByID returns a single chat or common.ErrorNotFound.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Chat, error) {
	query := `select ` + chatColumns + ` from chats where id=?`
	row := r.db.QueryRowContext(ctx, query, id)

	c := &models.Chat{}
	if err := scanChat(row.Scan, c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return c, nil
}

// ListByLastEdited lists all chats, most recently active first, using the
// secondary index on last_edited.
func (r *SQLiteRepository) ListByLastEdited(ctx context.Context) ([]models.Chat, error) {
	query := `select ` + chatColumns + ` from chats order by last_edited desc`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select chats: %w", err)
	}
	defer rows.Close()

	var result []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := scanChat(rows.Scan, &c); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteByID removes a chat row. It expects exactly one row to be affected.
func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `delete from chats where id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
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

func scanChat(scan func(dest ...any) error, c *models.Chat) error {
	return scan(
		&c.ID, &c.Title, &c.MessagesV, &c.TitleV, &c.DraftV, &c.LastEdited,
		&c.WrappedChatKey, &c.WrappedChatKeyNonce,
		&c.WrappedChatKeyHidden, &c.WrappedChatKeyHNonce,
		&c.Hidden, &c.Draft, &c.UnreadCount, &c.MetadataSent)
}
