// Package store bootstraps the local durable store: it opens the SQLite
// database, applies embedded goose migrations and bundles the per-table
// repositories.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/glowingkitty/matesync/internal/client/migrations"
	"github.com/glowingkitty/matesync/internal/client/repositories/chats"
	"github.com/glowingkitty/matesync/internal/client/repositories/messages"
	"github.com/glowingkitty/matesync/internal/client/repositories/outbox"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// Store is the single source of truth for chats, messages and the offline
// outbox. Repositories constructed from the same *sql.DB share its
// transaction mechanism via dbx.WithTx.
type Store struct {
	DB       *sql.DB
	Chats    chats.Repository
	Messages messages.Repository
	Outbox   outbox.Repository
}

// RunMigrations applies the embedded migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the database at dsn, migrates it and
// returns the repository bundle.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		DB:       db,
		Chats:    chats.NewSQLiteRepository(db),
		Messages: messages.NewSQLiteRepository(db),
		Outbox:   outbox.NewSQLiteRepository(db),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
