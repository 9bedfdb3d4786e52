// Package chats persists conversations in the local store.
package chats

import (
	"context"

	"github.com/glowingkitty/matesync/internal/client/models"
)

// Repository defines storage operations for chats.
type Repository interface {
	CreateOrUpdate(ctx context.Context, c *models.Chat) error
	GetByID(ctx context.Context, id string) (*models.Chat, error)
	ListByLastEdited(ctx context.Context) ([]models.Chat, error)
	DeleteByID(ctx context.Context, id string) error
}
