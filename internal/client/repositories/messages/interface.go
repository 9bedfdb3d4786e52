// Package messages persists chat messages in the local store.
package messages

import (
	"context"

	"github.com/glowingkitty/matesync/internal/client/models"
)

// Repository defines storage operations for messages.
type Repository interface {
	Insert(ctx context.Context, m *models.Message) error
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	ListByChat(ctx context.Context, chatID string) ([]models.Message, error)
	LastByChat(ctx context.Context, chatID string) (*models.Message, error)
	UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) error
	DeleteByChat(ctx context.Context, chatID string) error
}
