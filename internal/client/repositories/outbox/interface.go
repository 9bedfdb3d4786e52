// Package outbox persists the durable queue of mutations made while
// disconnected, until the server acknowledges their replay.
package outbox

import (
	"context"

	"github.com/glowingkitty/matesync/internal/client/models"
)

// Repository defines storage operations for the offline-change outbox.
type Repository interface {
	Insert(ctx context.Context, c *models.OfflineChange) error
	GetAll(ctx context.Context) ([]models.OfflineChange, error)
	DeleteByID(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}
