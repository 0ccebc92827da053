package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/prudhvinik1/orderrelay/internal/models"
)

type OrderRepository interface {
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	Create(ctx context.Context, order *models.Order) error
	Update(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error)
	Delete(ctx context.Context, id int64) (*models.Order, error)
	DeleteAll(ctx context.Context) ([]models.Order, error)
	Fingerprint(ctx context.Context) (models.Fingerprint, error)
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, subscriberID uuid.UUID) (*models.Presence, error)
	DeletePresence(ctx context.Context, subscriberID uuid.UUID) error
	GetBulkPresence(ctx context.Context, subscriberIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error)
}
