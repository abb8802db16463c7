package handlers

import (
	"context"
	"time"

	"tally/internal/event"
	"tally/internal/models"
	"tally/internal/services"
	"tally/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, id, email, passwordHash string) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
}

type SyncService interface {
	Push(ctx context.Context, userID, deviceID string, events []event.Event) ([]services.PushResult, error)
	Pull(ctx context.Context, userID string, since time.Time) (services.PullPage, error)
}
