package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/promptq/promptq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a state update would move a handle
// backwards. A finished handle never regresses.
var ErrInvalidTransition = errors.New("invalid handle state transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreatePromptHandle(ctx context.Context, h *models.PromptHandle) error
	GetPromptHandle(ctx context.Context, id uuid.UUID) (*models.PromptHandle, error)
	FindByRendezvousToken(ctx context.Context, token string) (*models.PromptHandle, error)

	// HasPendingHandle is the cheap peek the worker runs every poll tick.
	HasPendingHandle(ctx context.Context, modelName string) (bool, error)
	// OldestPendingHandle returns the FIFO head for a model, or ErrNotFound.
	OldestPendingHandle(ctx context.Context, modelName string) (*models.PromptHandle, error)

	MarkInProgress(ctx context.Context, id uuid.UUID, timeSpentPendingMs int64) error
	FinalizeGeneration(ctx context.Context, id uuid.UUID, response string, timeTakenSeconds float64) error
	FinalizeEmbedding(ctx context.Context, id uuid.UUID, embedding []float64, timeTakenSeconds float64) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}
