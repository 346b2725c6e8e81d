package api

import (
	"context"

	"pov-board/domain"
)

// Storage abstracts board persistence for handlers. FetchStages may serve a
// cached snapshot; FetchStagesUncached always reads the backing store.
type Storage interface {
	FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error)
	FetchStagesUncached(ctx context.Context, phaseID string) ([]domain.Stage, error)
	ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error
	ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error
	CreateStage(ctx context.Context, phaseID string, st domain.Stage) error
	CreateTask(ctx context.Context, phaseID string, t domain.Task) error
	RecordEvents(ctx context.Context, userID string, events []domain.Event) error
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a board mutation from being applied twice.
type Deduper interface {
	// Claim returns true when the key was not claimed before.
	Claim(ctx context.Context, k MutationKey) (bool, error)
	// Release drops a claim whose mutation failed.
	Release(ctx context.Context, k MutationKey) error
}
