// Package sync drains the durable queue against the remote survey service.
package sync

import (
	"context"

	"github.com/sociapp/fieldsync/internal/models"
)

// Store is the part of the durable queue a sync pass needs.
type Store interface {
	ListPending(ctx context.Context) ([]*models.PendingRecord, error)
	GetArtifact(ctx context.Context, localID string) (*models.Artifact, error)
	MarkSynced(ctx context.Context, localID string) error
	RecordError(ctx context.Context, localID, message string) error
	PruneSynced(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)
}

// RemoteService is the remote API that accepts created records and their
// audio. Implementations apply their own request timeout.
type RemoteService interface {
	// CreateRecord creates the record remotely and returns its server id.
	CreateRecord(ctx context.Context, fields models.RecordFields) (string, error)

	// UploadArtifact attaches audio to an already created record.
	UploadArtifact(ctx context.Context, remoteID string, artifact *models.Artifact) error
}

// Orchestrator runs sync passes. At most one pass executes at a time.
type Orchestrator interface {
	// RunSyncPass drains the pending queue once. A call made while a pass is
	// in flight waits for that pass and returns its result.
	RunSyncPass(ctx context.Context) (*PassResult, error)

	// IsSyncing reports whether a pass is currently draining.
	IsSyncing() bool

	// PendingCount returns the number of records still waiting.
	PendingCount(ctx context.Context) (int, error)
}
