// Package store persists the layered storage model: raw intake, mirrors,
// modifications, and sync conflicts. Two backends exist: SQLite for
// single-node deployments and Postgres for shared ones.
package store

import (
	"context"
	"time"

	"github.com/opsledger/forecast-sync/internal/model"
)

// MirrorFilter selects mirror rows for merged-view reads and counts. Field
// predicates are always sent as query parameters, never interpolated.
type MirrorFilter struct {
	// EntityIDs restricts to specific entity ids.
	EntityIDs []string
	// Fields matches document fields exactly (field name -> text value).
	Fields map[string]string
	// Search is a substring match across SearchFields.
	Search string
	// SearchFields are the document text fields Search applies to.
	SearchFields []string
	// UserID scopes the active-delta join to one user. Empty joins any user's
	// active delta.
	UserID string
	Limit  int
	Offset int
}

// ModFilter selects modification rows for history and status queries.
type ModFilter struct {
	UserID   string
	EntityID string
	States   []model.SyncState
	Limit    int
	Offset   int
}

// Store is the persistence interface for the mirror-delta engine.
type Store interface {
	// Raw intake (append-only; deleted only by retention)
	AppendIntake(ctx context.Context, recs []model.RawIntakeRecord) (int64, error)
	CountIntake(ctx context.Context) (int64, error)
	CountIntakeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListIntakeBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.RawIntakeRecord, error)
	DeleteIntake(ctx context.Context, ids []string) (int64, error)
	OldestIntake(ctx context.Context) (*time.Time, error)
	LatestIntakePerEntity(ctx context.Context) ([]model.RawIntakeRecord, error)

	// Mirrors
	GetMirror(ctx context.Context, id string) (*model.MirrorRecord, error)
	GetMirrorByEntity(ctx context.Context, orgID, entityID string) (*model.MirrorRecord, error)
	CreateMirror(ctx context.Context, orgID, entityID string, doc model.Document) (*model.MirrorRecord, error)
	// ReplaceMirrorDocument swaps the document wholesale and bumps the
	// version, but only if the stored version still equals expectedVersion.
	ReplaceMirrorDocument(ctx context.Context, mirrorID string, doc model.Document, expectedVersion int64) (int64, error)
	// CatchUpMirror replaces the document wholesale and moves the version
	// forward to the remote's authoritative value. Versions never move
	// backwards; an already-current mirror is left alone and returns false.
	CatchUpMirror(ctx context.Context, mirrorID string, doc model.Document, version int64) (bool, error)
	CountMirrors(ctx context.Context, orgID string, f MirrorFilter) (int64, error)
	ListMergedViews(ctx context.Context, orgID string, f MirrorFilter) ([]model.MergedView, error)

	// Modifications
	UpsertDraft(ctx context.Context, draft *model.Modification) (*model.Modification, error)
	CommitDrafts(ctx context.Context, orgID, userID string, entityIDs []string, at time.Time) (int64, error)
	DiscardDrafts(ctx context.Context, orgID, userID string, entityIDs []string) (int64, error)
	CountDrafts(ctx context.Context, orgID, userID string) (int64, error)
	GetModification(ctx context.Context, id string) (*model.Modification, error)
	ListModifications(ctx context.Context, orgID string, f ModFilter) ([]model.Modification, error)
	DeleteModification(ctx context.Context, id string) error

	// Write-back transitions. ClaimCommitted is the single mandatory
	// mutual-exclusion point: committed -> syncing must be atomic so two
	// overlapping cycles never send the same delta twice.
	ClaimCommitted(ctx context.Context, limit int, now time.Time) ([]model.Modification, error)
	RequeueModification(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error
	MarkSyncError(ctx context.Context, id string, lastErr string) error
	MarkConflict(ctx context.Context, id string) error
	RetireModification(ctx context.Context, id string, at time.Time) error

	// Conflicts
	InsertConflicts(ctx context.Context, conflicts []model.SyncConflict) error
	ListConflicts(ctx context.Context, orgID, modificationID string) ([]model.SyncConflict, error)
	DeleteConflicts(ctx context.Context, modificationID string) (int64, error)
	CountConflicts(ctx context.Context) (int64, error)

	// Monitoring
	CountModificationsByState(ctx context.Context) (map[model.SyncState]int64, error)
	CountAllMirrors(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DefaultSearchFields are the document fields substring search covers when
// the caller does not override them.
var DefaultSearchFields = []string{"name", "model", "serial_number", "site"}
