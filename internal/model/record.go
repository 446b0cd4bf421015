package model

import "time"

// SyncState represents where a modification sits in the write-back pipeline.
type SyncState string

const (
	// SyncStateDraft is a saved but uncommitted user edit.
	SyncStateDraft SyncState = "draft"
	// SyncStateCommitted marks a draft as eligible for write-back.
	SyncStateCommitted SyncState = "committed"
	// SyncStateSyncing means the worker has claimed the modification.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateSynced is terminal: the push was confirmed and folded into the mirror.
	SyncStateSynced SyncState = "synced"
	// SyncStateSyncError is terminal-pending: retries exhausted, operator attention needed.
	SyncStateSyncError SyncState = "sync_error"
	// SyncStateConflict is terminal-pending: remote version advanced past the
	// delta's base version; requires explicit resolution.
	SyncStateConflict SyncState = "conflict"
)

// ActiveStates are the states in which a modification participates in merged
// views and blocks a second draft for the same (mirror, user) pair.
var ActiveStates = []SyncState{SyncStateDraft, SyncStateCommitted, SyncStateSyncing}

// Terminal reports whether the state ends the modification's pipeline run.
func (s SyncState) Terminal() bool {
	return s == SyncStateSynced || s == SyncStateSyncError || s == SyncStateConflict
}

// RawIntakeRecord is an immutable fact from the source pipeline. Rows are
// append-only and leave the store only through the retention manager.
type RawIntakeRecord struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	IngestedAt time.Time `json:"ingested_at"`
	Payload    []byte    `json:"payload"`
}

// MirrorRecord is the canonical local snapshot of one externally-owned
// entity. The document is only ever replaced wholesale with a version bump,
// never patched in place by user edits.
type MirrorRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	EntityID  string    `json:"entity_id"`
	Document  Document  `json:"document"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Modification is a user's pending overlay of changed fields against one
// mirror row. At most one active modification exists per (mirror, user).
type Modification struct {
	ID            string    `json:"id"`
	MirrorID      string    `json:"mirror_id"`
	OrgID         string    `json:"org_id"`
	UserID        string    `json:"user_id"`
	Delta         Document  `json:"delta"`
	ChangedFields []string  `json:"changed_fields"`
	SessionID     string    `json:"session_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	// BaseVersion is the mirror version observed when the draft was created.
	// It is the conflict-detection axis against the external system.
	BaseVersion int64 `json:"base_version"`
	// EditCount is a local audit counter, incremented on each in-place draft
	// update. It carries no correctness obligation.
	EditCount   int        `json:"edit_count"`
	State       SyncState  `json:"state"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

// SyncConflict records one field's divergence between a delta's intended
// value and the remote's authoritative value. It persists until a resolution
// decision resubmits a rebased draft.
type SyncConflict struct {
	ID               string    `json:"id"`
	ModificationID   string    `json:"modification_id"`
	OrgID            string    `json:"org_id"`
	EntityID         string    `json:"entity_id"`
	Field            string    `json:"field"`
	LocalValue       Value     `json:"local_value"`
	RemoteValue      Value     `json:"remote_value"`
	LocalVersion     int64     `json:"local_version"`
	RemoteVersion    int64     `json:"remote_version"`
	RemoteModifiedBy string    `json:"remote_modified_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// MergedView is a read-time combination of a mirror document and its active
// delta. SyncState is "pristine" when no active modification exists.
type MergedView struct {
	MirrorID       string    `json:"mirror_id"`
	EntityID       string    `json:"entity_id"`
	OrgID          string    `json:"org_id"`
	Document       Document  `json:"document"`
	Version        int64     `json:"version"`
	HasDelta       bool      `json:"has_delta"`
	SyncState      string    `json:"sync_state"`
	ModifiedBy     string    `json:"modified_by,omitempty"`
	ModificationID string    `json:"modification_id,omitempty"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// SyncStatePristine is the effective state reported for mirror rows with no
// active modification.
const SyncStatePristine = "pristine"
