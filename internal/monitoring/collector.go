// Package monitoring gathers health snapshots of the sync pipeline and
// delivers webhook alerts for conditions an operator must act on.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/store"
	"github.com/opsledger/forecast-sync/internal/syncer"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Modification counts by sync state.
	Drafts     int64 `json:"drafts"`
	Committed  int64 `json:"committed"`
	Syncing    int64 `json:"syncing"`
	Synced     int64 `json:"synced"`
	SyncErrors int64 `json:"sync_errors"`
	Conflicted int64 `json:"conflicted"`

	// Open conflict entries awaiting resolution.
	OpenConflicts int64 `json:"open_conflicts"`

	// Canonical mirror size.
	Mirrors int64 `json:"mirrors"`

	// Raw intake backlog.
	IntakeRecords   int64    `json:"intake_records"`
	OldestIntakeAge *float64 `json:"oldest_intake_age_hours,omitempty"`

	// Most recent write-back cycle, if one has run.
	LastCycle   *syncer.CycleResult `json:"last_cycle,omitempty"`
	LastCycleAt *time.Time          `json:"last_cycle_at,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store and remembers the most recent
// sync cycle result.
type Collector struct {
	store store.Store

	mu          sync.Mutex
	lastCycle   *syncer.CycleResult
	lastCycleAt time.Time

	nowFunc func() time.Time
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// RecordCycle remembers the result of a completed write-back cycle so it
// shows up in subsequent snapshots.
func (c *Collector) RecordCycle(res *syncer.CycleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCycle = res
	c.lastCycleAt = c.nowFunc().UTC()
}

// Collect gathers a health snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{CollectedAt: now}

	byState, err := c.store.CountModificationsByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count modifications")
	}
	snap.Drafts = byState[model.SyncStateDraft]
	snap.Committed = byState[model.SyncStateCommitted]
	snap.Syncing = byState[model.SyncStateSyncing]
	snap.Synced = byState[model.SyncStateSynced]
	snap.SyncErrors = byState[model.SyncStateSyncError]
	snap.Conflicted = byState[model.SyncStateConflict]

	if snap.OpenConflicts, err = c.store.CountConflicts(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count conflicts")
	}
	if snap.Mirrors, err = c.store.CountAllMirrors(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count mirrors")
	}
	if snap.IntakeRecords, err = c.store.CountIntake(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count intake")
	}

	oldest, err := c.store.OldestIntake(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: oldest intake")
	}
	if oldest != nil {
		age := now.Sub(*oldest).Hours()
		snap.OldestIntakeAge = &age
	}

	c.mu.Lock()
	if c.lastCycle != nil {
		snap.LastCycle = c.lastCycle
		at := c.lastCycleAt
		snap.LastCycleAt = &at
	}
	c.mu.Unlock()

	return snap, nil
}
