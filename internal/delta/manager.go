// Package delta manages the draft/commit/discard lifecycle of per-user
// overlay modifications against mirror rows.
package delta

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/store"
)

// SaveDraftParams carries one draft save request.
type SaveDraftParams struct {
	OrgID       string
	UserID      string
	EntityID    string
	DeltaFields model.Document
	SessionID   string
	Reason      string
}

// Manager implements the delta lifecycle on top of the store. All writes are
// local; nothing here talks to the external system.
type Manager struct {
	store store.Store
	gate  Gate
	log   *zap.Logger
}

// NewManager creates a Manager. A nil gate accepts every delta.
func NewManager(st store.Store, gate Gate) *Manager {
	if gate == nil {
		gate = AcceptAll{}
	}
	return &Manager{
		store: st,
		gate:  gate,
		log:   zap.L().With(zap.String("component", "delta.manager")),
	}
}

// SaveDraft validates the delta, resolves the owning mirror row, and saves
// the draft. A second save for the same (mirror, user) pair updates the
// existing row in place: matching fields are overwritten, the changed-field
// set is unioned, and the edit counter increments. Readers of the merged
// view never observe a half-written delta.
func (m *Manager) SaveDraft(ctx context.Context, p SaveDraftParams) (*model.Modification, error) {
	if err := m.gate.Validate(ctx, p.DeltaFields); err != nil {
		return nil, err
	}

	mirror, err := m.store.GetMirrorByEntity(ctx, p.OrgID, p.EntityID)
	if err != nil {
		return nil, err
	}

	// A conflicted modification for this entity must be resolved before the
	// user can draft against it again.
	pending, err := m.store.ListModifications(ctx, p.OrgID, store.ModFilter{
		UserID:   p.UserID,
		EntityID: p.EntityID,
		States:   []model.SyncState{model.SyncStateConflict},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, eris.Wrapf(model.ErrConflictPending, "modification %s", pending[0].ID)
	}

	draft := &model.Modification{
		MirrorID:    mirror.ID,
		OrgID:       p.OrgID,
		UserID:      p.UserID,
		Delta:       p.DeltaFields,
		SessionID:   p.SessionID,
		Reason:      p.Reason,
		BaseVersion: mirror.Version,
	}
	saved, err := m.store.UpsertDraft(ctx, draft)
	if err != nil {
		return nil, err
	}

	m.log.Debug("draft saved",
		zap.String("entity_id", p.EntityID),
		zap.String("user_id", p.UserID),
		zap.Int("edit_count", saved.EditCount),
	)
	return saved, nil
}

// CommitDrafts validates each matching draft against the gate and flags it
// as eligible for write-back. No remote calls happen here. Idempotent —
// committing already-committed or absent drafts affects zero rows. A single
// failing draft rejects the whole commit; nothing is flipped.
func (m *Manager) CommitDrafts(ctx context.Context, orgID, userID string, entityIDs []string) (int64, error) {
	// Drafts passed the gate at save time, but the gate can tighten between
	// save and commit, so each delta is re-checked before flipping.
	drafts, err := m.matchingDrafts(ctx, orgID, userID, entityIDs)
	if err != nil {
		return 0, err
	}
	for _, d := range drafts {
		if err := m.gate.Validate(ctx, d.Delta); err != nil {
			return 0, err
		}
	}

	n, err := m.store.CommitDrafts(ctx, orgID, userID, entityIDs, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("drafts committed",
			zap.String("org_id", orgID),
			zap.String("user_id", userID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// matchingDrafts lists the user's drafts a commit or discard would touch,
// scoped to entityIDs when given.
func (m *Manager) matchingDrafts(ctx context.Context, orgID, userID string, entityIDs []string) ([]model.Modification, error) {
	if len(entityIDs) == 0 {
		return m.store.ListModifications(ctx, orgID, store.ModFilter{
			UserID: userID,
			States: []model.SyncState{model.SyncStateDraft},
		})
	}
	var out []model.Modification
	for _, entityID := range entityIDs {
		mods, err := m.store.ListModifications(ctx, orgID, store.ModFilter{
			UserID:   userID,
			EntityID: entityID,
			States:   []model.SyncState{model.SyncStateDraft},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, mods...)
	}
	return out, nil
}

// DiscardDrafts deletes matching drafts. Irreversible and idempotent.
func (m *Manager) DiscardDrafts(ctx context.Context, orgID, userID string, entityIDs []string) (int64, error) {
	n, err := m.store.DiscardDrafts(ctx, orgID, userID, entityIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("drafts discarded",
			zap.String("org_id", orgID),
			zap.String("user_id", userID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// DraftCount returns the number of uncommitted drafts for a user.
func (m *Manager) DraftCount(ctx context.Context, orgID, userID string) (int64, error) {
	return m.store.CountDrafts(ctx, orgID, userID)
}

// History returns the modification trail for an organization, newest first,
// including retired and failed modifications.
func (m *Manager) History(ctx context.Context, orgID string, f store.ModFilter) ([]model.Modification, error) {
	return m.store.ListModifications(ctx, orgID, f)
}
