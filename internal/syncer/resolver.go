package syncer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/remote"
	"github.com/opsledger/forecast-sync/internal/store"
)

// Decision is a per-field conflict resolution choice.
type Decision string

const (
	// KeepLocal resubmits the user's intended value.
	KeepLocal Decision = "keep_local"
	// KeepRemote accepts the remote value; the field leaves the delta.
	KeepRemote Decision = "keep_remote"
	// Manual resubmits a caller-supplied value.
	Manual Decision = "manual"
)

// FieldResolution resolves one conflicting field.
type FieldResolution struct {
	Field       string       `json:"field"`
	Decision    Decision     `json:"decision"`
	ManualValue *model.Value `json:"manual_value,omitempty"`
}

// Resolver applies out-of-band conflict resolution decisions.
type Resolver struct {
	store  store.Store
	client remote.Client
	log    *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(st store.Store, client remote.Client) *Resolver {
	return &Resolver{
		store:  st,
		client: client,
		log:    zap.L().With(zap.String("component", "syncer.resolver")),
	}
}

// Resolve consumes a conflicted modification: it fetches the remote's current
// state and catches the mirror up to it, deletes the conflict rows, replaces
// the modification with a fresh draft rebased on the remote's version carrying
// the resolved values, and commits the draft so it re-enters the write-back
// pipeline. Every conflicting field must carry a decision. If every decision
// is KeepRemote the resolved delta is empty and no new draft is created.
func (r *Resolver) Resolve(ctx context.Context, orgID, modificationID string, resolutions []FieldResolution) (*model.Modification, error) {
	mod, err := r.store.GetModification(ctx, modificationID)
	if err != nil {
		return nil, err
	}
	if mod.State != model.SyncStateConflict {
		return nil, eris.Errorf("syncer: modification %s is %s, not conflict", modificationID, mod.State)
	}
	if mod.OrgID != orgID {
		return nil, eris.Wrapf(model.ErrNotFound, "modification %s in org %s", modificationID, orgID)
	}

	conflicts, err := r.store.ListConflicts(ctx, orgID, modificationID)
	if err != nil {
		return nil, err
	}

	decisions := make(map[string]FieldResolution, len(resolutions))
	for _, res := range resolutions {
		decisions[res.Field] = res
	}
	for _, c := range conflicts {
		if _, ok := decisions[c.Field]; !ok {
			return nil, eris.Errorf("syncer: no decision for conflicting field %q", c.Field)
		}
	}

	resolved := make(model.Document, len(mod.Delta))
	for field, localVal := range mod.Delta {
		res, ok := decisions[field]
		if !ok {
			// Field did not conflict; the user's intent carries over.
			resolved[field] = localVal
			continue
		}
		switch res.Decision {
		case KeepLocal:
			resolved[field] = localVal
		case KeepRemote:
			// Remote already holds this value; drop it from the delta.
		case Manual:
			if res.ManualValue == nil {
				return nil, eris.Errorf("syncer: manual decision for %q without a value", field)
			}
			resolved[field] = *res.ManualValue
		default:
			return nil, eris.Errorf("syncer: unknown decision %q for field %q", res.Decision, field)
		}
	}

	mirror, err := r.store.GetMirror(ctx, mod.MirrorID)
	if err != nil {
		return nil, err
	}

	// The conflict left the mirror at the stale version the delta was drafted
	// against. Rebasing on it would just re-conflict next cycle, so catch the
	// mirror up to the remote's authoritative document and version first.
	state, err := r.client.FetchCurrentState(ctx, mirror.EntityID)
	if err != nil {
		return nil, eris.Wrapf(err, "syncer: fetch state for %s", mirror.EntityID)
	}
	if state.Version > mirror.Version {
		if _, err := r.store.CatchUpMirror(ctx, mirror.ID, state.Document, state.Version); err != nil {
			return nil, err
		}
		mirror.Document = state.Document
		mirror.Version = state.Version
	}

	if _, err := r.store.DeleteConflicts(ctx, modificationID); err != nil {
		return nil, err
	}
	if err := r.store.DeleteModification(ctx, modificationID); err != nil {
		return nil, err
	}

	if len(resolved) == 0 {
		r.log.Info("conflict resolved with no local changes",
			zap.String("modification_id", modificationID),
			zap.String("entity_id", mirror.EntityID),
		)
		return nil, nil
	}

	draft, err := r.store.UpsertDraft(ctx, &model.Modification{
		MirrorID:    mirror.ID,
		OrgID:       mod.OrgID,
		UserID:      mod.UserID,
		Delta:       resolved,
		SessionID:   mod.SessionID,
		Reason:      mod.Reason,
		BaseVersion: mirror.Version,
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.store.CommitDrafts(ctx, mod.OrgID, mod.UserID, []string{mirror.EntityID}, draft.UpdatedAt); err != nil {
		return nil, err
	}
	draft.State = model.SyncStateCommitted

	r.log.Info("conflict resolved, rebased draft committed",
		zap.String("modification_id", modificationID),
		zap.String("new_modification_id", draft.ID),
		zap.String("entity_id", mirror.EntityID),
		zap.Int64("rebased_version", mirror.Version),
	)
	return draft, nil
}
