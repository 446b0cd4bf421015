package delta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewManager(st, nil), st
}

func seedMirror(t *testing.T, st store.Store, entityID string) *model.MirrorRecord {
	t.Helper()
	m, err := st.CreateMirror(context.Background(), "org-1", entityID, model.Document{
		"amount": model.Number(100),
		"stage":  model.String("proposed"),
	})
	require.NoError(t, err)
	return m
}

func TestSaveDraft_UnknownEntity(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.SaveDraft(context.Background(), SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "missing",
		DeltaFields: model.Document{"amount": model.Number(1)},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSaveDraft_CapturesBaseVersion(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	mod, err := mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(150)},
		Reason:      "customer asked for the bigger boom",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), mod.BaseVersion)
	assert.Equal(t, model.SyncStateDraft, mod.State)
	assert.Equal(t, "customer asked for the bigger boom", mod.Reason)
}

func TestSaveDraft_RepeatSaveMergesInPlace(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	p := SaveDraftParams{OrgID: "org-1", UserID: "user-1", EntityID: "fx-1"}

	p.DeltaFields = model.Document{"amount": model.Number(150)}
	first, err := mgr.SaveDraft(ctx, p)
	require.NoError(t, err)

	p.DeltaFields = model.Document{"amount": model.Number(175), "stage": model.String("quoted")}
	second, err := mgr.SaveDraft(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.EditCount)
	assert.True(t, model.Number(175).Equal(second.Delta["amount"]))
	assert.Equal(t, []string{"amount", "stage"}, second.ChangedFields)

	n, err := mgr.DraftCount(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCommitDrafts_Idempotent(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	_, err := mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(150)},
	})
	require.NoError(t, err)

	n, err := mgr.CommitDrafts(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = mgr.CommitDrafts(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDiscardThenResave_StartsFresh(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	p := SaveDraftParams{OrgID: "org-1", UserID: "user-1", EntityID: "fx-1"}

	p.DeltaFields = model.Document{"amount": model.Number(150), "stage": model.String("quoted")}
	first, err := mgr.SaveDraft(ctx, p)
	require.NoError(t, err)

	n, err := mgr.DiscardDrafts(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The discarded delta leaves no residue: a new save carries only its
	// own fields.
	p.DeltaFields = model.Document{"amount": model.Number(120)}
	second, err := mgr.SaveDraft(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.EditCount)
	assert.Equal(t, []string{"amount"}, second.ChangedFields)
}

func TestDiscard_NoopWithoutDrafts(t *testing.T) {
	mgr, _ := newTestManager(t)

	n, err := mgr.DiscardDrafts(context.Background(), "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHistory_IncludesRetiredStates(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	_, err := mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(150)},
	})
	require.NoError(t, err)

	mods, err := mgr.History(ctx, "org-1", store.ModFilter{})
	require.NoError(t, err)
	require.Len(t, mods, 1)

	mods, err = mgr.History(ctx, "org-1", store.ModFilter{
		States: []model.SyncState{model.SyncStateSynced},
	})
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestSaveDraft_BlockedByUnresolvedConflict(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	seedMirror(t, st, "fx-1")

	_, err := mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(150)},
	})
	require.NoError(t, err)
	_, err = mgr.CommitDrafts(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)

	claimed, err := st.ClaimCommitted(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, st.MarkConflict(ctx, claimed[0].ID))

	_, err = mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(160)},
	})
	assert.ErrorIs(t, err, model.ErrConflictPending)

	// Another user on the same entity is not blocked.
	_, err = mgr.SaveDraft(ctx, SaveDraftParams{
		OrgID: "org-1", UserID: "user-2", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(160)},
	})
	assert.NoError(t, err)
}

type rejectGate struct{}

func (rejectGate) Validate(ctx context.Context, d model.Document) error {
	return &model.ValidationError{Fields: []model.FieldError{{Field: "amount", Message: "must be positive"}}}
}

func TestSaveDraft_GateRejectionShortCircuits(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	seedMirror(t, st, "fx-1")

	mgr := NewManager(st, rejectGate{})
	_, err = mgr.SaveDraft(context.Background(), SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(-5)},
	})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	// Nothing was persisted.
	n, err := st.CountDrafts(context.Background(), "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCommitDrafts_RevalidatesAgainstGate(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	seedMirror(t, st, "fx-1")
	seedMirror(t, st, "fx-2")

	// Saved while the gate accepted everything.
	_, err = NewManager(st, nil).SaveDraft(context.Background(), SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-1",
		DeltaFields: model.Document{"amount": model.Number(-5)},
	})
	require.NoError(t, err)

	_, err = NewManager(st, nil).SaveDraft(context.Background(), SaveDraftParams{
		OrgID: "org-1", UserID: "user-1", EntityID: "fx-2",
		DeltaFields: model.Document{"amount": model.Number(10)},
	})
	require.NoError(t, err)

	// The gate tightened before commit: a single failing draft rejects the
	// whole commit and nothing flips.
	strict := NewManager(st, newSchemaGate(t))
	_, err = strict.CommitDrafts(context.Background(), "org-1", "user-1", nil)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	mods, err := st.ListModifications(context.Background(), "org-1", store.ModFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, mods, 2)
	for _, mod := range mods {
		assert.Equal(t, model.SyncStateDraft, mod.State)
	}

	// A commit scoped to the valid entity only validates that draft.
	n, err := strict.CommitDrafts(context.Background(), "org-1", "user-1", []string{"fx-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
