package mirror

import (
	"context"
	"encoding/json"
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

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/mirror.db")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return NewService(st), st
}

func intakeRecord(t *testing.T, org, entity string, fields map[string]any) model.RawIntakeRecord {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"entity_id": entity, "fields": fields})
	require.NoError(t, err)
	return model.RawIntakeRecord{OrgID: org, IngestedAt: time.Now().UTC(), Payload: payload}
}

func TestPromoteFromIntake_CreatesMissingMirrors(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	_, err := st.AppendIntake(ctx, []model.RawIntakeRecord{
		intakeRecord(t, "org-1", "fx-100", map[string]any{"name": "crane-90t", "amount": float64(500)}),
		intakeRecord(t, "org-1", "fx-101", map[string]any{"name": "loader-12t"}),
	})
	require.NoError(t, err)

	created, err := svc.PromoteFromIntake(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)

	m, err := st.GetMirrorByEntity(ctx, "org-1", "fx-100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, "crane-90t", m.Document["name"].Str)
}

func TestPromoteFromIntake_NeverTouchesExisting(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	existing, err := st.CreateMirror(ctx, "org-1", "fx-100", model.Document{
		"name": model.String("crane-90t"),
	})
	require.NoError(t, err)

	_, err = st.AppendIntake(ctx, []model.RawIntakeRecord{
		intakeRecord(t, "org-1", "fx-100", map[string]any{"name": "renamed"}),
	})
	require.NoError(t, err)

	created, err := svc.PromoteFromIntake(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), created)

	m, err := st.GetMirrorByEntity(ctx, "org-1", "fx-100")
	require.NoError(t, err)
	assert.Equal(t, existing.Version, m.Version)
	assert.Equal(t, "crane-90t", m.Document["name"].Str)
}

func TestPromoteFromIntake_UsesNewestPayloadPerEntity(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	older := intakeRecord(t, "org-1", "fx-100", map[string]any{"stage": "proposed"})
	older.IngestedAt = time.Now().UTC().Add(-time.Hour)
	newer := intakeRecord(t, "org-1", "fx-100", map[string]any{"stage": "approved"})

	_, err := st.AppendIntake(ctx, []model.RawIntakeRecord{older, newer})
	require.NoError(t, err)

	created, err := svc.PromoteFromIntake(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created)

	m, err := st.GetMirrorByEntity(ctx, "org-1", "fx-100")
	require.NoError(t, err)
	assert.Equal(t, "approved", m.Document["stage"].Str)
}

func TestPromoteFromIntake_SkipsBadPayloads(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	_, err := st.AppendIntake(ctx, []model.RawIntakeRecord{
		{OrgID: "org-1", IngestedAt: time.Now().UTC(), Payload: []byte(`{"no_entity": true}`)},
		intakeRecord(t, "org-1", "fx-102", map[string]any{"name": "dozer"}),
	})
	require.NoError(t, err)

	created, err := svc.PromoteFromIntake(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created)

	_, err = st.GetMirrorByEntity(ctx, "org-1", "fx-102")
	assert.NoError(t, err)
}

func TestGetMergedViews_PassesFilter(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	_, err := st.CreateMirror(ctx, "org-1", "fx-100", model.Document{"name": model.String("crane")})
	require.NoError(t, err)
	_, err = st.CreateMirror(ctx, "org-2", "fx-100", model.Document{"name": model.String("crane")})
	require.NoError(t, err)

	views, err := svc.GetMergedViews(ctx, "org-1", store.MirrorFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "org-1", views[0].OrgID)

	n, err := svc.GetCount(ctx, "org-1", store.MirrorFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
