// Package mirror serves merged views of canonical mirror rows with their
// active overlay deltas, and promotes raw intake into missing mirrors.
package mirror

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/store"
)

// Service answers merged-view reads. The merge is computed at read time,
// never materialized: mirror document with the active delta's fields
// shallow-overlaid on top.
type Service struct {
	store store.Store
	log   *zap.Logger
}

// NewService creates a merged-view service.
func NewService(st store.Store) *Service {
	return &Service{
		store: st,
		log:   zap.L().With(zap.String("component", "mirror.service")),
	}
}

// GetMergedViews returns mirror rows matching the filter, each overlaid with
// its single active delta (optionally scoped to one user). Ordered by entity
// id ascending; supports limit/offset pagination.
func (s *Service) GetMergedViews(ctx context.Context, orgID string, f store.MirrorFilter) ([]model.MergedView, error) {
	return s.store.ListMergedViews(ctx, orgID, f)
}

// GetCount returns the row count for the same predicate without
// materializing documents, for sizing pagination.
func (s *Service) GetCount(ctx context.Context, orgID string, f store.MirrorFilter) (int64, error) {
	return s.store.CountMirrors(ctx, orgID, f)
}

// intakePayload is the JSON shape promotion expects in raw intake payloads.
type intakePayload struct {
	EntityID string         `json:"entity_id"`
	Fields   model.Document `json:"fields"`
}

// PromoteFromIntake creates mirror rows (version 1) for entities that appear
// in raw intake but have no mirror yet, seeded from the newest intake
// payload per entity. Existing mirrors are never touched: only confirmed
// write-backs replace them.
func (s *Service) PromoteFromIntake(ctx context.Context) (int64, error) {
	recs, err := s.store.LatestIntakePerEntity(ctx)
	if err != nil {
		return 0, err
	}

	var created int64
	for _, rec := range recs {
		var p intakePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			s.log.Warn("skipping unparseable intake payload",
				zap.String("intake_id", rec.ID), zap.Error(err))
			continue
		}
		if p.EntityID == "" {
			continue
		}

		_, err := s.store.GetMirrorByEntity(ctx, rec.OrgID, p.EntityID)
		if err == nil {
			continue
		}
		if !eris.Is(err, model.ErrNotFound) {
			return created, err
		}

		if _, err := s.store.CreateMirror(ctx, rec.OrgID, p.EntityID, p.Fields); err != nil {
			return created, eris.Wrapf(err, "mirror: promote entity %s", p.EntityID)
		}
		created++
	}

	if created > 0 {
		s.log.Info("promoted intake to mirrors", zap.Int64("created", created))
	}
	return created, nil
}
