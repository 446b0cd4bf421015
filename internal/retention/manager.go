// Package retention bounds the size of immutable raw intake by archiving
// and deleting rows past a rolling time window, in fixed-size batches.
package retention

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/resilience"
	"github.com/opsledger/forecast-sync/internal/store"
)

// Config controls one retention run.
type Config struct {
	// Window is the maximum age a raw intake row may reach.
	Window time.Duration
	// BatchSize is the number of rows handled per batch.
	BatchSize int
	// ArchivalEnabled gates the archive-before-delete step.
	ArchivalEnabled bool
	// DryRun counts eligible rows without archiving or deleting.
	DryRun bool
}

// Result is the audit summary of one retention run.
type Result struct {
	Eligible int64         `json:"eligible"`
	Archived int64         `json:"archived"`
	Deleted  int64         `json:"deleted"`
	Batches  int           `json:"batches"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Manager runs the retention job.
type Manager struct {
	store    store.Store
	archiver Archiver
	cfg      Config
	log      *zap.Logger
	nowFunc  func() time.Time
}

// NewManager creates a retention manager. archiver may be nil when archival
// is disabled.
func NewManager(st store.Store, archiver Archiver, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Manager{
		store:    st,
		archiver: archiver,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "retention.manager")),
		nowFunc:  time.Now,
	}
}

// Run enforces the retention window. Batches are processed oldest-first so
// progress is monotonic under interruption. One batch's archive failure
// skips that batch's deletion and moves on; a row is never deleted unless
// its batch archived successfully (or archival is off and this is no dry
// run).
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	start := m.nowFunc()
	cutoff := start.UTC().Add(-m.cfg.Window)
	result := &Result{}

	eligible, err := m.store.CountIntakeBefore(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "retention: count eligible")
	}
	result.Eligible = eligible
	if eligible == 0 {
		result.Duration = m.nowFunc().Sub(start)
		return result, nil
	}

	m.log.Info("retention run started",
		zap.Time("cutoff", cutoff),
		zap.Int64("eligible", eligible),
		zap.Bool("archival", m.cfg.ArchivalEnabled),
		zap.Bool("dry_run", m.cfg.DryRun),
	)

	if m.cfg.DryRun {
		result.Batches = int((eligible + int64(m.cfg.BatchSize) - 1) / int64(m.cfg.BatchSize))
		result.Duration = m.nowFunc().Sub(start)
		return result, nil
	}
	if m.cfg.ArchivalEnabled && m.archiver == nil {
		return nil, eris.New("retention: archival enabled but no archiver configured")
	}

	// skip advances past batches whose archive failed, so the next
	// iteration does not refetch the same rows forever.
	var skip int
	for {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrap(err, "retention: cancelled")
		}

		batch, err := m.store.ListIntakeBefore(ctx, cutoff, m.cfg.BatchSize+skip)
		if err != nil {
			return result, eris.Wrap(err, "retention: list batch")
		}
		if len(batch) <= skip {
			break
		}
		batch = batch[skip:]
		if len(batch) > m.cfg.BatchSize {
			batch = batch[:m.cfg.BatchSize]
		}
		result.Batches++

		if m.cfg.ArchivalEnabled {
			archived, err := m.archiveBatch(ctx, batch)
			if err != nil {
				m.log.Error("batch archive failed, skipping deletion",
					zap.Int("batch", result.Batches),
					zap.Int("rows", len(batch)),
					zap.Error(err),
				)
				result.Errors++
				skip += len(batch)
				continue
			}
			result.Archived += int64(archived.RecordCount)
		}

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		deleted, err := m.store.DeleteIntake(ctx, ids)
		if err != nil {
			m.log.Error("batch delete failed",
				zap.Int("batch", result.Batches),
				zap.Error(err),
			)
			result.Errors++
			skip += len(batch)
			continue
		}
		result.Deleted += deleted
	}

	result.Duration = m.nowFunc().Sub(start)
	m.log.Info("retention run complete",
		zap.Int64("archived", result.Archived),
		zap.Int64("deleted", result.Deleted),
		zap.Int("batches", result.Batches),
		zap.Int("errors", result.Errors),
		zap.Duration("elapsed", result.Duration),
	)
	return result, nil
}

// archiveBatch hands one batch to the archival backend, retrying transient
// failures a few times before the batch is skipped.
func (m *Manager) archiveBatch(ctx context.Context, batch []model.RawIntakeRecord) (*ArchiveResult, error) {
	var res *ArchiveResult
	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		OnRetry:     resilience.RetryLogger("archive", "archive_batch"),
	}, func(ctx context.Context) error {
		var aerr error
		res, aerr = m.archiver.ArchiveBatch(ctx, batch)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
