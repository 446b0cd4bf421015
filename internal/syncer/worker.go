// Package syncer reconciles committed modifications against the external
// system of record: version check, push, conflict detection, and
// backoff-scheduled retries.
package syncer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/remote"
	"github.com/opsledger/forecast-sync/internal/resilience"
	"github.com/opsledger/forecast-sync/internal/store"
)

// Config controls one worker's cycle behavior.
type Config struct {
	// BatchSize bounds how many committed modifications one cycle claims.
	BatchSize int
	// MaxAttempts bounds transient-failure retries before sync_error.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration
	// MaxBackoff caps the retry delay. Zero means uncapped.
	MaxBackoff time.Duration
	// RateLimitRPS throttles outbound remote calls across the whole batch.
	RateLimitRPS float64
	// Concurrency bounds how many claimed items are processed in parallel.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Escalator is notified when a modification exhausts its retries and lands
// in sync_error. Implemented by the monitoring alerter.
type Escalator interface {
	SyncErrorEscalated(ctx context.Context, mod model.Modification, cause string)
}

// CycleResult summarizes one write-back cycle.
type CycleResult struct {
	Claimed   int           `json:"claimed"`
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Requeued  int           `json:"requeued"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Worker drains committed modifications into the external system.
type Worker struct {
	store     store.Store
	client    remote.Client
	cfg       Config
	limiter   *rate.Limiter
	escalator Escalator
	log       *zap.Logger
	nowFunc   func() time.Time
}

// NewWorker creates a write-back worker. The rate limiter is shared across
// every remote call in a cycle (cooperative throttling, not per-item).
// escalator may be nil.
func NewWorker(st store.Store, client remote.Client, cfg Config, escalator Escalator) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		store:     st,
		client:    client,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		escalator: escalator,
		log:       zap.L().With(zap.String("component", "syncer.worker")),
		nowFunc:   time.Now,
	}
}

// RunCycle claims one batch of committed modifications and reconciles each
// against the remote. Item failures are scoped to the item; the cycle
// continues. The committed -> syncing claim is a single atomic store
// operation, so overlapping cycles never send the same delta twice.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := w.nowFunc()
	result := &CycleResult{}

	mods, err := w.store.ClaimCommitted(ctx, w.cfg.BatchSize, start.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "syncer: claim batch")
	}
	result.Claimed = len(mods)
	if len(mods) == 0 {
		result.Duration = w.nowFunc().Sub(start)
		return result, nil
	}

	w.log.Info("cycle started", zap.Int("claimed", len(mods)))

	outcomes := make([]outcome, len(mods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, mod := range mods {
		i, mod := i, mod
		g.Go(func() error {
			outcomes[i] = w.processOne(gctx, mod)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSynced:
			result.Synced++
		case outcomeConflict:
			result.Conflicts++
		case outcomeRequeued:
			result.Requeued++
		case outcomeError:
			result.Errors++
		}
	}
	result.Duration = w.nowFunc().Sub(start)

	w.log.Info("cycle complete",
		zap.Int("synced", result.Synced),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("requeued", result.Requeued),
		zap.Int("errors", result.Errors),
		zap.Duration("elapsed", result.Duration),
	)
	return result, nil
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeSynced
	outcomeConflict
	outcomeRequeued
)

func (w *Worker) processOne(ctx context.Context, mod model.Modification) outcome {
	log := w.log.With(zap.String("modification_id", mod.ID))

	mirror, err := w.store.GetMirror(ctx, mod.MirrorID)
	if err != nil {
		return w.fail(ctx, mod, eris.Wrap(err, "load mirror"), log)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return w.fail(ctx, mod, err, log)
	}
	state, err := w.client.FetchCurrentState(ctx, mirror.EntityID)
	if err != nil {
		return w.fail(ctx, mod, eris.Wrapf(err, "fetch state for %s", mirror.EntityID), log)
	}

	if state.Version != mod.BaseVersion {
		return w.recordConflicts(ctx, mod, mirror, state, log)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return w.fail(ctx, mod, err, log)
	}
	pushed, err := w.client.PushDelta(ctx, mirror.EntityID, mod.Delta, mod.BaseVersion)
	if eris.Is(err, remote.ErrConflict) {
		// The remote advanced between fetch and push. Refetch for the
		// authoritative values; fall back to the stale fetch if that fails.
		if w.limiter.Wait(ctx) == nil {
			if fresh, ferr := w.client.FetchCurrentState(ctx, mirror.EntityID); ferr == nil {
				state = fresh
			}
		}
		return w.recordConflicts(ctx, mod, mirror, state, log)
	}
	if err != nil {
		return w.fail(ctx, mod, eris.Wrapf(err, "push delta for %s", mirror.EntityID), log)
	}

	// Confirmed: fold the authoritative result back into the mirror with a
	// version bump, then retire the modification.
	if _, err := w.store.ReplaceMirrorDocument(ctx, mirror.ID, pushed.Document, mirror.Version); err != nil {
		return w.fail(ctx, mod, eris.Wrap(err, "fold back mirror"), log)
	}
	if err := w.store.RetireModification(ctx, mod.ID, w.nowFunc().UTC()); err != nil {
		log.Error("retire after confirmed push failed", zap.Error(err))
		return outcomeError
	}

	log.Debug("modification synced", zap.String("entity_id", mirror.EntityID))
	return outcomeSynced
}

// recordConflicts persists one SyncConflict per field present in the delta
// and parks the modification in conflict state. The mirror is left untouched.
func (w *Worker) recordConflicts(ctx context.Context, mod model.Modification, mirror *model.MirrorRecord, state *remote.State, log *zap.Logger) outcome {
	now := w.nowFunc().UTC()
	conflicts := make([]model.SyncConflict, 0, len(mod.Delta))
	for _, field := range mod.Delta.Keys() {
		remoteVal, ok := state.Document[field]
		if !ok {
			remoteVal = model.Null()
		}
		conflicts = append(conflicts, model.SyncConflict{
			ModificationID:   mod.ID,
			OrgID:            mod.OrgID,
			EntityID:         mirror.EntityID,
			Field:            field,
			LocalValue:       mod.Delta[field],
			RemoteValue:      remoteVal,
			LocalVersion:     mod.BaseVersion,
			RemoteVersion:    state.Version,
			RemoteModifiedBy: state.ModifiedBy,
			CreatedAt:        now,
		})
	}

	if err := w.store.InsertConflicts(ctx, conflicts); err != nil {
		return w.fail(ctx, mod, eris.Wrap(err, "record conflicts"), log)
	}
	if err := w.store.MarkConflict(ctx, mod.ID); err != nil {
		log.Error("mark conflict failed", zap.Error(err))
		return outcomeError
	}

	log.Warn("version conflict detected",
		zap.String("entity_id", mirror.EntityID),
		zap.Int64("base_version", mod.BaseVersion),
		zap.Int64("remote_version", state.Version),
		zap.Int("fields", len(conflicts)),
	)
	return outcomeConflict
}

// fail routes an item failure: transient errors are requeued with doubled
// backoff until MaxAttempts, then escalated to sync_error; everything else
// escalates immediately.
func (w *Worker) fail(ctx context.Context, mod model.Modification, cause error, log *zap.Logger) outcome {
	if resilience.IsTransient(cause) {
		attempts := mod.Attempts + 1
		if attempts < w.cfg.MaxAttempts {
			delay := resilience.Jitter(resilience.Backoff(attempts-1, w.cfg.BackoffBase, w.cfg.MaxBackoff))
			nextRetry := w.nowFunc().UTC().Add(delay)
			if err := w.store.RequeueModification(ctx, mod.ID, attempts, nextRetry, cause.Error()); err != nil {
				log.Error("requeue failed", zap.Error(err))
				return outcomeError
			}
			log.Warn("transient failure, requeued",
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", delay),
				zap.Error(cause),
			)
			return outcomeRequeued
		}
	}

	if err := w.store.MarkSyncError(ctx, mod.ID, cause.Error()); err != nil {
		log.Error("mark sync error failed", zap.Error(err))
		return outcomeError
	}
	log.Error("modification escalated to sync_error", zap.Error(cause))
	if w.escalator != nil {
		w.escalator.SyncErrorEscalated(ctx, mod, cause.Error())
	}
	return outcomeError
}
