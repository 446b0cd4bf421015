// Package scheduler runs named background jobs on fixed intervals. Each
// job is an owned handle: callers create it, can pause or resume it, and
// stop it; there is no package-level registry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is one run of a scheduled job. Errors are logged, not fatal; the
// next tick still fires.
type JobFunc func(ctx context.Context) error

// Job is a periodically running task with its own goroutine and timer.
type Job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	log      *zap.Logger

	mu      sync.Mutex
	enabled bool
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	nowFunc func() time.Time
}

// NewJob creates a job handle without starting it.
func NewJob(name string, interval time.Duration, fn JobFunc) *Job {
	return &Job{
		name:     name,
		interval: interval,
		fn:       fn,
		enabled:  true,
		log:      zap.L().With(zap.String("component", "scheduler"), zap.String("job", name)),
		nowFunc:  time.Now,
	}
}

// Start launches the job loop. The first run happens after one full
// interval, not immediately. Start is a no-op on an already started job.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.nextRun = j.nowFunc().Add(j.interval)
	// The loop gets its done channel by value: Stop nils the struct field
	// before waiting, so the goroutine must not re-read it.
	go j.loop(ctx, j.done)
	j.log.Info("job started", zap.Duration("interval", j.interval))
}

func (j *Job) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			enabled := j.enabled
			j.nextRun = j.nowFunc().Add(j.interval)
			j.mu.Unlock()
			if !enabled {
				continue
			}
			started := j.nowFunc()
			if err := j.fn(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				j.log.Error("job run failed", zap.Error(err))
			} else {
				j.log.Debug("job run complete", zap.Duration("elapsed", j.nowFunc().Sub(started)))
			}
		}
	}
}

// Stop cancels the loop and waits for any in-flight run to return.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	j.log.Info("job stopped")
}

// Enable resumes ticking for a paused job.
func (j *Job) Enable() { j.setEnabled(true) }

// Disable pauses the job; the timer keeps running but ticks are skipped,
// so re-enabling takes effect on the next tick.
func (j *Job) Disable() { j.setEnabled(false) }

func (j *Job) setEnabled(v bool) {
	j.mu.Lock()
	j.enabled = v
	j.mu.Unlock()
}

// Enabled reports whether ticks currently execute the job.
func (j *Job) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// NextRun returns the wall-clock time of the next scheduled tick, or the
// zero time if the job is not started.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done == nil {
		return time.Time{}
	}
	return j.nextRun
}

// Name returns the job's name.
func (j *Job) Name() string { return j.name }
