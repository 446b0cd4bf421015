package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJob_RunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	job := NewJob("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestJob_StopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	job := NewJob("slow", 5*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	job.Start(context.Background())
	<-started
	job.Stop()
	// Stop returns only after the in-flight run finished.
	assert.True(t, finished.Load())
}

func TestJob_DisableSkipsTicks(t *testing.T) {
	var runs atomic.Int64
	job := NewJob("pausable", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	job.Disable()
	assert.False(t, job.Enabled())

	job.Start(context.Background())
	defer job.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())

	job.Enable()
	waitFor(t, func() bool { return runs.Load() >= 1 })
}

func TestJob_ErrorDoesNotStopLoop(t *testing.T) {
	var runs atomic.Int64
	job := NewJob("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return assert.AnError
	})

	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, func() bool { return runs.Load() >= 2 })
}

func TestJob_NextRun(t *testing.T) {
	job := NewJob("idle", time.Hour, func(ctx context.Context) error { return nil })
	assert.True(t, job.NextRun().IsZero())

	job.Start(context.Background())
	defer job.Stop()

	next := job.NextRun()
	require.False(t, next.IsZero())
	assert.True(t, next.After(time.Now().Add(50*time.Minute)))
}

func TestJob_StartIsIdempotent(t *testing.T) {
	job := NewJob("once", time.Hour, func(ctx context.Context) error { return nil })
	ctx := context.Background()
	job.Start(ctx)
	job.Start(ctx) // no-op
	job.Stop()
	job.Stop() // no-op
}

func TestJob_ImmediateStopAfterStart(t *testing.T) {
	// Stop right after Start, before the loop goroutine has run: the loop
	// must close the channel Stop is waiting on, not the nilled field.
	for i := 0; i < 50; i++ {
		job := NewJob("brief", time.Hour, func(ctx context.Context) error { return nil })
		job.Start(context.Background())
		job.Stop()
	}
}

func TestJob_StopOnUnstarted(t *testing.T) {
	job := NewJob("never", time.Hour, func(ctx context.Context) error { return nil })
	job.Stop() // must not block or panic
	assert.Equal(t, "never", job.Name())
}
