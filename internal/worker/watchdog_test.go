package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/storage/memory"
	sharedredis "github.com/cuongbtq/shard-reports/shared/redis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRequeuer struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (r *recordingRequeuer) ScheduleAnalysis(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, jobID)
	return nil
}

type watchdogFixture struct {
	store     *memory.JobStore
	requeuer  *recordingRequeuer
	triggered string
	analyzing string
	scraping  string
	completed string
}

// newWatchdogFixture seeds one job per phase the watchdog looks at
func newWatchdogFixture(t *testing.T) *watchdogFixture {
	t.Helper()
	ctx := context.Background()
	f := &watchdogFixture{store: memory.NewJobStore(), requeuer: &recordingRequeuer{}}

	newJob := func(shards int) string {
		job := domain.NewJob(uuid.New().String(), "user-1", "p", "m", shards, time.Now().UTC())
		require.NoError(t, f.store.CreateJob(ctx, job))
		return job.JobID
	}
	succeed := func(jobID string) {
		_, err := f.store.RecordShardOutcome(ctx, jobID, 1, domain.SucceededOutcome([]byte(`{}`)))
		require.NoError(t, err)
	}

	f.triggered = newJob(1)
	succeed(f.triggered)

	f.analyzing = newJob(1)
	succeed(f.analyzing)
	_, err := f.store.TransitionStatus(ctx, f.analyzing, domain.JobStatusScraped, domain.JobStatusAnalyzing)
	require.NoError(t, err)

	f.scraping = newJob(2)
	succeed(f.scraping)

	f.completed = newJob(1)
	succeed(f.completed)
	for _, step := range [][2]domain.JobStatus{
		{domain.JobStatusScraped, domain.JobStatusAnalyzing},
		{domain.JobStatusAnalyzing, domain.JobStatusMerging},
	} {
		_, err := f.store.TransitionStatus(ctx, f.completed, step[0], step[1])
		require.NoError(t, err)
	}
	_, err = f.store.CompleteJob(ctx, f.completed, []byte(`{"ok":true}`))
	require.NoError(t, err)

	return f
}

func (f *watchdogFixture) watchdog(lock Locker, cfg WatchdogConfig) *Watchdog {
	w := NewWatchdog(f.store, f.requeuer, lock, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	later := time.Now().UTC().Add(time.Hour)
	w.now = func() time.Time { return later }
	return w
}

var fullConfig = WatchdogConfig{
	RequeueAfter:    2 * time.Minute,
	AnalysisTimeout: 30 * time.Minute,
	ScrapingTimeout: 45 * time.Minute,
}

func TestWatchdog_Sweep(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t)
	w := f.watchdog(nil, fullConfig)

	result, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Requeued: 1, FailedAnalysis: 1, FailedScraping: 1}, result)
	assert.Equal(t, []string{f.triggered}, f.requeuer.jobs)

	analyzing, err := f.store.GetJob(ctx, f.analyzing)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, analyzing.Status)
	assert.Contains(t, analyzing.FailureReason, "analysis timed out")

	scraping, err := f.store.GetJob(ctx, f.scraping)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, scraping.Status)
	assert.Contains(t, scraping.FailureReason, "scraping timed out")

	triggered, err := f.store.GetJob(ctx, f.triggered)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScraped, triggered.Status)

	completed, err := f.store.GetJob(ctx, f.completed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
}

func TestWatchdog_SweepDisabledSteps(t *testing.T) {
	f := newWatchdogFixture(t)
	w := f.watchdog(nil, WatchdogConfig{AnalysisTimeout: 30 * time.Minute})

	result, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{FailedAnalysis: 1}, result)
	assert.Empty(t, f.requeuer.jobs)

	scraping, err := f.store.GetJob(context.Background(), f.scraping)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScraping, scraping.Status)
}

func TestWatchdog_SweepNotYetStale(t *testing.T) {
	f := newWatchdogFixture(t)
	w := f.watchdog(nil, fullConfig)
	w.now = func() time.Time { return time.Now().UTC() }

	result, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestWatchdog_RequeueErrorDoesNotStopOtherSteps(t *testing.T) {
	f := newWatchdogFixture(t)
	f.requeuer.err = errors.New("broker down")
	w := f.watchdog(nil, fullConfig)

	result, err := w.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 0, result.Requeued)
	assert.Equal(t, 1, result.FailedAnalysis)
	assert.Equal(t, 1, result.FailedScraping)
}

func TestWatchdog_TickRespectsLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newWatchdogFixture(t)
	w := f.watchdog(sharedredis.NewLock(client, "reports:watchdog", time.Minute), fullConfig)

	other := sharedredis.NewLock(client, "reports:watchdog", time.Minute)
	acquired, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	w.tick(ctx)
	assert.Empty(t, f.requeuer.jobs)

	require.NoError(t, other.Unlock(ctx))
	w.tick(ctx)
	assert.Equal(t, []string{f.triggered}, f.requeuer.jobs)

	// released after the sweep
	assert.False(t, mr.Exists("reports:watchdog"))
}

func TestWatchdog_StartRejectsInvalidSchedule(t *testing.T) {
	f := newWatchdogFixture(t)
	w := f.watchdog(nil, WatchdogConfig{Schedule: "not a schedule"})

	assert.Error(t, w.Start(context.Background()))
}

func TestWatchdog_StartStop(t *testing.T) {
	f := newWatchdogFixture(t)
	w := f.watchdog(nil, WatchdogConfig{Schedule: "@every 1h"})

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}
