package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (s *recordingScheduler) ScheduleAnalysis(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobID)
	return s.err
}

func (s *recordingScheduler) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

func newTestController(t *testing.T, totalShards int) (*Controller, *memory.JobStore, *recordingScheduler) {
	t.Helper()

	store := memory.NewJobStore()
	job := domain.NewJob("job-1", "user-1", "coffee shops in hanoi", "vn", totalShards, time.Now().UTC())
	require.NoError(t, store.CreateJob(context.Background(), job))

	scheduler := &recordingScheduler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(store, scheduler, logger), store, scheduler
}

func success(i int) domain.ShardOutcome {
	return domain.SucceededOutcome([]byte(fmt.Sprintf(`{"shard":%d}`, i)))
}

func TestController_Ingest_SixSucceedOneFails(t *testing.T) {
	ctrl, store, scheduler := newTestController(t, 7)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		p, err := ctrl.Ingest(ctx, "job-1", i, success(i))
		require.NoError(t, err)
		assert.Equal(t, i, p.CompletedCount)
		assert.False(t, p.ShouldTriggerAnalysis)
	}
	assert.Empty(t, scheduler.calls())

	p, err := ctrl.Ingest(ctx, "job-1", 7, domain.FailedOutcome("captcha"))
	require.NoError(t, err)

	assert.Equal(t, 7, p.CompletedCount)
	assert.True(t, p.AllTerminal)
	assert.True(t, p.ShouldTriggerAnalysis)
	assert.Equal(t, []string{"job-1"}, scheduler.calls())

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScraped, job.Status)
	assert.True(t, job.AnalysisTriggered)
}

func TestController_Ingest_DuplicateIsNoOp(t *testing.T) {
	ctrl, _, scheduler := newTestController(t, 2)
	ctx := context.Background()

	first, err := ctrl.Ingest(ctx, "job-1", 1, success(1))
	require.NoError(t, err)

	second, err := ctrl.Ingest(ctx, "job-1", 1, success(1))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CompletedCount, second.CompletedCount)
	assert.Equal(t, first.TotalShards, second.TotalShards)

	_, err = ctrl.Ingest(ctx, "job-1", 2, success(2))
	require.NoError(t, err)
	again, err := ctrl.Ingest(ctx, "job-1", 2, domain.FailedOutcome("late retry"))
	require.NoError(t, err)

	assert.False(t, again.ShouldTriggerAnalysis)
	assert.Len(t, scheduler.calls(), 1)
}

func TestController_Ingest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		jobID   string
		index   int
		outcome domain.ShardOutcome
		wantErr error
	}{
		{name: "index above total", jobID: "job-1", index: 9, outcome: success(9), wantErr: domain.ErrValidation},
		{name: "index zero", jobID: "job-1", index: 0, outcome: success(0), wantErr: domain.ErrValidation},
		{name: "empty job id", jobID: " ", index: 1, outcome: success(1), wantErr: domain.ErrValidation},
		{name: "unknown job", jobID: "job-404", index: 1, outcome: success(1), wantErr: domain.ErrJobNotFound},
		{name: "failure without reason", jobID: "job-1", index: 1, outcome: domain.ShardOutcome{}, wantErr: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, store, scheduler := newTestController(t, 7)

			_, err := ctrl.Ingest(context.Background(), tt.jobID, tt.index, tt.outcome)
			assert.ErrorIs(t, err, tt.wantErr)

			job, getErr := store.GetJob(context.Background(), "job-1")
			require.NoError(t, getErr)
			assert.Equal(t, domain.JobStatusPending, job.Status)
			assert.Equal(t, 0, job.CompletedCount())
			assert.Empty(t, scheduler.calls())
		})
	}
}

func TestController_Ingest_ConcurrentLastTwoDeliveries(t *testing.T) {
	for run := 0; run < 50; run++ {
		ctrl, _, scheduler := newTestController(t, 7)
		ctx := context.Background()

		for i := 1; i <= 5; i++ {
			_, err := ctrl.Ingest(ctx, "job-1", i, success(i))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, idx := range []int{6, 7} {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				<-start
				if _, err := ctrl.Ingest(ctx, "job-1", idx, success(idx)); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}(idx)
		}
		close(start)
		wg.Wait()

		require.Len(t, scheduler.calls(), 1, "run %d", run)
	}
}

func TestController_Ingest_SchedulerFailureKeepsProgress(t *testing.T) {
	ctrl, store, scheduler := newTestController(t, 1)
	scheduler.err = errors.New("broker unavailable")

	p, err := ctrl.Ingest(context.Background(), "job-1", 1, success(1))
	require.NoError(t, err)
	assert.True(t, p.ShouldTriggerAnalysis)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScraped, job.Status)
	assert.True(t, job.AnalysisTriggered)
}

func TestController_FailJob(t *testing.T) {
	ctrl, store, _ := newTestController(t, 7)
	ctx := context.Background()

	require.NoError(t, ctrl.FailJob(ctx, "job-1", "callback with unparsable shard index"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "callback with unparsable shard index", job.FailureReason)

	// terminal jobs stay as they are
	require.NoError(t, ctrl.FailJob(ctx, "job-1", "second failure"))
	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "callback with unparsable shard index", job.FailureReason)

	assert.ErrorIs(t, ctrl.FailJob(ctx, "job-404", "x"), domain.ErrJobNotFound)
	assert.ErrorIs(t, ctrl.FailJob(ctx, "", "x"), domain.ErrValidation)
}
