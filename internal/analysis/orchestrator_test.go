package analysis

import (
	"context"
	"encoding/json"
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

type stubAnalyzer struct {
	mu          sync.Mutex
	analyzeReqs []Request
	mergeCalls  int
	analyzeErr  error
	mergeErr    error
	report      json.RawMessage
}

func (a *stubAnalyzer) Analyze(_ context.Context, req Request) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyzeReqs = append(a.analyzeReqs, req)
	if a.analyzeErr != nil {
		return nil, a.analyzeErr
	}
	return json.RawMessage(fmt.Sprintf(`{"shards":%d}`, len(req.Shards))), nil
}

func (a *stubAnalyzer) Merge(_ context.Context, _ Request, findings json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mergeCalls++
	if a.mergeErr != nil {
		return nil, a.mergeErr
	}
	if a.report != nil {
		return a.report, nil
	}
	return json.RawMessage(fmt.Sprintf(`{"report":%s}`, findings)), nil
}

// statusLog records every status a job is moved to
type statusLog struct {
	JobStore
	mu    sync.Mutex
	moves []domain.JobStatus
}

func (s *statusLog) TransitionStatus(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error) {
	ok, err := s.JobStore.TransitionStatus(ctx, jobID, from, to)
	if ok {
		s.mu.Lock()
		s.moves = append(s.moves, to)
		s.mu.Unlock()
	}
	return ok, err
}

func scrapedJob(t *testing.T, outcomes []domain.ShardOutcome) *memory.JobStore {
	t.Helper()
	ctx := context.Background()

	store := memory.NewJobStore()
	job := domain.NewJob("job-1", "user-1", "bakeries in da nang", "vn", len(outcomes), time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	for i, o := range outcomes {
		_, err := store.RecordShardOutcome(ctx, "job-1", i+1, o)
		require.NoError(t, err)
	}
	return store
}

func sixOfSeven() []domain.ShardOutcome {
	out := make([]domain.ShardOutcome, 0, 7)
	for i := 1; i <= 6; i++ {
		out = append(out, domain.SucceededOutcome([]byte(fmt.Sprintf(`{"source":%d}`, i))))
	}
	return append(out, domain.FailedOutcome("blocked by robots.txt"))
}

func newTestOrchestrator(store JobStore, analyzer Analyzer, minSucceeded int) *Orchestrator {
	return NewOrchestrator(store, analyzer, minSucceeded, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOrchestrator_Run_PartialFailureCompletes(t *testing.T) {
	store := scrapedJob(t, sixOfSeven())
	logged := &statusLog{JobStore: store}
	analyzer := &stubAnalyzer{}

	require.NoError(t, newTestOrchestrator(logged, analyzer, 1).Run(context.Background(), "job-1"))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"report":{"shards":6}}`, string(job.Report))
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 7, job.CompletedCount())
	assert.Equal(t, []domain.JobStatus{domain.JobStatusAnalyzing, domain.JobStatusMerging}, logged.moves)

	require.Len(t, analyzer.analyzeReqs, 1)
	req := analyzer.analyzeReqs[0]
	assert.Equal(t, "bakeries in da nang", req.Prompt)
	assert.Equal(t, "vn", req.Market)
	require.Len(t, req.Shards, 6)
	for i, s := range req.Shards {
		assert.Equal(t, i+1, s.Index, "only succeeded shards, in order")
	}
}

func TestOrchestrator_Run_AllShardsFailed(t *testing.T) {
	store := scrapedJob(t, []domain.ShardOutcome{
		domain.FailedOutcome("timeout"),
		domain.FailedOutcome("captcha"),
	})
	logged := &statusLog{JobStore: store}
	analyzer := &stubAnalyzer{}

	require.NoError(t, newTestOrchestrator(logged, analyzer, 1).Run(context.Background(), "job-1"))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "all 2 shards failed (shard 1: timeout; shard 2: captcha)", job.FailureReason)
	assert.Empty(t, logged.moves, "never enters analyzing or merging")
	assert.Empty(t, analyzer.analyzeReqs)
}

func TestOrchestrator_Run_BelowThreshold(t *testing.T) {
	store := scrapedJob(t, []domain.ShardOutcome{
		domain.SucceededOutcome([]byte(`{}`)),
		domain.FailedOutcome("timeout"),
		domain.FailedOutcome("timeout"),
	})

	require.NoError(t, newTestOrchestrator(store, &stubAnalyzer{}, 2).Run(context.Background(), "job-1"))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "only 1 of 3 shards succeeded, 2 required", job.FailureReason)
}

func TestOrchestrator_Run_SecondInvocationIsNoOp(t *testing.T) {
	store := scrapedJob(t, sixOfSeven())
	analyzer := &stubAnalyzer{}
	orch := newTestOrchestrator(store, analyzer, 1)

	require.NoError(t, orch.Run(context.Background(), "job-1"))
	require.NoError(t, orch.Run(context.Background(), "job-1"))

	assert.Len(t, analyzer.analyzeReqs, 1)
	assert.Equal(t, 1, analyzer.mergeCalls)
}

func TestOrchestrator_Run_ConcurrentInvocations(t *testing.T) {
	store := scrapedJob(t, sixOfSeven())
	analyzer := &stubAnalyzer{}
	orch := newTestOrchestrator(store, analyzer, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, orch.Run(context.Background(), "job-1"))
		}()
	}
	wg.Wait()

	assert.Len(t, analyzer.analyzeReqs, 1)
	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestOrchestrator_Run_NotYetScraped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, domain.NewJob("job-1", "u", "p", "m", 7, time.Now().UTC())))
	analyzer := &stubAnalyzer{}

	require.NoError(t, newTestOrchestrator(store, analyzer, 1).Run(ctx, "job-1"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Empty(t, analyzer.analyzeReqs)
}

func TestOrchestrator_Run_PhaseErrors(t *testing.T) {
	tests := []struct {
		name       string
		analyzer   *stubAnalyzer
		wantReason string
	}{
		{
			name:       "analysis error",
			analyzer:   &stubAnalyzer{analyzeErr: errors.New("model overloaded")},
			wantReason: "analyzing phase failed: model overloaded",
		},
		{
			name:       "merge error",
			analyzer:   &stubAnalyzer{mergeErr: errors.New("context length exceeded")},
			wantReason: "merging phase failed: context length exceeded",
		},
		{
			name:       "null report",
			analyzer:   &stubAnalyzer{report: json.RawMessage(`null`)},
			wantReason: "merging phase failed: merge produced no report",
		},
		{
			name:       "array report",
			analyzer:   &stubAnalyzer{report: json.RawMessage(`[]`)},
			wantReason: "merging phase failed: merge produced no report",
		},
		{
			name:       "empty string report",
			analyzer:   &stubAnalyzer{report: json.RawMessage(`""`)},
			wantReason: "merging phase failed: merge produced no report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := scrapedJob(t, sixOfSeven())

			require.NoError(t, newTestOrchestrator(store, tt.analyzer, 1).Run(context.Background(), "job-1"))

			job, err := store.GetJob(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, job.Status)
			assert.Equal(t, tt.wantReason, job.FailureReason)
			assert.Nil(t, job.Report)
		})
	}
}

type failingStore struct {
	JobStore
}

func (failingStore) GetJob(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("connection refused")
}

func TestOrchestrator_Run_StorageErrorIsRetryable(t *testing.T) {
	err := newTestOrchestrator(failingStore{}, &stubAnalyzer{}, 1).Run(context.Background(), "job-1")

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	err = newTestOrchestrator(memory.NewJobStore(), &stubAnalyzer{}, 1).Run(context.Background(), "missing")
	assert.NoError(t, err)
}
