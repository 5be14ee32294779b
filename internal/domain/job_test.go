package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func shardData(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"shard":%d,"items":["a","b"]}`, i))
}

func TestNewJob(t *testing.T) {
	job := NewJob("job-1", "user-1", "coffee shops", "berlin", 7, testNow)

	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 7, job.TotalShards)
	require.Len(t, job.Shards, 7)
	for i, s := range job.Shards {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, ShardStatusDispatched, s.Status)
	}
	assert.False(t, job.AnalysisTriggered)
	assert.Equal(t, 0, job.CompletedCount())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobStatusPending, JobStatusScraping, true},
		{JobStatusScraping, JobStatusScraped, true},
		{JobStatusScraped, JobStatusAnalyzing, true},
		{JobStatusAnalyzing, JobStatusMerging, true},
		{JobStatusMerging, JobStatusCompleted, true},
		{JobStatusScraping, JobStatusFailed, true},
		{JobStatusAnalyzing, JobStatusFailed, true},
		{JobStatusMerging, JobStatusFailed, true},
		{JobStatusScraped, JobStatusScraping, false},
		{JobStatusAnalyzing, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusMerging, JobStatusAnalyzing, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRecordShardOutcome_Validation(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		index   int
		outcome ShardOutcome
		wantErr error
	}{
		{"index above range", 7, 9, SucceededOutcome(shardData(9)), ErrValidation},
		{"index zero", 7, 0, SucceededOutcome(shardData(0)), ErrValidation},
		{"negative index", 7, -1, FailedOutcome("boom"), ErrValidation},
		{"empty success payload", 7, 1, SucceededOutcome(nil), ErrValidation},
		{"invalid json payload", 7, 1, SucceededOutcome(json.RawMessage(`{"a":`)), ErrValidation},
		{"failure without reason", 7, 1, FailedOutcome(""), ErrValidation},
		{"job without shard tracking", 0, 1, SucceededOutcome(shardData(1)), ErrNotDistributedJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("job-1", "user-1", "p", "m", tt.total, testNow)
			before := job.Clone()

			_, err := job.RecordShardOutcome(tt.index, tt.outcome, testNow)

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, before, job, "rejected delivery must not mutate the job")
		})
	}
}

func TestRecordShardOutcome_FirstDeliveryStartsScraping(t *testing.T) {
	job := NewJob("job-1", "user-1", "p", "m", 3, testNow)

	p, err := job.RecordShardOutcome(2, SucceededOutcome(shardData(2)), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, p.CompletedCount)
	assert.Equal(t, 3, p.TotalShards)
	assert.False(t, p.AllTerminal)
	assert.False(t, p.ShouldTriggerAnalysis)
	assert.Equal(t, JobStatusScraping, job.Status)
	assert.Equal(t, ShardStatusSucceeded, job.Shards[1].Status)
	assert.JSONEq(t, string(shardData(2)), string(job.Shards[1].RawData))
}

func TestRecordShardOutcome_DuplicateIsNoop(t *testing.T) {
	job := NewJob("job-1", "user-1", "p", "m", 7, testNow)

	first, err := job.RecordShardOutcome(3, SucceededOutcome(shardData(3)), testNow)
	require.NoError(t, err)
	snapshot := job.Clone()

	second, err := job.RecordShardOutcome(3, SucceededOutcome(shardData(3)), testNow.Add(time.Minute))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CompletedCount, second.CompletedCount)
	assert.Equal(t, first.TotalShards, second.TotalShards)
	assert.False(t, second.ShouldTriggerAnalysis)
	assert.Equal(t, snapshot, job)

	// A late failure for a shard that already succeeded is ignored too
	third, err := job.RecordShardOutcome(3, FailedOutcome("timeout"), testNow)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.Equal(t, ShardStatusSucceeded, job.Shards[2].Status)
}

func TestRecordShardOutcome_FailureCountsTowardCompletion(t *testing.T) {
	job := NewJob("job-1", "user-1", "p", "m", 2, testNow)

	_, err := job.RecordShardOutcome(1, FailedOutcome("actor crashed"), testNow)
	require.NoError(t, err)
	p, err := job.RecordShardOutcome(2, FailedOutcome("rate limited"), testNow)
	require.NoError(t, err)

	assert.Equal(t, 2, p.CompletedCount)
	assert.True(t, p.AllTerminal)
	assert.True(t, p.ShouldTriggerAnalysis)
	assert.Equal(t, JobStatusScraped, job.Status)
	assert.True(t, job.AnalysisTriggered)
}

func TestRecordShardOutcome_NoTriggerAfterJobFailed(t *testing.T) {
	job := NewJob("job-1", "user-1", "p", "m", 1, testNow)
	require.NoError(t, job.Fail("watchdog timeout", testNow))

	p, err := job.RecordShardOutcome(1, SucceededOutcome(shardData(1)), testNow)
	require.NoError(t, err)

	assert.True(t, p.AllTerminal)
	assert.False(t, p.ShouldTriggerAnalysis)
	assert.Equal(t, JobStatusFailed, job.Status)
}

// Every ordering of seven deliveries, each delivered twice, must trigger analysis exactly once.
func TestRecordShardOutcome_AllOrderingsTriggerOnce(t *testing.T) {
	const total = 7
	indices := make([]int, total)
	for i := range indices {
		indices[i] = i + 1
	}

	orderings := 0
	permute(indices, func(order []int) {
		orderings++
		job := NewJob("job-perm", "user-1", "p", "m", total, testNow)

		deliveries := append(append([]int{}, order...), order[0], order[total-1], order[total/2])
		triggers := 0
		var last Progress
		for step, idx := range deliveries {
			outcome := SucceededOutcome(shardData(idx))
			if idx == total {
				outcome = FailedOutcome("blocked")
			}
			p, err := job.RecordShardOutcome(idx, outcome, testNow)
			require.NoError(t, err)
			if p.ShouldTriggerAnalysis {
				triggers++
				require.Equal(t, total-1, step, "trigger must come with the last distinct shard")
			}
			last = p
		}

		require.Equal(t, 1, triggers, "order %v", order)
		require.Equal(t, total, last.CompletedCount)
		require.Equal(t, JobStatusScraped, job.Status)

		succeeded, failed := job.PartitionShards()
		require.Len(t, succeeded, total-1)
		require.Len(t, failed, 1)
	})

	assert.Equal(t, 5040, orderings)
}

func TestJob_CompleteAndFail(t *testing.T) {
	t.Run("complete requires merging", func(t *testing.T) {
		job := NewJob("job-1", "user-1", "p", "m", 1, testNow)
		job.Status = JobStatusAnalyzing

		err := job.Complete(json.RawMessage(`{"summary":"ok"}`), testNow)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Nil(t, job.Report)
	})

	t.Run("complete stores report", func(t *testing.T) {
		job := NewJob("job-1", "user-1", "p", "m", 1, testNow)
		job.Status = JobStatusMerging

		require.NoError(t, job.Complete(json.RawMessage(`{"summary":"ok"}`), testNow))
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.True(t, job.HasReport())
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("complete rejects non-object reports", func(t *testing.T) {
		for _, report := range []string{``, `null`, `""`, `[]`, `{broken`} {
			job := NewJob("job-1", "user-1", "p", "m", 1, testNow)
			job.Status = JobStatusMerging

			err := job.Complete(json.RawMessage(report), testNow)
			require.ErrorIs(t, err, ErrValidation, "report %q", report)
			assert.Equal(t, JobStatusMerging, job.Status)
			assert.False(t, job.HasReport())
		}
	})

	t.Run("fail is rejected once terminal", func(t *testing.T) {
		job := NewJob("job-1", "user-1", "p", "m", 1, testNow)
		job.Status = JobStatusMerging
		require.NoError(t, job.Complete(json.RawMessage(`{"summary":"ok"}`), testNow))

		err := job.Fail("late error", testNow)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.Empty(t, job.FailureReason)
	})
}

func TestNewAllShardsFailed(t *testing.T) {
	failure := NewAllShardsFailed([]Shard{
		{Index: 1, Status: ShardStatusFailed, Error: "timeout"},
		{Index: 2, Status: ShardStatusFailed},
	})

	assert.Equal(t, "job failed: all 2 shards failed (shard 1: timeout; shard 2: unknown error)", failure.Error())
}

func TestValidationError_Is(t *testing.T) {
	err := fmt.Errorf("ingest: %w", NewValidationError("shardIndex", "out of range"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrJobNotFound))
	assert.Contains(t, err.Error(), "shardIndex: out of range")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", NewRetryableError(errors.New("db down")))))
	assert.False(t, IsRetryable(errors.New("plain")))
}

// permute calls fn with every permutation of items (Heap's algorithm).
func permute(items []int, fn func([]int)) {
	a := append([]int{}, items...)
	c := make([]int, len(a))
	fn(a)
	for i := 0; i < len(a); {
		if c[i] < i {
			if i%2 == 0 {
				a[0], a[i] = a[i], a[0]
			} else {
				a[c[i]], a[i] = a[i], a[c[i]]
			}
			fn(a)
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
}
