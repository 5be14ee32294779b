package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTotalShards is the number of shards a report is split into unless configured otherwise
const DefaultTotalShards = 7

// Job is one user-initiated report request and its full lifecycle state
type Job struct {
	JobID             string
	UserID            string
	OriginalPrompt    string
	Market            string
	TotalShards       int // 0 means the job was created without shard tracking
	Shards            []Shard
	Status            JobStatus
	Report            json.RawMessage
	FailureReason     string
	AnalysisTriggered bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Shard is one unit of independently dispatched scraping work
type Shard struct {
	Index     int
	Status    ShardStatus
	RawData   json.RawMessage
	Error     string
	UpdatedAt time.Time
}

// ShardOutcome is what a scraping worker reported for its shard: either a
// success payload or a failure reason, never both.
type ShardOutcome struct {
	Succeeded bool
	RawData   json.RawMessage
	Error     string
}

// SucceededOutcome builds a success outcome
func SucceededOutcome(raw json.RawMessage) ShardOutcome {
	return ShardOutcome{Succeeded: true, RawData: raw}
}

// FailedOutcome builds a failure outcome
func FailedOutcome(reason string) ShardOutcome {
	return ShardOutcome{Error: reason}
}

// Validate rejects outcomes that carry no usable payload
func (o ShardOutcome) Validate() error {
	if o.Succeeded {
		if len(o.RawData) == 0 {
			return NewValidationError("data", "success outcome requires a payload")
		}
		if !json.Valid(o.RawData) {
			return NewValidationError("data", "payload is not valid JSON")
		}
		return nil
	}
	if o.Error == "" {
		return NewValidationError("error", "failure outcome requires a reason")
	}
	return nil
}

// Progress is the aggregate view returned after a shard delivery
type Progress struct {
	JobID                 string    `json:"job_id"`
	CompletedCount        int       `json:"completed_count"`
	TotalShards           int       `json:"total_shards"`
	AllTerminal           bool      `json:"all_terminal"`
	ShouldTriggerAnalysis bool      `json:"should_trigger_analysis"`
	Duplicate             bool      `json:"duplicate"`
	Status                JobStatus `json:"status"`
}

// NewJob creates a job in pending status with every shard dispatched
func NewJob(jobID, userID, prompt, market string, totalShards int, now time.Time) *Job {
	shards := make([]Shard, totalShards)
	for i := range shards {
		shards[i] = Shard{
			Index:     i + 1,
			Status:    ShardStatusDispatched,
			UpdatedAt: now,
		}
	}

	return &Job{
		JobID:          jobID,
		UserID:         userID,
		OriginalPrompt: prompt,
		Market:         market,
		TotalShards:    totalShards,
		Shards:         shards,
		Status:         JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ValidateShardIndex checks that index addresses one of the job's shards
func (j *Job) ValidateShardIndex(index int) error {
	if j.TotalShards <= 0 {
		return ErrNotDistributedJob
	}
	if index < 1 || index > j.TotalShards {
		return NewValidationError("shardIndex", fmt.Sprintf("%d is out of range 1..%d", index, j.TotalShards))
	}
	if len(j.Shards) < index || j.Shards[index-1].Index != index {
		return fmt.Errorf("shard %d missing from job %s", index, j.JobID)
	}
	return nil
}

// CompletedCount returns the number of shards in a terminal state
func (j *Job) CompletedCount() int {
	n := 0
	for _, s := range j.Shards {
		if s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// RecordShardOutcome applies one shard delivery to the job. Callers must hold
// the job's record exclusively for the duration of the call and persist both
// the shard and the job fields when it returns without error.
//
// A delivery for a shard that is already terminal leaves the job untouched and
// reports Duplicate. ShouldTriggerAnalysis is true for exactly one delivery per
// job: the one that makes every shard terminal while analysis has not been
// triggered yet.
func (j *Job) RecordShardOutcome(index int, outcome ShardOutcome, now time.Time) (Progress, error) {
	if err := j.ValidateShardIndex(index); err != nil {
		return Progress{}, err
	}
	if err := outcome.Validate(); err != nil {
		return Progress{}, err
	}

	shard := &j.Shards[index-1]
	if shard.Status.IsTerminal() {
		p := j.progress()
		p.Duplicate = true
		return p, nil
	}

	if outcome.Succeeded {
		shard.Status = ShardStatusSucceeded
		shard.RawData = outcome.RawData
		shard.Error = ""
	} else {
		shard.Status = ShardStatusFailed
		shard.RawData = nil
		shard.Error = outcome.Error
	}
	shard.UpdatedAt = now
	j.UpdatedAt = now

	p := j.progress()
	if p.AllTerminal && !j.AnalysisTriggered && j.Status.IsCollecting() {
		j.AnalysisTriggered = true
		j.Status = JobStatusScraped
		p.ShouldTriggerAnalysis = true
	} else if j.Status == JobStatusPending {
		j.Status = JobStatusScraping
	}
	p.Status = j.Status

	return p, nil
}

// Transition moves the job to status to if the state machine allows it
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Complete stores the final report and moves the job from merging to completed
func (j *Job) Complete(report json.RawMessage, now time.Time) error {
	if !ValidReport(report) {
		return NewValidationError("report", "completed jobs require a JSON object report")
	}
	if err := j.Transition(JobStatusCompleted, now); err != nil {
		return err
	}
	j.Report = report
	j.FailureReason = ""
	j.CompletedAt = &now
	return nil
}

// Fail moves a non-terminal job to failed with reason
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.Transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.Report = nil
	j.FailureReason = reason
	j.CompletedAt = &now
	return nil
}

// PartitionShards splits the job's shards by outcome. Shards that never reported are left out.
func (j *Job) PartitionShards() (succeeded, failed []Shard) {
	for _, s := range j.Shards {
		switch s.Status {
		case ShardStatusSucceeded:
			succeeded = append(succeeded, s)
		case ShardStatusFailed:
			failed = append(failed, s)
		}
	}
	return succeeded, failed
}

// HasReport reports whether the job finished with a report
func (j *Job) HasReport() bool {
	return j.Status == JobStatusCompleted && ValidReport(j.Report)
}

// ValidReport reports whether report is a JSON object
func ValidReport(report json.RawMessage) bool {
	trimmed := bytes.TrimSpace(report)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func (j *Job) progress() Progress {
	completed := j.CompletedCount()
	return Progress{
		JobID:          j.JobID,
		CompletedCount: completed,
		TotalShards:    j.TotalShards,
		AllTerminal:    j.TotalShards > 0 && completed == j.TotalShards,
		Status:         j.Status,
	}
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	c := *j
	c.Shards = make([]Shard, len(j.Shards))
	for i, s := range j.Shards {
		s.RawData = cloneRaw(s.RawData)
		c.Shards[i] = s
	}
	c.Report = cloneRaw(j.Report)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
