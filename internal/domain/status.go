package domain

// JobStatus is the lifecycle state of a report job
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusScraping  JobStatus = "scraping"
	JobStatusScraped   JobStatus = "scraped"
	JobStatusAnalyzing JobStatus = "analyzing"
	JobStatusMerging   JobStatus = "merging"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ShardStatus is the state of a single scraping shard
type ShardStatus string

// Shard status constants
const (
	ShardStatusDispatched ShardStatus = "dispatched"
	ShardStatusSucceeded  ShardStatus = "succeeded"
	ShardStatusFailed     ShardStatus = "failed"
)

// jobTransitions lists the legal forward moves. Failed is reachable from every
// non-terminal state so dispatch errors and the watchdog can end a job early.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusScraping, JobStatusScraped, JobStatusFailed},
	JobStatusScraping:  {JobStatusScraped, JobStatusFailed},
	JobStatusScraped:   {JobStatusAnalyzing, JobStatusFailed},
	JobStatusAnalyzing: {JobStatusMerging, JobStatusFailed},
	JobStatusMerging:   {JobStatusCompleted, JobStatusFailed},
}

// IsValid reports whether s is a known job status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusScraping, JobStatusScraped,
		JobStatusAnalyzing, JobStatusMerging, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsCollecting reports whether the job is still waiting on shard callbacks
func (s JobStatus) IsCollecting() bool {
	return s == JobStatusPending || s == JobStatusScraping
}

// IsMergePhase reports whether the analysis orchestrator owns the job
func (s JobStatus) IsMergePhase() bool {
	return s == JobStatusAnalyzing || s == JobStatusMerging
}

// CanTransition reports whether moving a job from one status to another is legal
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known shard status
func (s ShardStatus) IsValid() bool {
	return s == ShardStatusDispatched || s == ShardStatusSucceeded || s == ShardStatusFailed
}

// IsTerminal reports whether the shard has reported its final outcome
func (s ShardStatus) IsTerminal() bool {
	return s == ShardStatusSucceeded || s == ShardStatusFailed
}
