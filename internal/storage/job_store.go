package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	job_id, user_id, original_prompt, market, total_shards, status,
	report, failure_reason, analysis_triggered, created_at, updated_at, completed_at
`

type jobRow struct {
	JobID             string         `db:"job_id"`
	UserID            string         `db:"user_id"`
	OriginalPrompt    string         `db:"original_prompt"`
	Market            string         `db:"market"`
	TotalShards       sql.NullInt64  `db:"total_shards"`
	Status            string         `db:"status"`
	Report            []byte         `db:"report"`
	FailureReason     sql.NullString `db:"failure_reason"`
	AnalysisTriggered bool           `db:"analysis_triggered"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
}

type shardRow struct {
	ShardIndex int            `db:"shard_index"`
	Status     string         `db:"status"`
	RawData    []byte         `db:"raw_data"`
	Error      sql.NullString `db:"error"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		JobID:             r.JobID,
		UserID:            r.UserID,
		OriginalPrompt:    r.OriginalPrompt,
		Market:            r.Market,
		TotalShards:       int(r.TotalShards.Int64),
		Status:            domain.JobStatus(r.Status),
		FailureReason:     r.FailureReason.String,
		AnalysisTriggered: r.AnalysisTriggered,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Report) > 0 {
		job.Report = json.RawMessage(r.Report)
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job
}

func (r *shardRow) toDomain() domain.Shard {
	shard := domain.Shard{
		Index:     r.ShardIndex,
		Status:    domain.ShardStatus(r.Status),
		Error:     r.Error.String,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.RawData) > 0 {
		shard.RawData = json.RawMessage(r.RawData)
	}
	return shard
}

// JobStore persists jobs and their shards in PostgreSQL. Every mutation of a
// job runs in a transaction holding the job row lock, or as a single
// conditional UPDATE on the job's status.
type JobStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sqlx.DB, logger *slog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob inserts the job row and one row per shard
func (s *JobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	jobQuery := `
		INSERT INTO jobs (
			job_id, user_id, original_prompt, market, total_shards,
			status, analysis_triggered, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	shardQuery := `
		INSERT INTO job_shards (job_id, shard_index, status, updated_at)
		VALUES ($1, $2, $3, $4)
	`

	var totalShards sql.NullInt64
	if job.TotalShards > 0 {
		totalShards = sql.NullInt64{Int64: int64(job.TotalShards), Valid: true}
	}

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, jobQuery,
			job.JobID,
			job.UserID,
			job.OriginalPrompt,
			job.Market,
			totalShards,
			string(job.Status),
			job.AnalysisTriggered,
			job.CreatedAt,
			job.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		for _, shard := range job.Shards {
			if _, err := tx.ExecContext(ctx, shardQuery, job.JobID, shard.Index, string(shard.Status), shard.UpdatedAt); err != nil {
				return fmt.Errorf("failed to insert shard %d: %w", shard.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
		slog.Int("total_shards", job.TotalShards),
	)

	return nil
}

// GetJob loads a job and its shards
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := row.toDomain()
	shards, err := s.loadShards(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	job.Shards = shards

	return job, nil
}

type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *JobStore) loadShards(ctx context.Context, q queryer, jobID string) ([]domain.Shard, error) {
	var rows []shardRow
	query := `
		SELECT shard_index, status, raw_data, error, updated_at
		FROM job_shards
		WHERE job_id = $1
		ORDER BY shard_index
	`
	if err := q.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to load shards: %w", err)
	}

	shards := make([]domain.Shard, len(rows))
	for i := range rows {
		shards[i] = rows[i].toDomain()
	}
	return shards, nil
}

// RecordShardOutcome applies one shard delivery while holding the job row
// lock, so the shard update and the analysis trigger decision commit together.
func (s *JobStore) RecordShardOutcome(ctx context.Context, jobID string, index int, outcome domain.ShardOutcome) (domain.Progress, error) {
	var progress domain.Progress

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row jobRow
		lockQuery := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, lockQuery, jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}

		job := row.toDomain()
		if job.TotalShards == 0 {
			return domain.ErrNotDistributedJob
		}

		shards, err := s.loadShards(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job.Shards = shards

		now := s.now()
		progress, err = job.RecordShardOutcome(index, outcome, now)
		if err != nil {
			return err
		}
		if progress.Duplicate {
			return nil
		}

		shard := job.Shards[index-1]
		var rawData interface{}
		if len(shard.RawData) > 0 {
			rawData = []byte(shard.RawData)
		}
		var shardErr sql.NullString
		if shard.Error != "" {
			shardErr = sql.NullString{String: shard.Error, Valid: true}
		}

		shardQuery := `
			UPDATE job_shards
			SET status = $3, raw_data = $4, error = $5, updated_at = $6
			WHERE job_id = $1 AND shard_index = $2
		`
		if _, err := tx.ExecContext(ctx, shardQuery, jobID, index, string(shard.Status), rawData, shardErr, now); err != nil {
			return fmt.Errorf("failed to update shard: %w", err)
		}

		jobQuery := `
			UPDATE jobs
			SET status = $2, analysis_triggered = $3, updated_at = $4
			WHERE job_id = $1
		`
		if _, err := tx.ExecContext(ctx, jobQuery, jobID, string(job.Status), job.AnalysisTriggered, now); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		return nil
	})
	if err != nil {
		return domain.Progress{}, err
	}

	return progress, nil
}

// TransitionStatus moves a job from one status to another only if it is
// still in the from status. It reports whether this call made the change.
func (s *JobStore) TransitionStatus(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE jobs
		SET status = $3, updated_at = $4
		WHERE job_id = $1 AND status = $2
	`
	result, err := s.db.ExecContext(ctx, query, jobID, string(from), string(to), s.now())
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}

	return s.applied(ctx, result, jobID)
}

// CompleteJob stores the report and moves the job from merging to completed
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, report json.RawMessage) (bool, error) {
	if !domain.ValidReport(report) {
		return false, domain.NewValidationError("report", "completed jobs require a JSON object report")
	}

	now := s.now()
	query := `
		UPDATE jobs
		SET status = $2, report = $3, failure_reason = NULL, completed_at = $4, updated_at = $4
		WHERE job_id = $1 AND status = $5
	`
	result, err := s.db.ExecContext(ctx, query, jobID, string(domain.JobStatusCompleted), []byte(report), now, string(domain.JobStatusMerging))
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	return s.applied(ctx, result, jobID)
}

// FailJob moves a non-terminal job to failed. It reports false when the job
// had already reached a terminal status.
func (s *JobStore) FailJob(ctx context.Context, jobID, reason string) (bool, error) {
	now := s.now()
	query := `
		UPDATE jobs
		SET status = $2, failure_reason = $3, report = NULL, completed_at = $4, updated_at = $4
		WHERE job_id = $1 AND status <> ALL($5)
	`
	terminal := pq.Array([]string{string(domain.JobStatusCompleted), string(domain.JobStatusFailed)})
	result, err := s.db.ExecContext(ctx, query, jobID, string(domain.JobStatusFailed), reason, now, terminal)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}

	return s.applied(ctx, result, jobID)
}

func (s *JobStore) applied(ctx context.Context, result sql.Result, jobID string) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	if !exists {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

// CountCompletedReports counts the user's jobs that finished with a report
func (s *JobStore) CountCompletedReports(ctx context.Context, userID string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE user_id = $1
		  AND status = $2
		  AND jsonb_typeof(report) = 'object'
	`
	if err := s.db.GetContext(ctx, &count, query, userID, string(domain.JobStatusCompleted)); err != nil {
		return 0, fmt.Errorf("failed to count completed reports: %w", err)
	}
	return count, nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	UserID   string
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset pagination position
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns jobs without their shards, newest first. One row more than
// PageSize is fetched so the caller can tell whether another page exists.
func (s *JobStore) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// ListStaleJobs returns jobs in one of statuses whose last update is before cutoff
func (s *JobStore) ListStaleJobs(ctx context.Context, statuses []domain.JobStatus, cutoff time.Time, limit int) ([]*domain.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(names), cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// TouchJob bumps updated_at so the watchdog does not pick the job up again immediately
func (s *JobStore) TouchJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = $2 WHERE job_id = $1`, jobID, s.now()); err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	return nil
}
