package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

const batchJobColumns = `id, remote_job_id, request_ids, status, total_requests, completed_requests,
	failed_requests, error_message, created_at, submitted_at, completed_at`

type BatchJobRepository struct {
	db *sql.DB
}

func NewBatchJobRepository(db *sql.DB) *BatchJobRepository {
	return &BatchJobRepository{db: db}
}

func (r *BatchJobRepository) Create(ctx context.Context, job *domain.BatchJob) error {
	idsJSON, err := json.Marshal(job.RequestIDs)
	if err != nil {
		return fmt.Errorf("marshal request ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO batch_jobs (`+batchJobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`,
		job.ID, job.RemoteJobID, idsJSON, string(job.Status), job.TotalRequests, job.CompletedRequests,
		job.FailedRequests, job.ErrorMessage, job.CreatedAt, job.SubmittedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

func (r *BatchJobRepository) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	return r.getOne(ctx, "id", id)
}

func (r *BatchJobRepository) GetByRemoteID(ctx context.Context, remoteJobID string) (*domain.BatchJob, error) {
	return r.getOne(ctx, "remote_job_id", remoteJobID)
}

func (r *BatchJobRepository) getOne(ctx context.Context, column, value string) (*domain.BatchJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+batchJobColumns+`
FROM batch_jobs
WHERE `+column+` = $1
LIMIT 1
`, value)

	job, err := scanBatchJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrBatchJobNotFound, "get batch job", fmt.Errorf("%s=%s", column, value))
		}
		return nil, fmt.Errorf("scan batch job: %w", err)
	}
	return &job, nil
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
func (r *BatchJobRepository) ListByStatus(ctx context.Context, statuses ...domain.BatchJobStatus) ([]domain.BatchJob, error) {
	if len(statuses) == 0 {
		return []domain.BatchJob{}, nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}

	return r.list(ctx, `
SELECT `+batchJobColumns+`
FROM batch_jobs
WHERE status IN (`+placeholders(1, len(args))+`)
ORDER BY created_at ASC
`, args...)
}

// List pages through all jobs, newest first.
func (r *BatchJobRepository) List(ctx context.Context, offset, limit int) ([]domain.BatchJob, error) {
	if offset < 0 || limit <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list batch jobs", fmt.Errorf("offset=%d limit=%d", offset, limit))
	}
	return r.list(ctx, `
SELECT `+batchJobColumns+`
FROM batch_jobs
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
}

func (r *BatchJobRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batch jobs: %w", err)
	}
	return n, nil
}

func (r *BatchJobRepository) list(ctx context.Context, query string, args ...any) ([]domain.BatchJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BatchJob, 0)
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch jobs: %w", err)
	}
	return out, nil
}

// Update persists the mutable fields. Membership is fixed at creation.
func (r *BatchJobRepository) Update(ctx context.Context, job *domain.BatchJob) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE batch_jobs
SET remote_job_id = $2, status = $3, completed_requests = $4, failed_requests = $5,
	error_message = $6, submitted_at = $7, completed_at = $8
WHERE id = $1
`, job.ID, job.RemoteJobID, string(job.Status), job.CompletedRequests, job.FailedRequests,
		job.ErrorMessage, job.SubmittedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	return requireRow(result, domain.ErrBatchJobNotFound, "update batch job", job.ID)
}

func scanBatchJob(row rowScanner) (domain.BatchJob, error) {
	var job domain.BatchJob
	var idsRaw []byte
	var status string
	err := row.Scan(
		&job.ID,
		&job.RemoteJobID,
		&idsRaw,
		&status,
		&job.TotalRequests,
		&job.CompletedRequests,
		&job.FailedRequests,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.SubmittedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if err := json.Unmarshal(idsRaw, &job.RequestIDs); err != nil {
		return domain.BatchJob{}, fmt.Errorf("unmarshal request ids: %w", err)
	}
	job.Status = domain.BatchJobStatus(status)
	return job, nil
}
