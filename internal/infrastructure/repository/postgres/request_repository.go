package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

const requestColumns = `id, document_name, document_type, document_bytes, instruction, output_schema, model_id,
	normalized_text, status, result, error_message, batch_job_id, retry_count, callback_url,
	created_at, updated_at, completed_at`

type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) Create(ctx context.Context, req *domain.ExtractionRequest) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO extraction_requests (`+requestColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`,
		req.ID, req.DocumentName, string(req.DocumentType), req.DocumentBytes, req.Instruction, req.OutputSchema, req.ModelID,
		req.NormalizedText, string(req.Status), req.Result, req.ErrorMessage, req.BatchJobID, req.RetryCount, req.CallbackURL,
		req.CreatedAt, req.UpdatedAt, req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert extraction request: %w", err)
	}
	return nil
}

func (r *RequestRepository) GetByID(ctx context.Context, id string) (*domain.ExtractionRequest, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+requestColumns+`
FROM extraction_requests
WHERE id = $1
`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRequestNotFound, "get extraction request", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan extraction request: %w", err)
	}
	return &req, nil
}

func (r *RequestRepository) ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.ExtractionRequest, error) {
	return r.list(ctx, `
SELECT `+requestColumns+`
FROM extraction_requests
WHERE status = $1
ORDER BY created_at ASC
`, string(status))
}

func (r *RequestRepository) ListQueued(ctx context.Context, limit int) ([]domain.ExtractionRequest, error) {
	if limit <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list queued requests", fmt.Errorf("limit must be positive, got %d", limit))
	}
	return r.list(ctx, `
SELECT `+requestColumns+`
FROM extraction_requests
WHERE status = $1
ORDER BY created_at ASC, id ASC
LIMIT $2
`, string(domain.RequestQueued), limit)
}

func (r *RequestRepository) list(ctx context.Context, query string, args ...any) ([]domain.ExtractionRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list extraction requests: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExtractionRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extraction request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction requests: %w", err)
	}
	return out, nil
}

func (r *RequestRepository) CountByStatus(ctx context.Context, status domain.RequestStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extraction_requests WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count extraction requests: %w", err)
	}
	return n, nil
}

func (r *RequestRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extraction_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count extraction requests: %w", err)
	}
	return n, nil
}

// ListSummaries pages through all requests, newest first, without loading the
// document or payload columns.
func (r *RequestRepository) ListSummaries(ctx context.Context, offset, limit int) ([]domain.RequestSummary, error) {
	if offset < 0 || limit <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list extraction requests", fmt.Errorf("offset=%d limit=%d", offset, limit))
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_name, document_type, status, batch_job_id, retry_count, error_message,
	result <> '' AS has_result, created_at, completed_at
FROM extraction_requests
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list extraction requests: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RequestSummary, 0)
	for rows.Next() {
		var item domain.RequestSummary
		var documentType, status string
		if err := rows.Scan(
			&item.ID,
			&item.DocumentName,
			&documentType,
			&status,
			&item.BatchJobID,
			&item.RetryCount,
			&item.ErrorMessage,
			&item.HasResult,
			&item.CreatedAt,
			&item.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan extraction request summary: %w", err)
		}
		item.DocumentType = domain.DocumentType(documentType)
		item.Status = domain.RequestStatus(status)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction requests: %w", err)
	}
	return out, nil
}

// Update overwrites the mutable fields of a request. The document itself and
// the creation time never change.
func (r *RequestRepository) Update(ctx context.Context, req *domain.ExtractionRequest) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE extraction_requests
SET normalized_text = $2, status = $3, result = $4, error_message = $5, batch_job_id = $6,
	retry_count = $7, updated_at = $8, completed_at = $9
WHERE id = $1
`, req.ID, req.NormalizedText, string(req.Status), req.Result, req.ErrorMessage, req.BatchJobID,
		req.RetryCount, now, req.CompletedAt)
	if err != nil {
		return fmt.Errorf("update extraction request: %w", err)
	}
	if err := requireRow(result, domain.ErrRequestNotFound, "update extraction request", req.ID); err != nil {
		return err
	}
	req.UpdatedAt = now
	return nil
}

// UpdateStatus sets the status. Failed also records the message, clears the
// result and batch membership and stamps completion.
func (r *RequestRepository) UpdateStatus(ctx context.Context, id string, status domain.RequestStatus, errMessage string) error {
	now := time.Now().UTC()

	var (
		result sql.Result
		err    error
	)
	if status == domain.RequestFailed {
		result, err = r.db.ExecContext(ctx, `
UPDATE extraction_requests
SET status = $2, error_message = $3, result = '', batch_job_id = '', updated_at = $4, completed_at = $4
WHERE id = $1
`, id, string(status), errMessage, now)
	} else {
		result, err = r.db.ExecContext(ctx, `
UPDATE extraction_requests
SET status = $2, updated_at = $3
WHERE id = $1
`, id, string(status), now)
	}
	if err != nil {
		return fmt.Errorf("update extraction request status: %w", err)
	}
	return requireRow(result, domain.ErrRequestNotFound, "update extraction request status", id)
}

// UpdateResult completes the request with its extraction result.
func (r *RequestRepository) UpdateResult(ctx context.Context, id string, output string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE extraction_requests
SET status = $2, result = $3, error_message = '', batch_job_id = '', updated_at = $4, completed_at = $4
WHERE id = $1
`, id, string(domain.RequestCompleted), output, now)
	if err != nil {
		return fmt.Errorf("update extraction request result: %w", err)
	}
	return requireRow(result, domain.ErrRequestNotFound, "update extraction request result", id)
}

func scanRequest(row rowScanner) (domain.ExtractionRequest, error) {
	var req domain.ExtractionRequest
	var documentType, status string
	err := row.Scan(
		&req.ID,
		&req.DocumentName,
		&documentType,
		&req.DocumentBytes,
		&req.Instruction,
		&req.OutputSchema,
		&req.ModelID,
		&req.NormalizedText,
		&status,
		&req.Result,
		&req.ErrorMessage,
		&req.BatchJobID,
		&req.RetryCount,
		&req.CallbackURL,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
	)
	if err != nil {
		return domain.ExtractionRequest{}, err
	}
	req.DocumentType = domain.DocumentType(documentType)
	req.Status = domain.RequestStatus(status)
	return req, nil
}

func requireRow(result sql.Result, kind error, op, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return domain.WrapError(kind, op, fmt.Errorf("id=%s", id))
	}
	return nil
}
