package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
	"github.com/kirillkom/batch-extractor/internal/core/ports"
)

const abandonedSubmissionMessage = "submission abandoned"

// SubmitReport summarizes one submitter tick.
type SubmitReport struct {
	Converted        int
	ConversionFailed int
	QueueSize        int
	Submitted        int
	BatchJobID       string
	OrphansSwept     int
}

// BatchSubmitter moves requests from pending to queued (conversion) and from
// queued to batch_submitted (grouping and remote submission).
type BatchSubmitter struct {
	requests  ports.RequestStore
	jobs      ports.BatchJobStore
	bulk      ports.BulkInferenceClient
	converter ports.Converter
	settings  BatchSettings
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewBatchSubmitter(
	requests ports.RequestStore,
	jobs ports.BatchJobStore,
	bulk ports.BulkInferenceClient,
	converter ports.Converter,
	settings BatchSettings,
	logger *slog.Logger,
) *BatchSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchSubmitter{
		requests:  requests,
		jobs:      jobs,
		bulk:      bulk,
		converter: converter,
		settings:  settings.Normalized(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Tick runs one submitter cycle: optional orphan sweep, conversion, submission.
func (s *BatchSubmitter) Tick(ctx context.Context) (SubmitReport, error) {
	var report SubmitReport

	if s.settings.OrphanGrace > 0 {
		swept, err := s.SweepOrphans(ctx)
		report.OrphansSwept = swept
		if err != nil {
			s.logger.Warn("orphan_sweep_failed", "error", err)
		}
	}

	converted, failed, err := s.ConvertPending(ctx)
	report.Converted = converted
	report.ConversionFailed = failed
	if err != nil {
		return report, fmt.Errorf("convert pending requests: %w", err)
	}

	queueSize, job, err := s.SubmitQueued(ctx)
	report.QueueSize = queueSize
	if job != nil {
		report.BatchJobID = job.ID
		if job.Status == domain.BatchSubmitted {
			report.Submitted = job.TotalRequests
		}
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

// ConvertPending converts every pending request to text. Each request is
// handled independently; a conversion failure fails only that request.
func (s *BatchSubmitter) ConvertPending(ctx context.Context) (converted, failed int, err error) {
	pending, err := s.requests.ListByStatus(ctx, domain.RequestPending)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending requests: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	s.logger.Info("conversion_started", "pending", len(pending))

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return converted, failed, err
		}
		req := &pending[i]
		if req.Status != domain.RequestPending {
			continue
		}

		if convErr := s.convert(ctx, req); convErr != nil {
			if err := ctx.Err(); err != nil {
				// Interrupted, not a document problem: leave it pending.
				return converted, failed, err
			}
			s.logger.Error("conversion_failed", "request_id", req.ID, "document", req.DocumentName, "error", convErr)
			req.MarkFailed(fmt.Sprintf("failed to convert document to text: %v", convErr), s.now())
			failed++
		} else {
			req.Status = domain.RequestQueued
			converted++
		}

		if err := s.requests.Update(ctx, req); err != nil {
			s.logger.Error("conversion_persist_failed", "request_id", req.ID, "status", req.Status, "error", err)
		}
	}
	return converted, failed, nil
}

func (s *BatchSubmitter) convert(ctx context.Context, req *domain.ExtractionRequest) error {
	text, err := s.converter.Convert(ctx, req.DocumentBytes, req.DocumentName)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return domain.WrapError(domain.ErrUnsupportedDocument, "convert document", errors.New("empty converted text"))
	}
	req.NormalizedText = text
	return nil
}

// SubmitQueued groups up to QueueSizeThreshold queued requests, oldest first,
// into a new batch job and submits it. Any non-empty queue is submitted on a
// tick. If submission fails every request of the attempt is returned to the
// queue and the job record is left in the created state.
func (s *BatchSubmitter) SubmitQueued(ctx context.Context) (int, *domain.BatchJob, error) {
	queueSize, err := s.requests.CountByStatus(ctx, domain.RequestQueued)
	if err != nil {
		return 0, nil, fmt.Errorf("count queued requests: %w", err)
	}
	s.logger.Info("queue_size", "queued", queueSize, "threshold", s.settings.QueueSizeThreshold)
	if queueSize == 0 {
		return 0, nil, nil
	}

	batch, err := s.requests.ListQueued(ctx, s.settings.QueueSizeThreshold)
	if err != nil {
		return queueSize, nil, fmt.Errorf("list queued requests: %w", err)
	}
	if len(batch) == 0 {
		return queueSize, nil, nil
	}

	job := s.newJob(batch)
	if err := s.jobs.Create(ctx, job); err != nil {
		return queueSize, nil, fmt.Errorf("create batch job: %w", err)
	}

	if err := s.attach(ctx, batch, job.ID); err != nil {
		return queueSize, job, s.compensate(ctx, batch, job, err)
	}

	remoteJobID, err := s.bulk.Submit(ctx, batch)
	if err != nil {
		return queueSize, job, s.compensate(ctx, batch, job, fmt.Errorf("bulk submit: %w", err))
	}

	submitted := *job
	submittedAt := s.now()
	submitted.RemoteJobID = remoteJobID
	submitted.Status = domain.BatchSubmitted
	submitted.SubmittedAt = &submittedAt
	if err := s.jobs.Update(ctx, &submitted); err != nil {
		return queueSize, job, s.compensate(ctx, batch, job, fmt.Errorf("record remote job %s: %w", remoteJobID, err))
	}

	s.logger.Info("batch_submitted",
		"batch_job_id", submitted.ID,
		"remote_job_id", remoteJobID,
		"requests", submitted.TotalRequests,
	)
	return queueSize, &submitted, nil
}

func (s *BatchSubmitter) newJob(batch []domain.ExtractionRequest) *domain.BatchJob {
	ids := make([]string, 0, len(batch))
	for _, req := range batch {
		ids = append(ids, req.ID)
	}
	return &domain.BatchJob{
		ID:            s.newID(),
		RequestIDs:    ids,
		Status:        domain.BatchCreated,
		TotalRequests: len(ids),
		CreatedAt:     s.now(),
	}
}

func (s *BatchSubmitter) attach(ctx context.Context, batch []domain.ExtractionRequest, batchJobID string) error {
	for i := range batch {
		batch[i].MarkBatchSubmitted(batchJobID)
		if err := s.requests.Update(ctx, &batch[i]); err != nil {
			return fmt.Errorf("attach request %s: %w", batch[i].ID, err)
		}
	}
	return nil
}

// compensate reverts every request of a failed attempt to queued. It runs
// detached from ctx cancellation so a shutdown cannot strand requests mid-batch.
func (s *BatchSubmitter) compensate(ctx context.Context, batch []domain.ExtractionRequest, job *domain.BatchJob, cause error) error {
	revertCtx := context.WithoutCancel(ctx)
	for i := range batch {
		batch[i].MarkQueued()
		if err := s.requests.Update(revertCtx, &batch[i]); err != nil {
			s.logger.Error("compensation_failed", "request_id", batch[i].ID, "batch_job_id", job.ID, "error", err)
		}
	}
	s.logger.Error("batch_submit_failed", "batch_job_id", job.ID, "requests", len(batch), "error", cause)
	return fmt.Errorf("submit batch %s: %w", job.ID, cause)
}

// SweepOrphans closes created jobs older than the grace period. Members still
// attached to such a job are returned to the queue.
func (s *BatchSubmitter) SweepOrphans(ctx context.Context) (int, error) {
	created, err := s.jobs.ListByStatus(ctx, domain.BatchCreated)
	if err != nil {
		return 0, fmt.Errorf("list created batch jobs: %w", err)
	}

	cutoff := s.now().Add(-s.settings.OrphanGrace)
	swept := 0
	for i := range created {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		job := &created[i]
		if !job.CreatedAt.Before(cutoff) {
			continue
		}

		for _, id := range job.RequestIDs {
			req, err := s.requests.GetByID(ctx, id)
			if err != nil {
				s.logger.Warn("orphan_member_lookup_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
				continue
			}
			if req.Status != domain.RequestBatchSubmitted || req.BatchJobID != job.ID {
				continue
			}
			req.MarkQueued()
			if err := s.requests.Update(ctx, req); err != nil {
				s.logger.Error("orphan_member_requeue_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
			}
		}

		closedAt := s.now()
		job.Status = domain.BatchFailed
		job.ErrorMessage = abandonedSubmissionMessage
		job.CompletedAt = &closedAt
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Error("orphan_close_failed", "batch_job_id", job.ID, "error", err)
			continue
		}
		s.logger.Warn("orphan_batch_closed", "batch_job_id", job.ID, "created_at", job.CreatedAt)
		swept++
	}
	return swept, nil
}
