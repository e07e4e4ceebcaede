package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
	"github.com/kirillkom/batch-extractor/internal/core/ports"
)

const missingOutputMessage = "no output returned for request"

// PollReport summarizes one poller tick.
type PollReport struct {
	Scanned    int
	Skipped    int
	InProgress int
	Errors     int

	JobsCompleted          int
	JobsPartiallyCompleted int
	JobsFailed             int

	RequestsCompleted int
	RequestsFailed    int
	RequestsRequeued  int
}

// BatchPoller resolves in-flight batch jobs and fans results back out to the
// member requests.
type BatchPoller struct {
	requests ports.RequestStore
	jobs     ports.BatchJobStore
	bulk     ports.BulkInferenceClient
	notifier ports.CallbackNotifier
	events   ports.EventPublisher
	settings BatchSettings
	logger   *slog.Logger

	now func() time.Time
}

// NewBatchPoller builds a poller. events may be nil.
func NewBatchPoller(
	requests ports.RequestStore,
	jobs ports.BatchJobStore,
	bulk ports.BulkInferenceClient,
	notifier ports.CallbackNotifier,
	events ports.EventPublisher,
	settings BatchSettings,
	logger *slog.Logger,
) *BatchPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPoller{
		requests: requests,
		jobs:     jobs,
		bulk:     bulk,
		notifier: notifier,
		events:   events,
		settings: settings.Normalized(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tick scans every submitted or processing job once. A failure resolving one
// job is logged and does not stop the scan.
func (p *BatchPoller) Tick(ctx context.Context) (PollReport, error) {
	var report PollReport

	inFlight, err := p.jobs.ListByStatus(ctx, domain.BatchSubmitted, domain.BatchProcessing)
	if err != nil {
		return report, fmt.Errorf("list in-flight batch jobs: %w", err)
	}

	for i := range inFlight {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		job := &inFlight[i]
		report.Scanned++

		if job.RemoteJobID == "" {
			p.logger.Warn("batch_job_missing_remote_id", "batch_job_id", job.ID)
			report.Skipped++
			continue
		}

		if err := p.resolve(ctx, job, &report); err != nil {
			report.Errors++
			p.logger.Error("batch_poll_failed", "batch_job_id", job.ID, "remote_job_id", job.RemoteJobID, "error", err)
		}
	}
	return report, nil
}

func (p *BatchPoller) resolve(ctx context.Context, job *domain.BatchJob, report *PollReport) error {
	status, err := p.bulk.Status(ctx, job.RemoteJobID)
	if err != nil {
		return fmt.Errorf("remote status: %w", err)
	}
	p.logger.Debug("batch_status",
		"batch_job_id", job.ID,
		"remote_status", status.RawStatus,
		"phase", status.Phase,
	)

	switch status.Phase {
	case domain.RemotePhaseCompleted:
		results, err := p.bulk.FetchResults(ctx, job.RemoteJobID)
		if err != nil {
			return fmt.Errorf("fetch results: %w", err)
		}
		return p.handleCompleted(ctx, job, results, report)
	case domain.RemotePhaseFailed:
		return p.handleFailed(ctx, job, status, report)
	case domain.RemotePhaseUnrecognized:
		p.logger.Warn("batch_status_unrecognized", "batch_job_id", job.ID, "remote_status", status.RawStatus)
		return p.handleInProgress(ctx, job, status, report)
	default:
		return p.handleInProgress(ctx, job, status, report)
	}
}

func (p *BatchPoller) handleInProgress(ctx context.Context, job *domain.BatchJob, status domain.RemoteStatus, report *PollReport) error {
	job.Status = domain.BatchProcessing
	if status.CountsReported {
		job.RecordProgress(status.CompletedCount, status.FailedCount)
	}
	if err := p.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	report.InProgress++
	return nil
}

// handleCompleted fans the results out to the members. The job is closed only
// once every member has reached a terminal state; if any member write fails the
// job stays in flight and the next tick redoes the remaining members.
func (p *BatchPoller) handleCompleted(ctx context.Context, job *domain.BatchJob, results domain.RemoteResults, report *PollReport) error {
	p.warnForeignResults(job, results)

	completed, failed, unresolved := 0, 0, 0
	for _, id := range job.RequestIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, fresh, err := p.resolveMember(ctx, job.ID, id, results)
		if err != nil {
			unresolved++
			p.logger.Error("request_resolution_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
			continue
		}
		switch status {
		case domain.RequestCompleted:
			completed++
			if fresh {
				report.RequestsCompleted++
			}
		case domain.RequestFailed:
			failed++
			if fresh {
				report.RequestsFailed++
			}
		}
	}
	if unresolved > 0 {
		return fmt.Errorf("%d of %d requests unresolved, batch job left in flight", unresolved, len(job.RequestIDs))
	}

	job.RecordResolution(completed, failed)
	job.Status = job.ResolvedStatus()
	completedAt := p.now()
	job.CompletedAt = &completedAt
	if err := p.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}

	switch job.Status {
	case domain.BatchCompleted:
		report.JobsCompleted++
	case domain.BatchFailed:
		report.JobsFailed++
	default:
		report.JobsPartiallyCompleted++
	}

	p.logger.Info("batch_completed",
		"batch_job_id", job.ID,
		"status", job.Status,
		"completed", job.CompletedRequests,
		"failed", job.FailedRequests,
	)
	return nil
}

// resolveMember moves one member to its terminal state. A member that is
// already terminal was resolved by an earlier pass over the same job and is
// reported as is with fresh=false. Callback failures never undo a completion.
func (p *BatchPoller) resolveMember(ctx context.Context, batchJobID, id string, results domain.RemoteResults) (domain.RequestStatus, bool, error) {
	req, err := p.requests.GetByID(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("load request: %w", err)
	}
	if req.Status.IsTerminal() {
		return req.Status, false, nil
	}
	if req.BatchJobID != batchJobID {
		p.logger.Warn("batch_member_detached", "batch_job_id", batchJobID, "request_id", id, "status", req.Status)
		return "", false, nil
	}

	if output, ok := results.Results[id]; ok {
		if err := p.requests.UpdateResult(ctx, id, output); err != nil {
			return "", false, fmt.Errorf("store result: %w", err)
		}
		p.publish(ctx, domain.ResolutionEvent{
			RequestID:  id,
			BatchJobID: batchJobID,
			Status:     domain.RequestCompleted,
			RetryCount: req.RetryCount,
		})
		if req.CallbackURL != "" && p.notifier != nil {
			if err := p.notifier.Notify(ctx, req.CallbackURL, id, output); err != nil {
				p.logger.Warn("callback_failed", "request_id", id, "error", err)
			}
		}
		return domain.RequestCompleted, true, nil
	}

	message, ok := results.Errors[id]
	if !ok {
		message = missingOutputMessage
	}
	if err := p.requests.UpdateStatus(ctx, id, domain.RequestFailed, message); err != nil {
		return "", false, fmt.Errorf("store failure: %w", err)
	}
	p.publish(ctx, domain.ResolutionEvent{
		RequestID:  id,
		BatchJobID: batchJobID,
		Status:     domain.RequestFailed,
		RetryCount: req.RetryCount,
		Error:      message,
	})
	return domain.RequestFailed, true, nil
}

// handleFailed applies the job-level failure: members with retry budget left
// go back to the queue, the rest fail permanently. Members already moved out
// of the job are skipped, so a repeated pass never spends retry budget twice.
func (p *BatchPoller) handleFailed(ctx context.Context, job *domain.BatchJob, status domain.RemoteStatus, report *PollReport) error {
	message := "batch " + status.RawStatus
	if status.Message != "" {
		message += ": " + status.Message
	}
	p.logger.Warn("batch_failed", "batch_job_id", job.ID, "remote_status", status.RawStatus, "error", message)

	unresolved := 0
	for _, id := range job.RequestIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := p.requests.GetByID(ctx, id)
		if err != nil {
			unresolved++
			p.logger.Error("request_lookup_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
			continue
		}
		if req.Status.IsTerminal() || req.BatchJobID != job.ID {
			continue
		}

		if req.RetryCount < p.settings.MaxRetryCount {
			req.RetryCount++
			req.MarkQueued()
			if err := p.requests.Update(ctx, req); err != nil {
				unresolved++
				p.logger.Error("request_requeue_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
				continue
			}
			report.RequestsRequeued++
			p.logger.Info("request_requeued", "request_id", id, "attempt", req.RetryCount)
			p.publish(ctx, domain.ResolutionEvent{
				RequestID:  id,
				BatchJobID: job.ID,
				Status:     domain.RequestQueued,
				RetryCount: req.RetryCount,
			})
			continue
		}

		if err := p.requests.UpdateStatus(ctx, id, domain.RequestFailed, message); err != nil {
			unresolved++
			p.logger.Error("request_failure_persist_failed", "batch_job_id", job.ID, "request_id", id, "error", err)
			continue
		}
		report.RequestsFailed++
		p.publish(ctx, domain.ResolutionEvent{
			RequestID:  id,
			BatchJobID: job.ID,
			Status:     domain.RequestFailed,
			RetryCount: req.RetryCount,
			Error:      message,
		})
	}
	if unresolved > 0 {
		return fmt.Errorf("%d of %d requests unresolved, batch job left in flight", unresolved, len(job.RequestIDs))
	}

	completedAt := p.now()
	job.Status = domain.BatchFailed
	job.ErrorMessage = message
	job.CompletedAt = &completedAt
	if err := p.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	report.JobsFailed++
	return nil
}

func (p *BatchPoller) warnForeignResults(job *domain.BatchJob, results domain.RemoteResults) {
	members := make(map[string]struct{}, len(job.RequestIDs))
	for _, id := range job.RequestIDs {
		members[id] = struct{}{}
	}
	for id := range results.Results {
		if _, ok := members[id]; !ok {
			p.logger.Warn("batch_result_unknown_request", "batch_job_id", job.ID, "request_id", id)
		}
	}
	for id := range results.Errors {
		if _, ok := members[id]; !ok {
			p.logger.Warn("batch_error_unknown_request", "batch_job_id", job.ID, "request_id", id)
		}
	}
}

func (p *BatchPoller) publish(ctx context.Context, event domain.ResolutionEvent) {
	if p.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	if err := p.events.PublishRequestResolved(ctx, event); err != nil {
		p.logger.Warn("resolution_event_publish_failed", "request_id", event.RequestID, "status", event.Status, "error", err)
	}
}
