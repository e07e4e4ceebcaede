package domain

import "time"

type BatchJobStatus string

const (
	BatchCreated            BatchJobStatus = "created"
	BatchSubmitted          BatchJobStatus = "submitted"
	BatchProcessing         BatchJobStatus = "processing"
	BatchCompleted          BatchJobStatus = "completed"
	BatchFailed             BatchJobStatus = "failed"
	BatchPartiallyCompleted BatchJobStatus = "partially_completed"
)

// BatchJob groups requests submitted together to the bulk inference service.
// RequestIDs is fixed at creation; the record is never deleted.
type BatchJob struct {
	ID                string         `json:"id"`
	RemoteJobID       string         `json:"remote_job_id,omitempty"`
	RequestIDs        []string       `json:"request_ids"`
	Status            BatchJobStatus `json:"status"`
	TotalRequests     int            `json:"total_requests"`
	CompletedRequests int            `json:"completed_requests"`
	FailedRequests    int            `json:"failed_requests"`
	ErrorMessage      string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	SubmittedAt       *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// InFlight reports whether the poller still owns the job.
func (j *BatchJob) InFlight() bool {
	return j.Status == BatchSubmitted || j.Status == BatchProcessing
}

// RecordProgress raises the counters to the given values. Counters never
// decrease and completed+failed never exceeds the total; completed wins when
// both cannot fit.
func (j *BatchJob) RecordProgress(completed, failed int) {
	if completed > j.CompletedRequests {
		j.CompletedRequests = completed
	}
	if failed > j.FailedRequests {
		j.FailedRequests = failed
	}
	if j.CompletedRequests > j.TotalRequests {
		j.CompletedRequests = j.TotalRequests
	}
	if j.CompletedRequests+j.FailedRequests > j.TotalRequests {
		j.FailedRequests = j.TotalRequests - j.CompletedRequests
	}
}

// RecordResolution sets the counters from the members resolved locally once
// the remote job has finished. Failures win the clamp against the total.
func (j *BatchJob) RecordResolution(completed, failed int) {
	failed = min(max(failed, 0), j.TotalRequests)
	completed = min(max(completed, 0), j.TotalRequests-failed)
	j.CompletedRequests = completed
	j.FailedRequests = failed
}

// ResolvedStatus derives the terminal status from the counters.
func (j *BatchJob) ResolvedStatus() BatchJobStatus {
	switch {
	case j.FailedRequests == 0:
		return BatchCompleted
	case j.CompletedRequests == 0:
		return BatchFailed
	default:
		return BatchPartiallyCompleted
	}
}

// RemotePhase is the bulk inference job state translated into this system's
// vocabulary.
type RemotePhase string

const (
	RemotePhaseInProgress   RemotePhase = "in_progress"
	RemotePhaseCompleted    RemotePhase = "completed"
	RemotePhaseFailed       RemotePhase = "failed"
	RemotePhaseUnrecognized RemotePhase = "unrecognized"
)

// RemoteStatus is a point-in-time view of a remote bulk job.
type RemoteStatus struct {
	Phase          RemotePhase
	RawStatus      string
	CountsReported bool
	TotalCount     int
	CompletedCount int
	FailedCount    int
	Message        string
}

// RemoteResults holds per-request outputs keyed by request id.
type RemoteResults struct {
	Results  map[string]string
	Errors   map[string]string
	Terminal bool
}

// ResolutionEvent is published whenever the poller moves a request out of a batch.
type ResolutionEvent struct {
	RequestID  string        `json:"request_id"`
	BatchJobID string        `json:"batch_job_id"`
	Status     RequestStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
