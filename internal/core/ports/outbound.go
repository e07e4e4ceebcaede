package ports

import (
	"context"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

// RequestStore persists extraction requests. Every write is scoped to a single
// request keyed by id.
type RequestStore interface {
	Create(ctx context.Context, req *domain.ExtractionRequest) error
	GetByID(ctx context.Context, id string) (*domain.ExtractionRequest, error)
	ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.ExtractionRequest, error)
	// ListQueued returns up to limit queued requests, oldest first.
	ListQueued(ctx context.Context, limit int) ([]domain.ExtractionRequest, error)
	CountByStatus(ctx context.Context, status domain.RequestStatus) (int, error)
	// ListSummaries returns up to limit requests after offset, newest first.
	ListSummaries(ctx context.Context, offset, limit int) ([]domain.RequestSummary, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, req *domain.ExtractionRequest) error
	// UpdateStatus sets the status; a failed status also records errMessage,
	// clears result and batch membership and stamps completion.
	UpdateStatus(ctx context.Context, id string, status domain.RequestStatus, errMessage string) error
	// UpdateResult completes the request with the given result.
	UpdateResult(ctx context.Context, id string, result string) error
}

// BatchJobStore persists batch job audit records.
type BatchJobStore interface {
	Create(ctx context.Context, job *domain.BatchJob) error
	GetByID(ctx context.Context, id string) (*domain.BatchJob, error)
	GetByRemoteID(ctx context.Context, remoteJobID string) (*domain.BatchJob, error)
	ListByStatus(ctx context.Context, statuses ...domain.BatchJobStatus) ([]domain.BatchJob, error)
	// List returns up to limit jobs after offset, newest first.
	List(ctx context.Context, offset, limit int) ([]domain.BatchJob, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, job *domain.BatchJob) error
}

// BulkInferenceClient talks to the external batch API.
type BulkInferenceClient interface {
	Submit(ctx context.Context, requests []domain.ExtractionRequest) (string, error)
	Status(ctx context.Context, remoteJobID string) (domain.RemoteStatus, error)
	FetchResults(ctx context.Context, remoteJobID string) (domain.RemoteResults, error)
}

// Converter turns raw document bytes into normalized text.
type Converter interface {
	Convert(ctx context.Context, content []byte, name string) (string, error)
}

// CallbackNotifier delivers a best-effort completion notification. Callers log
// the returned error and drop it.
type CallbackNotifier interface {
	Notify(ctx context.Context, url, requestID, result string) error
}

// EventPublisher announces request resolutions to downstream consumers.
type EventPublisher interface {
	PublishRequestResolved(ctx context.Context, event domain.ResolutionEvent) error
}
