package ports

import (
	"context"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

// ExtractionIntake is the inbound contract for accepting batch-bound documents.
type ExtractionIntake interface {
	Enqueue(ctx context.Context, input domain.EnqueueInput) (*domain.ExtractionRequest, error)
}

// ExtractionReader is the inbound read model for request and batch state.
type ExtractionReader interface {
	GetRequest(ctx context.Context, id string) (*domain.ExtractionRequest, error)
	GetBatchJob(ctx context.Context, id string) (*domain.BatchJob, error)
	Stats(ctx context.Context) (domain.RequestStats, error)
	// ListRequests and ListBatchJobs page through everything, newest first.
	ListRequests(ctx context.Context, page domain.PageRequest) (domain.Page[domain.RequestSummary], error)
	ListBatchJobs(ctx context.Context, page domain.PageRequest) (domain.Page[domain.BatchJob], error)
}
