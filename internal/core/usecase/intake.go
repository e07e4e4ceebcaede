package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
	"github.com/kirillkom/batch-extractor/internal/core/ports"
)

const defaultMaxDocumentBytes = 20 << 20

// IntakeUseCase accepts batch-bound extraction requests and serves their state.
type IntakeUseCase struct {
	requests         ports.RequestStore
	jobs             ports.BatchJobStore
	maxDocumentBytes int
	logger           *slog.Logger
}

func NewIntakeUseCase(requests ports.RequestStore, jobs ports.BatchJobStore, maxDocumentBytes int, logger *slog.Logger) *IntakeUseCase {
	if maxDocumentBytes <= 0 {
		maxDocumentBytes = defaultMaxDocumentBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeUseCase{
		requests:         requests,
		jobs:             jobs,
		maxDocumentBytes: maxDocumentBytes,
		logger:           logger,
	}
}

// Enqueue stores a new request in the pending state. Conversion and batching
// happen later on the submitter's schedule.
func (uc *IntakeUseCase) Enqueue(ctx context.Context, input domain.EnqueueInput) (*domain.ExtractionRequest, error) {
	if err := uc.validate(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &domain.ExtractionRequest{
		ID:            uuid.NewString(),
		DocumentBytes: input.DocumentBytes,
		DocumentName:  strings.TrimSpace(input.DocumentName),
		DocumentType:  domain.DetectDocumentType(input.DocumentName),
		Instruction:   strings.TrimSpace(input.Instruction),
		OutputSchema:  input.OutputSchema,
		ModelID:       strings.TrimSpace(input.ModelID),
		Status:        domain.RequestPending,
		CallbackURL:   strings.TrimSpace(input.CallbackURL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := uc.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create extraction request: %w", err)
	}

	uc.logger.Info("request_enqueued",
		"request_id", req.ID,
		"document", req.DocumentName,
		"document_type", req.DocumentType,
		"bytes", len(req.DocumentBytes),
	)
	return req, nil
}

func (uc *IntakeUseCase) validate(input domain.EnqueueInput) error {
	if len(input.DocumentBytes) == 0 {
		return invalidInput(errors.New("document is required"))
	}
	if len(input.DocumentBytes) > uc.maxDocumentBytes {
		return invalidInput(fmt.Errorf("document exceeds %d bytes", uc.maxDocumentBytes))
	}
	if strings.TrimSpace(input.DocumentName) == "" {
		return invalidInput(errors.New("document name is required"))
	}
	if strings.TrimSpace(input.Instruction) == "" {
		return invalidInput(errors.New("instruction is required"))
	}
	if strings.TrimSpace(input.OutputSchema) == "" {
		return invalidInput(errors.New("output schema is required"))
	}
	if err := compileOutputSchema(input.OutputSchema); err != nil {
		return invalidInput(fmt.Errorf("output schema: %w", err))
	}
	if callback := strings.TrimSpace(input.CallbackURL); callback != "" {
		parsed, err := url.Parse(callback)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return invalidInput(fmt.Errorf("callback url must be an absolute http(s) url: %q", callback))
		}
	}
	return nil
}

const outputSchemaURL = "mem:///output_schema.json"

// compileOutputSchema checks that schema is a valid JSON Schema. References
// may only point inside the document itself.
func compileOutputSchema(schema string) error {
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(s string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("external $ref %q not allowed", s)
	}
	if err := compiler.AddResource(outputSchemaURL, strings.NewReader(schema)); err != nil {
		return err
	}
	_, err := compiler.Compile(outputSchemaURL)
	return err
}

func (uc *IntakeUseCase) GetRequest(ctx context.Context, id string) (*domain.ExtractionRequest, error) {
	return uc.requests.GetByID(ctx, id)
}

func (uc *IntakeUseCase) GetBatchJob(ctx context.Context, id string) (*domain.BatchJob, error) {
	return uc.jobs.GetByID(ctx, id)
}

// Stats counts requests per status and batch jobs overall.
func (uc *IntakeUseCase) Stats(ctx context.Context) (domain.RequestStats, error) {
	stats := domain.RequestStats{ByStatus: make(map[domain.RequestStatus]int, len(domain.AllRequestStatuses))}
	for _, status := range domain.AllRequestStatuses {
		n, err := uc.requests.CountByStatus(ctx, status)
		if err != nil {
			return domain.RequestStats{}, fmt.Errorf("count %s requests: %w", status, err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	batches, err := uc.jobs.Count(ctx)
	if err != nil {
		return domain.RequestStats{}, fmt.Errorf("count batch jobs: %w", err)
	}
	stats.TotalBatches = batches
	return stats, nil
}

// ListRequests returns one newest-first page of request summaries.
func (uc *IntakeUseCase) ListRequests(ctx context.Context, page domain.PageRequest) (domain.Page[domain.RequestSummary], error) {
	page = page.Normalized()
	total, err := uc.requests.Count(ctx)
	if err != nil {
		return domain.Page[domain.RequestSummary]{}, fmt.Errorf("count requests: %w", err)
	}
	items, err := uc.requests.ListSummaries(ctx, page.Skip, page.Take)
	if err != nil {
		return domain.Page[domain.RequestSummary]{}, fmt.Errorf("list requests: %w", err)
	}
	return domain.Page[domain.RequestSummary]{Items: items, Total: total, Skip: page.Skip, Take: page.Take}, nil
}

// ListBatchJobs returns one newest-first page of batch jobs.
func (uc *IntakeUseCase) ListBatchJobs(ctx context.Context, page domain.PageRequest) (domain.Page[domain.BatchJob], error) {
	page = page.Normalized()
	total, err := uc.jobs.Count(ctx)
	if err != nil {
		return domain.Page[domain.BatchJob]{}, fmt.Errorf("count batch jobs: %w", err)
	}
	items, err := uc.jobs.List(ctx, page.Skip, page.Take)
	if err != nil {
		return domain.Page[domain.BatchJob]{}, fmt.Errorf("list batch jobs: %w", err)
	}
	return domain.Page[domain.BatchJob]{Items: items, Total: total, Skip: page.Skip, Take: page.Take}, nil
}

func invalidInput(err error) error {
	return domain.WrapError(domain.ErrInvalidInput, "enqueue extraction", err)
}
