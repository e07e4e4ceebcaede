package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

var errFake = errors.New("fake failure")

type requestStoreFake struct {
	mu        sync.Mutex
	items     map[string]domain.ExtractionRequest
	updateErr func(req *domain.ExtractionRequest) error
	// writeErr, when set, can fail UpdateResult and UpdateStatus per request id.
	writeErr  func(id string) error
	listErr   error
	countErr  error
	updates   int
}

func newRequestStoreFake(reqs ...domain.ExtractionRequest) *requestStoreFake {
	f := &requestStoreFake{items: make(map[string]domain.ExtractionRequest)}
	for _, req := range reqs {
		f.items[req.ID] = req
	}
	return f
}

func (f *requestStoreFake) Create(_ context.Context, req *domain.ExtractionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[req.ID]; ok {
		return fmt.Errorf("duplicate request %s", req.ID)
	}
	f.items[req.ID] = *req
	return nil
}

func (f *requestStoreFake) GetByID(_ context.Context, id string) (*domain.ExtractionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.items[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrRequestNotFound, "get request", fmt.Errorf("id=%s", id))
	}
	return &req, nil
}

func (f *requestStoreFake) ListByStatus(_ context.Context, status domain.RequestStatus) ([]domain.ExtractionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sortedLocked(status, 0), nil
}

func (f *requestStoreFake) ListQueued(_ context.Context, limit int) ([]domain.ExtractionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sortedLocked(domain.RequestQueued, limit), nil
}

func (f *requestStoreFake) sortedLocked(status domain.RequestStatus, limit int) []domain.ExtractionRequest {
	out := make([]domain.ExtractionRequest, 0)
	for _, req := range f.items {
		if req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *requestStoreFake) CountByStatus(_ context.Context, status domain.RequestStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := 0
	for _, req := range f.items {
		if req.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *requestStoreFake) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.items), nil
}

func (f *requestStoreFake) ListSummaries(_ context.Context, offset, limit int) ([]domain.RequestSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := make([]domain.ExtractionRequest, 0, len(f.items))
	for _, req := range f.items {
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	out := make([]domain.RequestSummary, 0)
	for _, req := range window(all, offset, limit) {
		out = append(out, domain.RequestSummary{
			ID:           req.ID,
			DocumentName: req.DocumentName,
			DocumentType: req.DocumentType,
			Status:       req.Status,
			BatchJobID:   req.BatchJobID,
			RetryCount:   req.RetryCount,
			ErrorMessage: req.ErrorMessage,
			HasResult:    req.Result != "",
			CreatedAt:    req.CreatedAt,
			CompletedAt:  req.CompletedAt,
		})
	}
	return out, nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	return items[offset:min(len(items), offset+limit)]
}

func (f *requestStoreFake) Update(_ context.Context, req *domain.ExtractionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		if err := f.updateErr(req); err != nil {
			return err
		}
	}
	if _, ok := f.items[req.ID]; !ok {
		return domain.WrapError(domain.ErrRequestNotFound, "update request", fmt.Errorf("id=%s", req.ID))
	}
	f.updates++
	stored := *req
	stored.UpdatedAt = time.Now().UTC()
	f.items[req.ID] = stored
	return nil
}

func (f *requestStoreFake) UpdateStatus(_ context.Context, id string, status domain.RequestStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		if err := f.writeErr(id); err != nil {
			return err
		}
	}
	req, ok := f.items[id]
	if !ok {
		return domain.WrapError(domain.ErrRequestNotFound, "update request status", fmt.Errorf("id=%s", id))
	}
	now := time.Now().UTC()
	if status == domain.RequestFailed {
		req.MarkFailed(errMessage, now)
	} else {
		req.Status = status
	}
	req.UpdatedAt = now
	f.items[id] = req
	return nil
}

func (f *requestStoreFake) UpdateResult(_ context.Context, id string, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		if err := f.writeErr(id); err != nil {
			return err
		}
	}
	req, ok := f.items[id]
	if !ok {
		return domain.WrapError(domain.ErrRequestNotFound, "update request result", fmt.Errorf("id=%s", id))
	}
	now := time.Now().UTC()
	req.Status = domain.RequestCompleted
	req.Result = result
	req.ErrorMessage = ""
	req.BatchJobID = ""
	req.CompletedAt = &now
	req.UpdatedAt = now
	f.items[id] = req
	return nil
}

func (f *requestStoreFake) get(t *testing.T, id string) domain.ExtractionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.items[id]
	if !ok {
		t.Fatalf("request %s not found", id)
	}
	return req
}

func (f *requestStoreFake) snapshot() map[string]domain.ExtractionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.ExtractionRequest, len(f.items))
	for id, req := range f.items {
		out[id] = req
	}
	return out
}

type batchJobStoreFake struct {
	mu        sync.Mutex
	items     map[string]domain.BatchJob
	listErr   error
	updateErr error
}

func newBatchJobStoreFake(jobs ...domain.BatchJob) *batchJobStoreFake {
	f := &batchJobStoreFake{items: make(map[string]domain.BatchJob)}
	for _, job := range jobs {
		f.items[job.ID] = job
	}
	return f
}

func (f *batchJobStoreFake) Create(_ context.Context, job *domain.BatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[job.ID] = cloneJob(*job)
	return nil
}

func (f *batchJobStoreFake) GetByID(_ context.Context, id string) (*domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.items[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrBatchJobNotFound, "get batch job", fmt.Errorf("id=%s", id))
	}
	out := cloneJob(job)
	return &out, nil
}

func (f *batchJobStoreFake) GetByRemoteID(_ context.Context, remoteJobID string) (*domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.items {
		if job.RemoteJobID == remoteJobID {
			out := cloneJob(job)
			return &out, nil
		}
	}
	return nil, domain.WrapError(domain.ErrBatchJobNotFound, "get batch job by remote id", fmt.Errorf("remote_id=%s", remoteJobID))
}

func (f *batchJobStoreFake) ListByStatus(_ context.Context, statuses ...domain.BatchJobStatus) ([]domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.BatchJob, 0)
	for _, job := range f.items {
		for _, status := range statuses {
			if job.Status == status {
				out = append(out, cloneJob(job))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *batchJobStoreFake) List(_ context.Context, offset, limit int) ([]domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := make([]domain.BatchJob, 0, len(f.items))
	for _, job := range f.items {
		all = append(all, cloneJob(job))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return append([]domain.BatchJob{}, window(all, offset, limit)...), nil
}

func (f *batchJobStoreFake) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), nil
}

func (f *batchJobStoreFake) Update(_ context.Context, job *domain.BatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.items[job.ID]; !ok {
		return domain.WrapError(domain.ErrBatchJobNotFound, "update batch job", fmt.Errorf("id=%s", job.ID))
	}
	f.items[job.ID] = cloneJob(*job)
	return nil
}

func (f *batchJobStoreFake) get(t *testing.T, id string) domain.BatchJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.items[id]
	if !ok {
		t.Fatalf("batch job %s not found", id)
	}
	return job
}

func (f *batchJobStoreFake) all() []domain.BatchJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.BatchJob, 0, len(f.items))
	for _, job := range f.items {
		out = append(out, cloneJob(job))
	}
	return out
}

// failOnce returns a hook that fails the first call for id and lets every
// later call through.
func failOnce(id string) func(string) error {
	var mu sync.Mutex
	failed := false
	return func(got string) error {
		mu.Lock()
		defer mu.Unlock()
		if got != id || failed {
			return nil
		}
		failed = true
		return errFake
	}
}

func cloneJob(job domain.BatchJob) domain.BatchJob {
	job.RequestIDs = append([]string(nil), job.RequestIDs...)
	return job
}

type bulkFake struct {
	mu sync.Mutex

	submitErr  error
	submitted  [][]domain.ExtractionRequest
	nextRemote int

	statuses  map[string]domain.RemoteStatus
	statusErr map[string]error
	results   map[string]domain.RemoteResults
	fetchErr  error
}

func newBulkFake() *bulkFake {
	return &bulkFake{
		statuses:  make(map[string]domain.RemoteStatus),
		statusErr: make(map[string]error),
		results:   make(map[string]domain.RemoteResults),
	}
}

func (f *bulkFake) Submit(_ context.Context, requests []domain.ExtractionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, append([]domain.ExtractionRequest(nil), requests...))
	f.nextRemote++
	return fmt.Sprintf("remote-%d", f.nextRemote), nil
}

func (f *bulkFake) Status(_ context.Context, remoteJobID string) (domain.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[remoteJobID]; err != nil {
		return domain.RemoteStatus{}, err
	}
	status, ok := f.statuses[remoteJobID]
	if !ok {
		return domain.RemoteStatus{Phase: domain.RemotePhaseInProgress, RawStatus: "in_progress"}, nil
	}
	return status, nil
}

func (f *bulkFake) FetchResults(_ context.Context, remoteJobID string) (domain.RemoteResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return domain.RemoteResults{}, f.fetchErr
	}
	return f.results[remoteJobID], nil
}

type converterFake struct {
	calls int
	fail  map[string]error
	// before runs ahead of each conversion.
	before func(name string)
}

func (f *converterFake) Convert(ctx context.Context, content []byte, name string) (string, error) {
	f.calls++
	if f.before != nil {
		f.before(name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := f.fail[name]; err != nil {
		return "", err
	}
	return "text of " + name + ": " + string(content), nil
}

type notification struct {
	url       string
	requestID string
	result    string
}

type notifierFake struct {
	err   error
	calls []notification
}

func (f *notifierFake) Notify(_ context.Context, url, requestID, result string) error {
	f.calls = append(f.calls, notification{url: url, requestID: requestID, result: result})
	return f.err
}

type publisherFake struct {
	err    error
	events []domain.ResolutionEvent
}

func (f *publisherFake) PublishRequestResolved(_ context.Context, event domain.ResolutionEvent) error {
	f.events = append(f.events, event)
	return f.err
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func queuedRequest(id string, offset time.Duration) domain.ExtractionRequest {
	return domain.ExtractionRequest{
		ID:             id,
		DocumentBytes:  []byte("body-" + id),
		DocumentName:   id + ".txt",
		DocumentType:   domain.DocumentText,
		Instruction:    "extract",
		OutputSchema:   `{"type":"object"}`,
		NormalizedText: "text " + id,
		Status:         domain.RequestQueued,
		CreatedAt:      baseTime.Add(offset),
		UpdatedAt:      baseTime.Add(offset),
	}
}

func pendingRequest(id string, offset time.Duration) domain.ExtractionRequest {
	req := queuedRequest(id, offset)
	req.Status = domain.RequestPending
	req.NormalizedText = ""
	return req
}

func submittedRequest(id, batchJobID string, retryCount int) domain.ExtractionRequest {
	req := queuedRequest(id, 0)
	req.Status = domain.RequestBatchSubmitted
	req.BatchJobID = batchJobID
	req.RetryCount = retryCount
	return req
}

func submittedJob(id, remoteID string, requestIDs ...string) domain.BatchJob {
	submittedAt := baseTime
	return domain.BatchJob{
		ID:            id,
		RemoteJobID:   remoteID,
		RequestIDs:    requestIDs,
		Status:        domain.BatchSubmitted,
		TotalRequests: len(requestIDs),
		CreatedAt:     baseTime,
		SubmittedAt:   &submittedAt,
	}
}

// assertInvariants checks the result/error exclusivity and the job counter bound.
func assertInvariants(t *testing.T, requests *requestStoreFake, jobs *batchJobStoreFake) {
	t.Helper()
	for id, req := range requests.snapshot() {
		switch req.Status {
		case domain.RequestCompleted:
			if req.Result == "" || req.ErrorMessage != "" {
				t.Fatalf("completed request %s violates result/error exclusivity: %+v", id, req)
			}
		case domain.RequestFailed:
			if req.ErrorMessage == "" || req.Result != "" {
				t.Fatalf("failed request %s violates result/error exclusivity: %+v", id, req)
			}
		}
		inBatch := req.Status == domain.RequestBatchSubmitted || req.Status == domain.RequestProcessing
		if !inBatch && req.BatchJobID != "" {
			t.Fatalf("request %s in status %s still references batch %s", id, req.Status, req.BatchJobID)
		}
	}
	for _, job := range jobs.all() {
		if job.CompletedRequests+job.FailedRequests > job.TotalRequests {
			t.Fatalf("batch %s counters exceed total: %+v", job.ID, job)
		}
	}
}
