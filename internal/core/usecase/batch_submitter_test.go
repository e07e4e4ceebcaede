package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

func newTestSubmitter(requests *requestStoreFake, jobs *batchJobStoreFake, bulk *bulkFake, conv *converterFake, settings BatchSettings) *BatchSubmitter {
	s := NewBatchSubmitter(requests, jobs, bulk, conv, settings, nil)
	s.now = func() time.Time { return baseTime.Add(time.Hour) }
	return s
}

func TestConvertPendingQueuesConvertedAndFailsBrokenDocuments(t *testing.T) {
	requests := newRequestStoreFake(
		pendingRequest("r-1", 0),
		pendingRequest("r-2", time.Second),
	)
	conv := &converterFake{fail: map[string]error{"r-2.txt": errors.New("corrupt pdf")}}
	s := newTestSubmitter(requests, newBatchJobStoreFake(), newBulkFake(), conv, BatchSettings{QueueSizeThreshold: 10})

	converted, failed, err := s.ConvertPending(context.Background())
	if err != nil {
		t.Fatalf("ConvertPending() error = %v", err)
	}
	if converted != 1 || failed != 1 {
		t.Fatalf("expected 1 converted and 1 failed, got %d/%d", converted, failed)
	}

	ok := requests.get(t, "r-1")
	if ok.Status != domain.RequestQueued || !strings.Contains(ok.NormalizedText, "r-1.txt") {
		t.Fatalf("expected r-1 queued with text, got %+v", ok)
	}
	broken := requests.get(t, "r-2")
	if broken.Status != domain.RequestFailed {
		t.Fatalf("expected r-2 failed, got %s", broken.Status)
	}
	if !strings.Contains(broken.ErrorMessage, "corrupt pdf") {
		t.Fatalf("expected conversion cause in error message, got %q", broken.ErrorMessage)
	}
	if broken.CompletedAt == nil {
		t.Fatalf("expected failed request to be stamped with completion time")
	}
	assertInvariants(t, requests, newBatchJobStoreFake())
}

func TestConvertPendingIsIdempotent(t *testing.T) {
	requests := newRequestStoreFake(pendingRequest("r-1", 0), queuedRequest("r-2", time.Second))
	conv := &converterFake{}
	s := newTestSubmitter(requests, newBatchJobStoreFake(), newBulkFake(), conv, BatchSettings{QueueSizeThreshold: 10})

	if _, _, err := s.ConvertPending(context.Background()); err != nil {
		t.Fatalf("first ConvertPending() error = %v", err)
	}
	before := requests.snapshot()
	calls := conv.calls

	converted, failed, err := s.ConvertPending(context.Background())
	if err != nil {
		t.Fatalf("second ConvertPending() error = %v", err)
	}
	if converted != 0 || failed != 0 {
		t.Fatalf("expected no work on second pass, got %d/%d", converted, failed)
	}
	if conv.calls != calls {
		t.Fatalf("expected converter not to be called again, calls %d -> %d", calls, conv.calls)
	}
	if !reflect.DeepEqual(before, requests.snapshot()) {
		t.Fatalf("second conversion pass changed state")
	}
}

func TestConvertPendingContinuesWhenPersistFails(t *testing.T) {
	requests := newRequestStoreFake(pendingRequest("r-1", 0), pendingRequest("r-2", time.Second))
	requests.updateErr = func(req *domain.ExtractionRequest) error {
		if req.ID == "r-1" {
			return errFake
		}
		return nil
	}
	s := newTestSubmitter(requests, newBatchJobStoreFake(), newBulkFake(), &converterFake{}, BatchSettings{QueueSizeThreshold: 10})

	if _, _, err := s.ConvertPending(context.Background()); err != nil {
		t.Fatalf("ConvertPending() error = %v", err)
	}
	if got := requests.get(t, "r-2").Status; got != domain.RequestQueued {
		t.Fatalf("expected r-2 queued despite r-1 write failure, got %s", got)
	}
}

func TestSubmitQueuedCreatesSubmittedBatch(t *testing.T) {
	requests := newRequestStoreFake(
		queuedRequest("r-1", 0),
		queuedRequest("r-2", time.Second),
		queuedRequest("r-3", 2*time.Second),
	)
	jobs := newBatchJobStoreFake()
	bulk := newBulkFake()
	s := newTestSubmitter(requests, jobs, bulk, &converterFake{}, BatchSettings{QueueSizeThreshold: 3})

	queueSize, job, err := s.SubmitQueued(context.Background())
	if err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	if queueSize != 3 {
		t.Fatalf("expected queue size 3, got %d", queueSize)
	}
	if job == nil {
		t.Fatalf("expected batch job")
	}

	stored := jobs.get(t, job.ID)
	if stored.Status != domain.BatchSubmitted {
		t.Fatalf("expected submitted job, got %s", stored.Status)
	}
	if stored.RemoteJobID != "remote-1" || stored.SubmittedAt == nil {
		t.Fatalf("expected remote id and submission time, got %+v", stored)
	}
	if stored.TotalRequests != 3 || len(stored.RequestIDs) != 3 {
		t.Fatalf("expected 3 members, got %+v", stored)
	}
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		req := requests.get(t, id)
		if req.Status != domain.RequestBatchSubmitted || req.BatchJobID != job.ID {
			t.Fatalf("expected %s attached to %s, got %+v", id, job.ID, req)
		}
	}
	if len(bulk.submitted) != 1 || len(bulk.submitted[0]) != 3 {
		t.Fatalf("expected one bulk submission of 3 requests, got %+v", bulk.submitted)
	}
	if bulk.submitted[0][0].NormalizedText == "" || bulk.submitted[0][0].OutputSchema == "" {
		t.Fatalf("expected full payload to reach bulk client")
	}
	assertInvariants(t, requests, jobs)
}

func TestSubmitQueuedTakesOldestFirst(t *testing.T) {
	requests := newRequestStoreFake(
		queuedRequest("t3", 3*time.Second),
		queuedRequest("t1", time.Second),
		queuedRequest("t2", 2*time.Second),
	)
	jobs := newBatchJobStoreFake()
	s := newTestSubmitter(requests, jobs, newBulkFake(), &converterFake{}, BatchSettings{QueueSizeThreshold: 2})

	_, job, err := s.SubmitQueued(context.Background())
	if err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	if !reflect.DeepEqual(job.RequestIDs, []string{"t1", "t2"}) {
		t.Fatalf("expected oldest two requests, got %v", job.RequestIDs)
	}
	if got := requests.get(t, "t3").Status; got != domain.RequestQueued {
		t.Fatalf("expected t3 to stay queued, got %s", got)
	}

	_, next, err := s.SubmitQueued(context.Background())
	if err != nil {
		t.Fatalf("second SubmitQueued() error = %v", err)
	}
	if !reflect.DeepEqual(next.RequestIDs, []string{"t3"}) {
		t.Fatalf("expected t3 in next batch, got %v", next.RequestIDs)
	}
}

func TestSubmitQueuedCompensatesOnBulkFailure(t *testing.T) {
	requests := newRequestStoreFake(queuedRequest("r-1", 0), queuedRequest("r-2", time.Second))
	jobs := newBatchJobStoreFake()
	bulk := newBulkFake()
	bulk.submitErr = errors.New("bulk api unavailable")
	s := newTestSubmitter(requests, jobs, bulk, &converterFake{}, BatchSettings{QueueSizeThreshold: 5})

	before, _ := requests.CountByStatus(context.Background(), domain.RequestQueued)
	_, job, err := s.SubmitQueued(context.Background())
	if err == nil {
		t.Fatalf("expected submission error")
	}
	if !errors.Is(err, bulk.submitErr) {
		t.Fatalf("expected bulk cause to propagate, got %v", err)
	}

	after, _ := requests.CountByStatus(context.Background(), domain.RequestQueued)
	if before != after {
		t.Fatalf("expected queue size unchanged, %d -> %d", before, after)
	}
	for _, id := range []string{"r-1", "r-2"} {
		req := requests.get(t, id)
		if req.Status != domain.RequestQueued || req.BatchJobID != "" {
			t.Fatalf("expected %s reverted to queued, got %+v", id, req)
		}
	}

	stored := jobs.get(t, job.ID)
	if stored.Status != domain.BatchCreated || stored.RemoteJobID != "" {
		t.Fatalf("expected orphaned created job, got %+v", stored)
	}
	assertInvariants(t, requests, jobs)
}

func TestSubmitQueuedCompensatesWhenCancelledMidSubmit(t *testing.T) {
	requests := newRequestStoreFake(queuedRequest("r-1", 0))
	ctx, cancel := context.WithCancel(context.Background())
	bulk := newBulkFake()
	bulk.submitErr = context.Canceled
	cancel()

	s := newTestSubmitter(requests, newBatchJobStoreFake(), bulk, &converterFake{}, BatchSettings{QueueSizeThreshold: 5})
	if _, _, err := s.SubmitQueued(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if got := requests.get(t, "r-1"); got.Status != domain.RequestQueued || got.BatchJobID != "" {
		t.Fatalf("expected r-1 reverted to queued, got %+v", got)
	}
}

func TestSubmitQueuedNoopOnEmptyQueue(t *testing.T) {
	jobs := newBatchJobStoreFake()
	bulk := newBulkFake()
	s := newTestSubmitter(newRequestStoreFake(), jobs, bulk, &converterFake{}, BatchSettings{QueueSizeThreshold: 5})

	queueSize, job, err := s.SubmitQueued(context.Background())
	if err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	if queueSize != 0 || job != nil {
		t.Fatalf("expected no-op, got size=%d job=%+v", queueSize, job)
	}
	if len(jobs.all()) != 0 || len(bulk.submitted) != 0 {
		t.Fatalf("expected no job and no submission")
	}
}

func TestSubmitQueuedPropagatesCountFailure(t *testing.T) {
	requests := newRequestStoreFake(queuedRequest("r-1", 0))
	requests.countErr = errFake
	s := newTestSubmitter(requests, newBatchJobStoreFake(), newBulkFake(), &converterFake{}, BatchSettings{QueueSizeThreshold: 5})

	if _, _, err := s.SubmitQueued(context.Background()); !errors.Is(err, errFake) {
		t.Fatalf("expected count failure, got %v", err)
	}
}

func TestTickConvertsThenSubmitsInOneCycle(t *testing.T) {
	requests := newRequestStoreFake(pendingRequest("r-1", 0), pendingRequest("r-2", time.Second))
	jobs := newBatchJobStoreFake()
	s := newTestSubmitter(requests, jobs, newBulkFake(), &converterFake{}, BatchSettings{QueueSizeThreshold: 10})

	report, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if report.Converted != 2 || report.Submitted != 2 || report.BatchJobID == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, id := range []string{"r-1", "r-2"} {
		if got := requests.get(t, id).Status; got != domain.RequestBatchSubmitted {
			t.Fatalf("expected %s batch_submitted, got %s", id, got)
		}
	}
}

func TestSweepOrphansRequeuesAttachedMembersAndClosesJob(t *testing.T) {
	orphan := domain.BatchJob{
		ID:            "job-old",
		RequestIDs:    []string{"r-1", "r-2"},
		Status:        domain.BatchCreated,
		TotalRequests: 2,
		CreatedAt:     baseTime,
	}
	fresh := domain.BatchJob{
		ID:            "job-new",
		RequestIDs:    []string{"r-3"},
		Status:        domain.BatchCreated,
		TotalRequests: 1,
		CreatedAt:     baseTime.Add(59 * time.Minute),
	}
	moved := submittedRequest("r-2", "job-other", 0)
	requests := newRequestStoreFake(submittedRequest("r-1", "job-old", 0), moved, submittedRequest("r-3", "job-new", 0))
	jobs := newBatchJobStoreFake(orphan, fresh)
	s := newTestSubmitter(requests, jobs, newBulkFake(), &converterFake{}, BatchSettings{QueueSizeThreshold: 5, OrphanGrace: 30 * time.Minute})

	swept, err := s.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept job, got %d", swept)
	}
	if got := requests.get(t, "r-1"); got.Status != domain.RequestQueued || got.BatchJobID != "" {
		t.Fatalf("expected r-1 requeued, got %+v", got)
	}
	if got := requests.get(t, "r-2"); got.BatchJobID != "job-other" {
		t.Fatalf("expected r-2 untouched, got %+v", got)
	}
	closed := jobs.get(t, "job-old")
	if closed.Status != domain.BatchFailed || closed.ErrorMessage != abandonedSubmissionMessage || closed.CompletedAt == nil {
		t.Fatalf("expected orphan closed as failed, got %+v", closed)
	}
	if got := jobs.get(t, "job-new").Status; got != domain.BatchCreated {
		t.Fatalf("expected job within grace untouched, got %s", got)
	}
}

func TestConvertPendingLeavesRequestPendingWhenCancelled(t *testing.T) {
	requests := newRequestStoreFake(pendingRequest("r-1", 0), pendingRequest("r-2", time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conv := &converterFake{before: func(name string) {
		if name == "r-2.txt" {
			cancel()
		}
	}}
	s := newTestSubmitter(requests, newBatchJobStoreFake(), newBulkFake(), conv, BatchSettings{QueueSizeThreshold: 10})

	converted, failed, err := s.ConvertPending(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if converted != 1 || failed != 0 {
		t.Fatalf("expected 1 converted and 0 failed, got %d/%d", converted, failed)
	}
	if got := requests.get(t, "r-1"); got.Status != domain.RequestQueued {
		t.Fatalf("expected r-1 queued, got %s", got.Status)
	}
	interrupted := requests.get(t, "r-2")
	if interrupted.Status != domain.RequestPending || interrupted.ErrorMessage != "" {
		t.Fatalf("expected r-2 left pending without error, got %+v", interrupted)
	}

	// The next cycle picks it up again.
	converted, failed, err = s.ConvertPending(context.Background())
	if err != nil || converted != 1 || failed != 0 {
		t.Fatalf("expected r-2 converted on retry, got %d/%d err=%v", converted, failed, err)
	}
	if got := requests.get(t, "r-2"); got.Status != domain.RequestQueued {
		t.Fatalf("expected r-2 queued after retry, got %s", got.Status)
	}
}
