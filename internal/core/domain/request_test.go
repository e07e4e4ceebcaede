package domain

import (
	"testing"
	"time"
)

func TestDetectDocumentType(t *testing.T) {
	tests := map[string]DocumentType{
		"report.PDF":   DocumentPDF,
		"letter.docx":  DocumentWord,
		"scan.jpeg":    DocumentImage,
		"page.htm":     DocumentHTML,
		"notes.md":     DocumentText,
		"data.csv":     DocumentText,
		"ledger.xlsx":  DocumentSpreadsheet,
		"archive.zip":  DocumentUnknown,
		"no-extension": DocumentUnknown,
	}
	for name, want := range tests {
		if got := DetectDocumentType(name); got != want {
			t.Fatalf("DetectDocumentType(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestMarkFailedClearsResultAndBatch(t *testing.T) {
	req := ExtractionRequest{Status: RequestProcessing, BatchJobID: "job-1", Result: "stale"}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	req.MarkFailed("boom", at)

	if req.Status != RequestFailed || req.ErrorMessage != "boom" {
		t.Fatalf("unexpected state: %+v", req)
	}
	if req.Result != "" || req.BatchJobID != "" {
		t.Fatalf("expected result and batch cleared, got %+v", req)
	}
	if req.CompletedAt == nil || !req.CompletedAt.Equal(at) {
		t.Fatalf("expected completion time %v, got %v", at, req.CompletedAt)
	}
}

func TestMarkQueuedDetachesFromBatch(t *testing.T) {
	req := ExtractionRequest{Status: RequestBatchSubmitted, BatchJobID: "job-1", RetryCount: 2}

	req.MarkQueued()

	if req.Status != RequestQueued || req.BatchJobID != "" {
		t.Fatalf("unexpected state: %+v", req)
	}
	if req.RetryCount != 2 {
		t.Fatalf("retry count must be preserved, got %d", req.RetryCount)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range AllRequestStatuses {
		want := status == RequestCompleted || status == RequestFailed
		if status.IsTerminal() != want {
			t.Fatalf("%s.IsTerminal() = %v", status, !want)
		}
	}
}
