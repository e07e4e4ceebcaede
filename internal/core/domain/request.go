package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type RequestStatus string

const (
	RequestPending        RequestStatus = "pending"
	RequestQueued         RequestStatus = "queued"
	RequestBatchSubmitted RequestStatus = "batch_submitted"
	RequestProcessing     RequestStatus = "processing"
	RequestCompleted      RequestStatus = "completed"
	RequestFailed         RequestStatus = "failed"
)

// AllRequestStatuses lists every request status in lifecycle order.
var AllRequestStatuses = []RequestStatus{
	RequestPending,
	RequestQueued,
	RequestBatchSubmitted,
	RequestProcessing,
	RequestCompleted,
	RequestFailed,
}

// IsTerminal reports whether no further transition may leave the status.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

type DocumentType string

const (
	DocumentPDF         DocumentType = "pdf"
	DocumentWord        DocumentType = "word"
	DocumentImage       DocumentType = "image"
	DocumentHTML        DocumentType = "html"
	DocumentText        DocumentType = "text"
	DocumentSpreadsheet DocumentType = "spreadsheet"
	DocumentUnknown     DocumentType = "unknown"
)

// DetectDocumentType derives the document type from the file extension.
func DetectDocumentType(name string) DocumentType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return DocumentPDF
	case ".doc", ".docx":
		return DocumentWord
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff":
		return DocumentImage
	case ".html", ".htm":
		return DocumentHTML
	case ".txt", ".md", ".csv", ".json":
		return DocumentText
	case ".xlsx", ".xlsm":
		return DocumentSpreadsheet
	default:
		return DocumentUnknown
	}
}

// ExtractionRequest is one document's extraction job.
//
// Result and ErrorMessage are mutually exclusive: Result is set only when the
// request is completed and ErrorMessage only when it failed. BatchJobID is set
// only while the request sits in a batch (batch_submitted or processing).
type ExtractionRequest struct {
	ID             string        `json:"id"`
	DocumentBytes  []byte        `json:"-"`
	DocumentName   string        `json:"document_name"`
	DocumentType   DocumentType  `json:"document_type"`
	Instruction    string        `json:"instruction"`
	OutputSchema   string        `json:"output_schema"`
	ModelID        string        `json:"model_id,omitempty"`
	NormalizedText string        `json:"-"`
	Status         RequestStatus `json:"status"`
	Result         string        `json:"result,omitempty"`
	ErrorMessage   string        `json:"error,omitempty"`
	BatchJobID     string        `json:"batch_job_id,omitempty"`
	RetryCount     int           `json:"retry_count"`
	CallbackURL    string        `json:"callback_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// EnqueueInput is the caller-supplied extraction contract for the batch path.
type EnqueueInput struct {
	DocumentBytes []byte
	DocumentName  string
	Instruction   string
	OutputSchema  string
	ModelID       string
	CallbackURL   string
}

// MarkQueued moves the request back into the submission queue and detaches it
// from any batch.
func (r *ExtractionRequest) MarkQueued() {
	r.Status = RequestQueued
	r.BatchJobID = ""
	r.Result = ""
	r.ErrorMessage = ""
}

// MarkBatchSubmitted attaches the request to a batch job.
func (r *ExtractionRequest) MarkBatchSubmitted(batchJobID string) {
	r.Status = RequestBatchSubmitted
	r.BatchJobID = batchJobID
}

// MarkFailed records a terminal failure.
func (r *ExtractionRequest) MarkFailed(message string, at time.Time) {
	r.Status = RequestFailed
	r.ErrorMessage = message
	r.Result = ""
	r.BatchJobID = ""
	r.CompletedAt = &at
}

// RequestStats counts requests per status and batch jobs overall.
type RequestStats struct {
	ByStatus     map[RequestStatus]int `json:"by_status"`
	Total        int                   `json:"total"`
	TotalBatches int                   `json:"total_batches"`
}

// RequestSummary is the listing view of a request; it omits the document,
// schema and result payloads.
type RequestSummary struct {
	ID           string        `json:"id"`
	DocumentName string        `json:"document_name"`
	DocumentType DocumentType  `json:"document_type"`
	Status       RequestStatus `json:"status"`
	BatchJobID   string        `json:"batch_job_id,omitempty"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error,omitempty"`
	HasResult    bool          `json:"has_result"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
