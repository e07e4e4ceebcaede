package httpadapter

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
	"github.com/kirillkom/batch-extractor/internal/core/ports"
	"github.com/kirillkom/batch-extractor/internal/observability/metrics"
)

const (
	defaultMaxDocumentBytes = 20 << 20
	// multipartOverhead leaves room for the form fields next to the file part.
	multipartOverhead = 1 << 20
)

type Options struct {
	Service          string
	MaxDocumentBytes int64

	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration

	Metrics *metrics.HTTPServerMetrics
	Logger  *slog.Logger
}

type Router struct {
	intake  ports.ExtractionIntake
	reader  ports.ExtractionReader
	options Options
	logger  *slog.Logger
}

func NewRouter(intake ports.ExtractionIntake, reader ports.ExtractionReader, options Options) *Router {
	if options.MaxDocumentBytes <= 0 {
		options.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if options.Service == "" {
		options.Service = "api"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		intake:  intake,
		reader:  reader,
		options: options,
		logger:  logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/extractions", rt.enqueue)
	mux.HandleFunc("GET /v1/extractions/{id}", rt.getExtraction)
	mux.HandleFunc("GET /v1/extractions/{id}/result", rt.getResult)
	mux.HandleFunc("GET /v1/admin/stats", rt.stats)
	mux.HandleFunc("GET /v1/admin/requests", rt.listRequests)
	mux.HandleFunc("GET /v1/admin/batches", rt.listBatchJobs)
	mux.HandleFunc("GET /v1/admin/batches/{id}", rt.getBatchJob)
	if rt.options.Metrics != nil {
		mux.Handle("GET /metrics", rt.options.Metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.options.MaxInFlight > 0 {
		handler = backpressureMiddleware(handler, rt.options.MaxInFlight, rt.options.BackpressureWait)
	}
	if rt.options.RateLimitRPS > 0 {
		handler = rateLimitMiddleware(handler, rt.options.RateLimitRPS, rt.options.RateLimitBurst)
	}
	if rt.options.Metrics != nil {
		handler = rt.options.Metrics.Middleware(rt.options.Service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueJSONRequest struct {
	DocumentBase64 string          `json:"document_base64"`
	DocumentName   string          `json:"document_name"`
	Instruction    string          `json:"instruction"`
	OutputSchema   json.RawMessage `json:"output_schema"`
	ModelID        string          `json:"model_id"`
	CallbackURL    string          `json:"callback_url"`
}

func (rt *Router) enqueue(w http.ResponseWriter, r *http.Request) {
	var (
		input domain.EnqueueInput
		err   error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		input, err = rt.decodeMultipart(w, r)
	} else {
		input, err = rt.decodeJSON(w, r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := rt.intake.Enqueue(r.Context(), input)
	if err != nil {
		rt.writeDomainError(w, r, "enqueue", err)
		return
	}
	if rt.options.Metrics != nil {
		rt.options.Metrics.RecordEnqueued(rt.options.Service, string(req.DocumentType))
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (rt *Router) decodeMultipart(w http.ResponseWriter, r *http.Request) (domain.EnqueueInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.options.MaxDocumentBytes+multipartOverhead)
	if err := r.ParseMultipartForm(rt.options.MaxDocumentBytes); err != nil {
		return domain.EnqueueInput{}, errors.New("invalid multipart body")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.EnqueueInput{}, errors.New("multipart field 'file' is required")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return domain.EnqueueInput{}, errors.New("read uploaded file")
	}
	return domain.EnqueueInput{
		DocumentBytes: content,
		DocumentName:  header.Filename,
		Instruction:   r.FormValue("instruction"),
		OutputSchema:  r.FormValue("output_schema"),
		ModelID:       r.FormValue("model_id"),
		CallbackURL:   r.FormValue("callback_url"),
	}, nil
}

func (rt *Router) decodeJSON(w http.ResponseWriter, r *http.Request) (domain.EnqueueInput, error) {
	// base64 grows the payload by a third.
	limit := rt.options.MaxDocumentBytes/3*4 + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var body enqueueJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return domain.EnqueueInput{}, errors.New("invalid json")
	}
	content, err := base64.StdEncoding.DecodeString(body.DocumentBase64)
	if err != nil {
		return domain.EnqueueInput{}, errors.New("document_base64 must be standard base64")
	}
	return domain.EnqueueInput{
		DocumentBytes: content,
		DocumentName:  body.DocumentName,
		Instruction:   body.Instruction,
		OutputSchema:  schemaText(body.OutputSchema),
		ModelID:       body.ModelID,
		CallbackURL:   body.CallbackURL,
	}, nil
}

// schemaText accepts the schema either as an embedded JSON object or as a
// JSON string holding the schema text.
func schemaText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

func (rt *Router) getExtraction(w http.ResponseWriter, r *http.Request) {
	req, err := rt.reader.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, "get extraction", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (rt *Router) getResult(w http.ResponseWriter, r *http.Request) {
	req, err := rt.reader.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, "get extraction result", err)
		return
	}

	switch req.Status {
	case domain.RequestCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, req.Result)
	case domain.RequestFailed:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"id":     req.ID,
			"status": string(req.Status),
			"error":  req.ErrorMessage,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     req.ID,
			"status": string(req.Status),
		})
	}
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.reader.Stats(r.Context())
	if err != nil {
		rt.writeDomainError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) getBatchJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.reader.GetBatchJob(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, "get batch job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := rt.reader.ListRequests(r.Context(), page)
	if err != nil {
		rt.writeDomainError(w, r, "list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) listBatchJobs(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := rt.reader.ListBatchJobs(r.Context(), page)
	if err != nil {
		rt.writeDomainError(w, r, "list batch jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// pageFromQuery reads skip and take; missing values fall back to the
// listing defaults.
func pageFromQuery(r *http.Request) (domain.PageRequest, error) {
	var page domain.PageRequest
	for name, dst := range map[string]*int{"skip": &page.Skip, "take": &page.Take} {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return domain.PageRequest{}, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return page, nil
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"operation", op,
			"error", err,
		)
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
