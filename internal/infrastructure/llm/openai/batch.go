package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

type fileObject struct {
	ID string `json:"id"`
}

type createBatchRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

type batchErrors struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

type batchObject struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	OutputFileID  *string `json:"output_file_id"`
	ErrorFileID   *string `json:"error_file_id"`
	RequestCounts *struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *batchErrors `json:"errors"`
}

type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Error *apiError `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// remotePhases is the closed translation table for batch statuses. Anything
// else maps to RemotePhaseUnrecognized.
var remotePhases = map[string]domain.RemotePhase{
	"validating":  domain.RemotePhaseInProgress,
	"in_progress": domain.RemotePhaseInProgress,
	"finalizing":  domain.RemotePhaseInProgress,
	"cancelling":  domain.RemotePhaseInProgress,
	"completed":   domain.RemotePhaseCompleted,
	"failed":      domain.RemotePhaseFailed,
	"expired":     domain.RemotePhaseFailed,
	"cancelled":   domain.RemotePhaseFailed,
}

func translatePhase(status string) domain.RemotePhase {
	if phase, ok := remotePhases[strings.ToLower(strings.TrimSpace(status))]; ok {
		return phase
	}
	return domain.RemotePhaseUnrecognized
}

// Submit uploads the requests as one JSONL file and creates a batch over it.
// Neither call is retried: a retry after an ambiguous failure could create a
// duplicate remote batch.
func (c *Client) Submit(ctx context.Context, requests []domain.ExtractionRequest) (string, error) {
	if len(requests) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "openai submit", errors.New("no requests to submit"))
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, req := range requests {
		if err := encoder.Encode(c.buildLine(req)); err != nil {
			return "", fmt.Errorf("encode batch line %s: %w", req.ID, err)
		}
	}

	filename := fmt.Sprintf("batch_%s.jsonl", time.Now().UTC().Format("20060102150405"))
	var file fileObject
	err := c.execute(ctx, "upload_file", false, func(callCtx context.Context) error {
		return c.postFile(callCtx, "/files", "batch", filename, buf.Bytes(), &file, "upload_file")
	})
	if err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", errors.New("openai upload_file: response has no file id")
	}

	var batch batchObject
	err = c.execute(ctx, "create_batch", false, func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/batches", createBatchRequest{
			InputFileID:      file.ID,
			Endpoint:         chatCompletionsEndpoint,
			CompletionWindow: c.cfg.CompletionWindow,
		}, &batch, "create_batch")
	})
	if err != nil {
		return "", err
	}
	if batch.ID == "" {
		return "", errors.New("openai create_batch: response has no batch id")
	}

	c.logger.Info("openai_batch_created",
		"remote_job_id", batch.ID,
		"input_file_id", file.ID,
		"requests", len(requests),
		"bytes", buf.Len(),
	)
	return batch.ID, nil
}

func (c *Client) Status(ctx context.Context, remoteJobID string) (domain.RemoteStatus, error) {
	batch, err := c.getBatch(ctx, remoteJobID)
	if err != nil {
		return domain.RemoteStatus{}, err
	}

	status := domain.RemoteStatus{
		Phase:     translatePhase(batch.Status),
		RawStatus: batch.Status,
		Message:   batch.errorMessage(),
	}
	if batch.RequestCounts != nil {
		status.CountsReported = true
		status.TotalCount = batch.RequestCounts.Total
		status.CompletedCount = batch.RequestCounts.Completed
		status.FailedCount = batch.RequestCounts.Failed
	}
	return status, nil
}

// FetchResults downloads the output and error files of a batch. Lines that do
// not parse are skipped; a file that cannot be read in full is an error.
func (c *Client) FetchResults(ctx context.Context, remoteJobID string) (domain.RemoteResults, error) {
	batch, err := c.getBatch(ctx, remoteJobID)
	if err != nil {
		return domain.RemoteResults{}, err
	}

	out := domain.RemoteResults{
		Results:  make(map[string]string),
		Errors:   make(map[string]string),
		Terminal: translatePhase(batch.Status) != domain.RemotePhaseInProgress,
	}

	if batch.Status == "completed" && batch.OutputFileID != nil && *batch.OutputFileID != "" {
		content, err := c.fileContent(ctx, *batch.OutputFileID)
		if err != nil {
			return domain.RemoteResults{}, fmt.Errorf("download output file: %w", err)
		}
		if err := c.parseLines(remoteJobID, content, out); err != nil {
			return domain.RemoteResults{}, fmt.Errorf("parse output file: %w", err)
		}
	}

	if batch.ErrorFileID != nil && *batch.ErrorFileID != "" {
		content, err := c.fileContent(ctx, *batch.ErrorFileID)
		if err != nil {
			c.logger.Warn("openai_error_file_unavailable", "remote_job_id", remoteJobID, "error", err)
		} else if err := c.parseLines(remoteJobID, content, out); err != nil {
			return domain.RemoteResults{}, fmt.Errorf("parse error file: %w", err)
		}
	}
	return out, nil
}

func (c *Client) getBatch(ctx context.Context, remoteJobID string) (batchObject, error) {
	var batch batchObject
	path := "/batches/" + url.PathEscape(remoteJobID)
	err := c.execute(ctx, "get_batch", true, func(callCtx context.Context) error {
		return c.getJSON(callCtx, path, &batch, "get_batch")
	})
	if err != nil {
		return batchObject{}, err
	}
	return batch, nil
}

func (c *Client) fileContent(ctx context.Context, fileID string) ([]byte, error) {
	var content []byte
	path := "/files/" + url.PathEscape(fileID) + "/content"
	err := c.execute(ctx, "file_content", true, func(callCtx context.Context) error {
		body, err := c.getRaw(callCtx, path, "file_content")
		if err != nil {
			return err
		}
		content = body
		return nil
	})
	return content, err
}

func (c *Client) parseLines(remoteJobID string, content []byte, out domain.RemoteResults) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, min(64*1024, c.maxLineBytes)), c.maxLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil || line.CustomID == "" {
			c.logger.Warn("openai_result_line_unparsable", "remote_job_id", remoteJobID)
			continue
		}

		if line.Response != nil && len(line.Response.Body.Choices) > 0 {
			out.Results[line.CustomID] = line.Response.Body.Choices[0].Message.Content
			continue
		}
		out.Errors[line.CustomID] = line.failureMessage()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan result lines: %w", err)
	}
	return nil
}

func (l outputLine) failureMessage() string {
	if l.Error != nil && l.Error.Message != "" {
		return l.Error.Message
	}
	if l.Response != nil {
		if l.Response.Body.Error != nil && l.Response.Body.Error.Message != "" {
			return l.Response.Body.Error.Message
		}
		if l.Response.StatusCode >= 300 {
			return fmt.Sprintf("request failed with status %d", l.Response.StatusCode)
		}
	}
	return "unknown error"
}

func (b batchObject) errorMessage() string {
	if b.Errors == nil {
		return ""
	}
	parts := make([]string, 0, len(b.Errors.Data))
	for _, item := range b.Errors.Data {
		if item.Message != "" {
			parts = append(parts, item.Message)
		}
	}
	return strings.Join(parts, "; ")
}
