package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/kirillkom/batch-extractor/internal/infrastructure/resilience"
)

const (
	defaultMaxFileBytes = 512 << 20
	defaultMaxLineBytes = 64 << 20
)

func (c *Client) execute(ctx context.Context, operation string, retry bool, call func(context.Context) error) error {
	classifier := resilience.ClassifyHTTPError
	if !retry {
		classifier = resilience.NoRetry(classifier)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai."+operation, call, classifier)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporaryIfNeeded("openai "+operation, err, resilience.ClassifyHTTPError)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.submitClient, req, out, operation)
}

func (c *Client) postFile(ctx context.Context, path, purpose, filename string, content []byte, out any, operation string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", purpose); err != nil {
		return fmt.Errorf("write %s purpose: %w", operation, err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", "application/jsonl")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s file part: %w", operation, err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write %s file part: %w", operation, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close %s multipart body: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(c.submitClient, req, out, operation)
}

func (c *Client) getJSON(ctx context.Context, path string, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	return c.do(c.pollClient, req, out, operation)
}

func (c *Client) getRaw(ctx context.Context, path, operation string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	c.authorize(req)

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewStatusError(serviceName, operation, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	if int64(len(body)) > c.maxFileBytes {
		return nil, fmt.Errorf("openai %s response exceeds %d bytes", operation, c.maxFileBytes)
	}
	return body, nil
}

func (c *Client) do(client *http.Client, req *http.Request, out any, operation string) error {
	c.authorize(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("openai %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewStatusError(serviceName, operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
