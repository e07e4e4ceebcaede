package openai

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/batch-extractor/internal/infrastructure/resilience"
)

const (
	serviceName             = "openai"
	chatCompletionsEndpoint = "/v1/chat/completions"
)

type Config struct {
	// BaseURL includes the API version prefix, e.g. https://api.openai.com/v1.
	BaseURL string
	APIKey  string
	// APIKeyHeader selects the auth header. Empty means "Authorization: Bearer".
	APIKeyHeader     string
	DefaultModel     string
	CompletionWindow string
	SubmitTimeout    time.Duration
	PollTimeout      time.Duration
}

// Client speaks the OpenAI-compatible Batch API: JSONL upload, batch creation,
// status polling and output file download.
type Client struct {
	cfg          Config
	submitClient *http.Client
	pollClient   *http.Client
	executor     *resilience.Executor
	logger       *slog.Logger

	// Result files larger than maxFileBytes, or with a line longer than
	// maxLineBytes, are rejected rather than parsed partially.
	maxFileBytes int64
	maxLineBytes int
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = "24h"
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:          cfg,
		submitClient: &http.Client{Timeout: cfg.SubmitTimeout},
		pollClient:   &http.Client{Timeout: cfg.PollTimeout},
		executor:     executor,
		logger:       logger,
		maxFileBytes: defaultMaxFileBytes,
		maxLineBytes: defaultMaxLineBytes,
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey == "" {
		return
	}
	header := strings.TrimSpace(c.cfg.APIKeyHeader)
	if header == "" || strings.EqualFold(header, "Authorization") {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return
	}
	req.Header.Set(header, c.cfg.APIKey)
}
