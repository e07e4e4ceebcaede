package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/batch-extractor/internal/infrastructure/resilience"
)

type payload struct {
	RequestID   string    `json:"requestId"`
	Status      string    `json:"status"`
	Result      string    `json:"result"`
	CompletedAt time.Time `json:"completedAt"`
}

type Options struct {
	Timeout       time.Duration
	RatePerSecond float64
	Executor      *resilience.Executor
	Logger        *slog.Logger
}

// Notifier posts completion notifications to caller-supplied URLs. Delivery is
// best-effort and throttled so a large batch cannot flood a receiver.
type Notifier struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
	logger     *slog.Logger
	now        func() time.Time
}

func New(options Options) *Notifier {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if options.RatePerSecond > 0 {
		limit = rate.Limit(options.RatePerSecond)
		burst = max(1, int(options.RatePerSecond))
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		executor:   options.Executor,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Notify posts one completion payload. Each receiver host gets its own
// breaker, so one dead endpoint does not cut off callbacks to the others.
func (n *Notifier) Notify(ctx context.Context, callbackURL, requestID, result string) error {
	target, err := url.Parse(callbackURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("invalid callback url %q", callbackURL)
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("callback rate limit: %w", err)
	}

	body, err := json.Marshal(payload{
		RequestID:   requestID,
		Status:      "Completed",
		Result:      result,
		CompletedAt: n.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	call := func(callCtx context.Context) error {
		return n.post(callCtx, callbackURL, body)
	}
	if n.executor != nil {
		err = n.executor.Execute(ctx, "callback.post:"+target.Host, call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return err
	}

	n.logger.Info("callback_sent", "request_id", requestID, "host", target.Host)
	return nil
}

func (n *Notifier) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewStatusError("callback", "notify", resp)
	}
	return nil
}
