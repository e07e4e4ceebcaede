package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/batch-extractor/internal/config"
	"github.com/kirillkom/batch-extractor/internal/core/ports"
	"github.com/kirillkom/batch-extractor/internal/core/usecase"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/callback/webhook"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/converter"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/llm/openai"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/batch-extractor/internal/infrastructure/resilience"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Requests ports.RequestStore
	Jobs     ports.BatchJobStore

	Intake    *usecase.IntakeUseCase
	Submitter *usecase.BatchSubmitter
	Poller    *usecase.BatchPoller

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	requests := postgres.NewRequestRepository(db)
	jobs := postgres.NewBatchJobRepository(db)

	resilienceCfg := cfg.ResilienceConfig()
	logger.Info("resilience_configured", "resilience", resilienceCfg)
	executor := resilience.NewExecutor(resilienceCfg, logger)

	bulk := openai.New(openai.Config{
		BaseURL:          cfg.OpenAIBatchURL,
		APIKey:           cfg.OpenAIBatchAPIKey,
		APIKeyHeader:     cfg.OpenAIBatchAPIKeyHeader,
		DefaultModel:     cfg.OpenAIBatchDefaultModel,
		CompletionWindow: cfg.OpenAIBatchCompletionWindow,
		SubmitTimeout:    time.Duration(cfg.BulkSubmitTimeoutSeconds) * time.Second,
		PollTimeout:      time.Duration(cfg.BulkPollTimeoutSeconds) * time.Second,
	}, executor, logger)

	notifier := webhook.New(webhook.Options{
		Timeout:       time.Duration(cfg.CallbackTimeoutSeconds) * time.Second,
		RatePerSecond: cfg.CallbackRatePerSecond,
		Executor:      executor,
		Logger:        logger,
	})

	var (
		events    ports.EventPublisher
		publisher *nats.Publisher
	)
	if cfg.NATSEnabled {
		publisher, err = nats.NewPublisher(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		events = publisher
	}

	settings := cfg.BatchSettings()

	return &App{
		Config: cfg,
		Logger: logger,

		Requests: requests,
		Jobs:     jobs,

		Intake:    usecase.NewIntakeUseCase(requests, jobs, cfg.MaxDocumentBytes, logger),
		Submitter: usecase.NewBatchSubmitter(requests, jobs, bulk, converter.New(), settings, logger),
		Poller:    usecase.NewBatchPoller(requests, jobs, bulk, notifier, events, settings, logger),

		closeFn: func() {
			if publisher != nil {
				publisher.Close()
			}
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
