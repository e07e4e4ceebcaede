package bootstrap

import (
	"context"

	"github.com/kirillkom/batch-extractor/internal/core/usecase"
	"github.com/kirillkom/batch-extractor/internal/observability/metrics"
	"github.com/kirillkom/batch-extractor/internal/scheduler"
)

const (
	SubmitterLoop = "batch_submitter"
	PollerLoop    = "batch_poller"
)

type submitTicker interface {
	Tick(ctx context.Context) (usecase.SubmitReport, error)
}

type pollTicker interface {
	Tick(ctx context.Context) (usecase.PollReport, error)
}

// WorkerLoops returns the submitter and poller loops. Each loop runs on its
// own interval and records its reports into m.
func (a *App) WorkerLoops(m *metrics.BatchMetrics) []*scheduler.Loop {
	settings := a.Config.BatchSettings().Normalized()
	return []*scheduler.Loop{
		{
			Name:     SubmitterLoop,
			Interval: settings.SubmitInterval,
			Tick:     submitTick(a.Submitter, m),
			Logger:   a.Logger,
			OnTick:   m.ObserveTick,
		},
		{
			Name:     PollerLoop,
			Interval: settings.PollInterval,
			Tick:     pollTick(a.Poller, m),
			Logger:   a.Logger,
			OnTick:   m.ObserveTick,
		},
	}
}

func submitTick(submitter submitTicker, m *metrics.BatchMetrics) scheduler.TickFunc {
	return func(ctx context.Context) error {
		report, err := submitter.Tick(ctx)
		recordSubmitReport(m, report)
		return err
	}
}

func pollTick(poller pollTicker, m *metrics.BatchMetrics) scheduler.TickFunc {
	return func(ctx context.Context) error {
		report, err := poller.Tick(ctx)
		recordPollReport(m, report)
		return err
	}
}

func recordSubmitReport(m *metrics.BatchMetrics, report usecase.SubmitReport) {
	m.AddRequestTransitions("pending_to_queued", report.Converted)
	m.AddRequestTransitions("pending_to_failed", report.ConversionFailed)
	m.AddRequestTransitions("queued_to_batch_submitted", report.Submitted)
	m.AddJobsResolved("abandoned", report.OrphansSwept)
	m.SetQueueDepth(max(0, report.QueueSize-report.Submitted))
}

func recordPollReport(m *metrics.BatchMetrics, report usecase.PollReport) {
	m.AddRequestTransitions("batch_to_completed", report.RequestsCompleted)
	m.AddRequestTransitions("batch_to_failed", report.RequestsFailed)
	m.AddRequestTransitions("batch_to_queued", report.RequestsRequeued)
	m.AddJobsResolved("completed", report.JobsCompleted)
	m.AddJobsResolved("partially_completed", report.JobsPartiallyCompleted)
	m.AddJobsResolved("failed", report.JobsFailed)
}
