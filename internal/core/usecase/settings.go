package usecase

import "time"

// BatchSettings is the immutable configuration shared by the submitter and the
// poller. It is passed by value at construction.
type BatchSettings struct {
	// QueueSizeThreshold bounds how many queued requests go into one batch.
	QueueSizeThreshold int
	SubmitInterval     time.Duration
	PollInterval       time.Duration
	MaxRetryCount      int
	// OrphanGrace enables the created-job reconciliation sweep when positive.
	OrphanGrace time.Duration
}

func DefaultBatchSettings() BatchSettings {
	return BatchSettings{
		QueueSizeThreshold: 100,
		SubmitInterval:     15 * time.Minute,
		PollInterval:       5 * time.Minute,
		MaxRetryCount:      3,
	}
}

// Normalized replaces out-of-range values with defaults.
func (s BatchSettings) Normalized() BatchSettings {
	out := s
	def := DefaultBatchSettings()

	if out.QueueSizeThreshold <= 0 {
		out.QueueSizeThreshold = def.QueueSizeThreshold
	}
	if out.SubmitInterval <= 0 {
		out.SubmitInterval = def.SubmitInterval
	}
	if out.PollInterval <= 0 {
		out.PollInterval = def.PollInterval
	}
	if out.MaxRetryCount < 0 {
		out.MaxRetryCount = 0
	}
	if out.OrphanGrace < 0 {
		out.OrphanGrace = 0
	}
	return out
}
