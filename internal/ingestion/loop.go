package ingestion

import (
	"context"
	"errors"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IngestLoop parses raw messages and drives the processor. Permanent
// rejections are acked so the stream moves on. A dedup outage is retried in
// place with backoff, holding the message, so the consumer never exhausts its
// deliveries while the database is down. Cancellation naks for redelivery.
type IngestLoop struct {
	processor    EventProcessor
	inputChan    <-chan RawEvent
	retryInitial time.Duration
	retryMax     time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewIngestLoop(processor EventProcessor, inputChan <-chan RawEvent, metrics *observability.Metrics) *IngestLoop {
	return &IngestLoop{
		processor:    processor,
		inputChan:    inputChan,
		retryInitial: 200 * time.Millisecond,
		retryMax:     10 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("ingest"),
	}
}

// WithRetryBackoff sets the dedup-outage backoff, doubling from initial up to
// max.
func (l *IngestLoop) WithRetryBackoff(initial, max time.Duration) *IngestLoop {
	l.retryInitial = initial
	l.retryMax = max
	return l
}

func (l *IngestLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.inputChan:
			if !ok {
				return nil
			}
			l.handle(ctx, raw)
		}
	}
}

func (l *IngestLoop) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable event")
		if l.metrics != nil {
			l.metrics.IndexerEventsRejected.WithLabelValues("unknown", "parse").Inc()
		}
		ack(raw)
		return
	}

	err = l.processWithRetry(ctx, raw, evt)
	switch {
	case err == nil:
		ack(raw)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		l.logger.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("interrupted, will redeliver")
		nak(raw)
	default:
		l.logger.Warn().Err(err).
			Str("key", evt.IdempotencyKey()).
			Str("type", evt.EventType().String()).
			Msg("event rejected")
		ack(raw)
	}
}

// processWithRetry retries ErrDedupUnavailable until it clears or ctx ends.
// Every wait tells the broker the message is still being worked on.
func (l *IngestLoop) processWithRetry(ctx context.Context, raw RawEvent, evt event.Event) error {
	backoff := l.retryInitial
	for attempt := 1; ; attempt++ {
		err := l.processor.ProcessEvent(ctx, evt)
		if !errors.Is(err, core.ErrDedupUnavailable) {
			if err == nil && attempt > 1 {
				l.logger.Info().Int("attempts", attempt).Str("key", evt.IdempotencyKey()).Msg("dedup recovered")
			}
			return err
		}

		l.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("key", evt.IdempotencyKey()).
			Msg("dedup unavailable, retrying")
		if l.metrics != nil {
			l.metrics.IngestRetries.Inc()
		}
		inProgress(raw)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.retryMax {
			backoff = l.retryMax
		}
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

func inProgress(raw RawEvent) {
	if raw.InProgressFunc != nil {
		raw.InProgressFunc()
	}
}
