package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"escrowflow/metrics"

	"github.com/google/uuid"
)

// OutboxWorker pulls unpublished outbox rows and publishes them. Rows that
// keep failing are dead-lettered after maxRetries attempts.
type OutboxWorker struct {
	logger     *slog.Logger
	outbox     OutboxRepository
	publisher  Publisher
	metrics    *metrics.EscrowMetrics
	interval   time.Duration
	batchSize  int
	claimTTL   time.Duration
	maxRetries int
}

type WorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	MaxRetries int
}

func NewOutboxWorker(logger *slog.Logger, outbox OutboxRepository, publisher Publisher, m *metrics.EscrowMetrics, cfg WorkerConfig) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &OutboxWorker{
		logger:     logger,
		outbox:     outbox,
		publisher:  publisher,
		metrics:    m,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		claimTTL:   cfg.ClaimTTL,
		maxRetries: cfg.MaxRetries,
	}
}

// Run processes batches until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "audit.outbox_worker",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch and returns how many rows were published.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	claimToken := uuid.NewString()
	records, err := w.outbox.ClaimUnpublished(ctx, w.batchSize, claimToken, time.Now().UTC().Add(w.claimTTL))
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	published, failed, deadLettered := 0, 0, 0
	for _, rec := range records {
		if rec.RetryCount >= w.maxRetries {
			deadLettered++
			_ = w.outbox.MarkDeadLettered(ctx, rec.ID, claimToken, "retry threshold reached before publish", now)
			continue
		}

		if err := w.publisher.Publish(ctx, rec.Topic, rec.PartitionKey, rec.Payload); err != nil {
			failed++
			retries := rec.RetryCount + 1
			if retries >= w.maxRetries {
				deadLettered++
				w.logger.ErrorContext(ctx, "outbox message moved to dead letter",
					"module", "audit.outbox_worker",
					"operation", "publish_event",
					"outcome", "failure",
					"outbox_id", rec.ID,
					"booking_id", rec.PartitionKey,
					"retry_count", retries,
					"error", err,
				)
				_ = w.outbox.MarkDeadLettered(ctx, rec.ID, claimToken, err.Error(), now)
				continue
			}
			w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
				"module", "audit.outbox_worker",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.ID,
				"booking_id", rec.PartitionKey,
				"retry_count", retries,
				"error", err,
			)
			_ = w.outbox.MarkFailed(ctx, rec.ID, claimToken, err.Error(), now)
			continue
		}
		published++
		_ = w.outbox.MarkPublished(ctx, rec.ID, claimToken, now)
	}

	w.metrics.ObserveOutbox(published, failed, deadLettered)
	if len(records) > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"module", "audit.outbox_worker",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", len(records),
			"published_count", published,
			"failed_count", failed,
			"dead_lettered_count", deadLettered,
		)
	}
	return published, nil
}
