package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"redemption-service/internal/broker"
	"redemption-service/internal/models"
	"redemption-service/internal/util"

	"go.uber.org/zap"
)

// Consumer is the subset of broker.Consumer a worker drives
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// EventWorker runs one consumer group over the redemption event topic
type EventWorker struct {
	name     string
	consumer Consumer
	handler  *broker.EventHandler
	logger   *zap.Logger
}

// Start blocks consuming events until ctx is done
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", zap.String("worker", w.name))
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop closes the underlying consumer
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping worker", zap.String("worker", w.name))
	return w.consumer.Close()
}

// AuditLog writes every event as a structured audit record
type AuditLog struct {
	logger *zap.Logger
}

// NewAuditLog creates an audit sink on logger
func NewAuditLog(logger *zap.Logger) *AuditLog {
	return &AuditLog{logger: logger.Named("audit")}
}

// Record writes one audit line for event
func (a *AuditLog) Record(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	base := event.Base()
	a.logger.Info("Audit event",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.Int64("actor_id", base.ActorID),
		zap.Time("occurred_at", base.Timestamp),
		zap.String("subject", event.Key()),
		zap.Any("payload", json.RawMessage(payload)))
	return nil
}

// NewAuditWorker records every event to audit
func NewAuditWorker(consumer Consumer, audit *AuditLog) *EventWorker {
	handler := broker.NewEventHandler()
	handler.OnAny(audit.Record)

	return &EventWorker{
		name:     "audit",
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// Broadcaster pushes a message to live subscribers
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// LiveFeed forwards redemption activity to the admin live channel
type LiveFeed struct {
	broadcaster Broadcaster
	channel     string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewLiveFeed creates a feed publishing on channel
func NewLiveFeed(broadcaster Broadcaster, channel string, timeout time.Duration) *LiveFeed {
	return &LiveFeed{
		broadcaster: broadcaster,
		channel:     channel,
		timeout:     timeout,
		logger:      util.GetLogger(),
	}
}

// Notify publishes event. Broadcast failures are logged and swallowed: a
// missed live update must not stall the consumer group.
func (f *LiveFeed) Notify(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.broadcaster.Publish(ctx, f.channel, payload); err != nil {
		base := event.Base()
		f.logger.Warn("Live broadcast failed",
			zap.String("channel", f.channel),
			zap.String("event_type", base.EventType),
			zap.String("event_id", base.EventID),
			zap.Error(err))
	}
	return nil
}

// NewBroadcastWorker forwards redemption lifecycle events to feed
func NewBroadcastWorker(consumer Consumer, feed *LiveFeed) *EventWorker {
	handler := broker.NewEventHandler()
	for _, eventType := range []string{
		models.EventTypeRedemptionCreated,
		models.EventTypeRedemptionFulfilled,
		models.EventTypeRedemptionCancelled,
		models.EventTypeRedemptionBulk,
	} {
		handler.On(eventType, feed.Notify)
	}

	return &EventWorker{
		name:     "broadcast",
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// StaleCodeReclaimer returns abandoned code reservations to their pool
type StaleCodeReclaimer interface {
	ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// CodeReclaimer periodically sweeps code reservations older than maxAge
type CodeReclaimer struct {
	pool     StaleCodeReclaimer
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewCodeReclaimer creates a sweeper running every interval
func NewCodeReclaimer(pool StaleCodeReclaimer, maxAge, interval time.Duration) *CodeReclaimer {
	return &CodeReclaimer{
		pool:     pool,
		maxAge:   maxAge,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps until ctx is done. A failed sweep is logged and retried on the
// next tick.
func (r *CodeReclaimer) Start(ctx context.Context) error {
	r.logger.Info("Starting worker",
		zap.String("worker", "code-reclaimer"),
		zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.pool.ReclaimStale(ctx, r.maxAge); err != nil && ctx.Err() == nil {
				r.logger.Error("Code reclaim failed", zap.Error(err))
			}
		}
	}
}
