package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/util"

	"go.uber.org/zap"
)

// ErrUnknownEvent is returned by DecodeEvent for an unrecognised event type
var ErrUnknownEvent = errors.New("unknown event type")

// EventWriter delivers one event to the broker
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// AsyncPublisher is an in-process outbound queue in front of the broker.
// Publish never blocks: when the queue is full or closed the event is dropped
// and counted.
type AsyncPublisher struct {
	writer         EventWriter
	queue          chan models.Event
	publishTimeout time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncPublisher creates a publisher buffering up to size events
func NewAsyncPublisher(writer EventWriter, size int, publishTimeout time.Duration) *AsyncPublisher {
	if size <= 0 {
		size = 1
	}
	return &AsyncPublisher{
		writer:         writer,
		queue:          make(chan models.Event, size),
		publishTimeout: publishTimeout,
		logger:         util.GetLogger(),
		done:           make(chan struct{}),
	}
}

// Publish enqueues event for delivery
func (p *AsyncPublisher) Publish(event models.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	base := event.Base()
	if p.closed {
		p.drop(base, "closed")
		return
	}

	select {
	case p.queue <- event:
	default:
		p.drop(base, "queue_full")
	}
}

func (p *AsyncPublisher) drop(base models.BaseEvent, reason string) {
	util.EventsDroppedTotal.WithLabelValues(reason).Inc()
	p.logger.Warn("Dropping outbound event",
		zap.String("type", base.EventType),
		zap.String("id", base.EventID),
		zap.String("reason", reason))
}

// Start drains the queue in the background until Close
func (p *AsyncPublisher) Start() {
	go func() {
		defer close(p.done)
		for event := range p.queue {
			p.deliver(event)
		}
	}()
}

func (p *AsyncPublisher) deliver(event models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	base := event.Base()
	if err := p.writer.PublishEvent(ctx, event.Key(), event); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("type", base.EventType),
			zap.String("id", base.EventID),
			zap.Error(err))
		util.EventsDroppedTotal.WithLabelValues("publish_error").Inc()
		return
	}
	util.EventsPublishedTotal.WithLabelValues(base.EventType).Inc()
}

// Close stops accepting events and waits for the queued ones to be delivered
// or for ctx to expire.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Outbound queue not drained before shutdown", zap.Int("pending", len(p.queue)))
		return ctx.Err()
	}
}
