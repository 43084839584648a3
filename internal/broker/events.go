package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"redemption-service/internal/models"
	"redemption-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DecodeEvent parses a message value into its concrete event type
func DecodeEvent(data []byte) (models.Event, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	var event models.Event
	switch base.EventType {
	case models.EventTypeRedemptionCreated:
		event = &models.RedemptionCreatedEvent{}
	case models.EventTypeRedemptionFulfilled:
		event = &models.RedemptionFulfilledEvent{}
	case models.EventTypeRedemptionCancelled:
		event = &models.RedemptionCancelledEvent{}
	case models.EventTypeRedemptionBulk:
		event = &models.RedemptionBulkStatusEvent{}
	case models.EventTypePointsAdjusted:
		event = &models.PointsAdjustedEvent{}
	case models.EventTypeCodesImported:
		event = &models.CodesImportedEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, base.EventType)
	}

	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
	}
	return event, nil
}

// EventFunc consumes one decoded event
type EventFunc func(ctx context.Context, event models.Event) error

// EventHandler routes decoded events to registered callbacks
type EventHandler struct {
	byType map[string][]EventFunc
	any    []EventFunc
	logger *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		byType: make(map[string][]EventFunc),
		logger: util.GetLogger(),
	}
}

// On registers fn for one event type
func (eh *EventHandler) On(eventType string, fn EventFunc) {
	eh.byType[eventType] = append(eh.byType[eventType], fn)
}

// OnAny registers fn for every event
func (eh *EventHandler) OnAny(fn EventFunc) {
	eh.any = append(eh.any, fn)
}

// HandleMessage decodes msg and runs the matching callbacks in registration
// order, stopping at the first error. Unknown and malformed events are logged
// and skipped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := DecodeEvent(msg.Value)
	if err != nil {
		eh.logger.Warn("Skipping undecodable event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	base := event.Base()
	eh.logger.Debug("Handling event",
		zap.String("type", base.EventType),
		zap.String("id", base.EventID))

	for _, fn := range eh.byType[base.EventType] {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	for _, fn := range eh.any {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
