package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) PublishEvent(ctx context.Context, key string, event interface{}) error {
	args := m.Called(ctx, key, event)
	return args.Error(0)
}

func createdEvent(id int64) *models.RedemptionCreatedEvent {
	return &models.RedemptionCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt",
			EventType: models.EventTypeRedemptionCreated,
			Timestamp: time.Unix(1700000000, 0).UTC(),
		},
		RedemptionID: id,
		UserID:       3,
		RewardID:     4,
		Code:         "RW-X",
	}
}

func TestAsyncPublisherDeliversInOrder(t *testing.T) {
	w := &mockWriter{}
	var (
		mu   sync.Mutex
		keys []string
	)
	w.On("PublishEvent", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			keys = append(keys, args.String(1))
		}).
		Return(nil)

	p := NewAsyncPublisher(w, 10, time.Second)
	p.Start()
	p.Publish(createdEvent(1))
	p.Publish(createdEvent(2))

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, []string{"redemption-1", "redemption-2"}, keys)
	w.AssertNumberOfCalls(t, "PublishEvent", 2)
}

func TestAsyncPublisherDropsWhenFull(t *testing.T) {
	w := &mockWriter{}
	release := make(chan struct{})
	w.On("PublishEvent", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	p := NewAsyncPublisher(w, 1, time.Second)

	done := make(chan struct{})
	go func() {
		// queue holds one event and nothing drains it yet
		p.Publish(createdEvent(1))
		p.Publish(createdEvent(2))
		p.Publish(createdEvent(3))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	p.Start()
	close(release)
	require.NoError(t, p.Close(context.Background()))
	w.AssertNumberOfCalls(t, "PublishEvent", 1)

	// publishing after close is a counted drop, not a panic
	p.Publish(createdEvent(4))
}

func TestAsyncPublisherSurvivesWriterErrors(t *testing.T) {
	w := &mockWriter{}
	w.On("PublishEvent", mock.Anything, "redemption-1", mock.Anything).Return(errors.New("broker down"))
	w.On("PublishEvent", mock.Anything, "redemption-2", mock.Anything).Return(nil)

	p := NewAsyncPublisher(w, 10, time.Second)
	p.Start()
	p.Publish(createdEvent(1))
	p.Publish(createdEvent(2))

	require.NoError(t, p.Close(context.Background()))
	w.AssertExpectations(t)
}

func TestDecodeEvent(t *testing.T) {
	data, err := json.Marshal(createdEvent(9))
	require.NoError(t, err)

	event, err := DecodeEvent(data)
	require.NoError(t, err)
	created, ok := event.(*models.RedemptionCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(9), created.RedemptionID)
	assert.Equal(t, "RW-X", created.Code)

	_, err = DecodeEvent([]byte(`{"event_type":"SOMETHING_ELSE"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestEventHandlerRouting(t *testing.T) {
	eh := NewEventHandler()
	var seen []string

	eh.On(models.EventTypeRedemptionCreated, func(ctx context.Context, e models.Event) error {
		seen = append(seen, "created")
		return nil
	})
	eh.OnAny(func(ctx context.Context, e models.Event) error {
		seen = append(seen, "any:"+e.Base().EventType)
		return nil
	})

	data, err := json.Marshal(createdEvent(1))
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: data}))

	adjusted, err := json.Marshal(&models.PointsAdjustedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypePointsAdjusted},
		UserID:    1,
	})
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: adjusted}))

	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("junk")}))

	assert.Equal(t, []string{"created", "any:" + models.EventTypeRedemptionCreated, "any:" + models.EventTypePointsAdjusted}, seen)
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	r.mu.Unlock()
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerSkipsMessageAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}},
		cancel:   cancel,
	}
	c := &Consumer{reader: reader, topic: "t", retryDelay: time.Millisecond, handleAttempts: 3, logger: util.GetLogger()}

	calls := map[int64]int{}
	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 2 {
			return errors.New("handler failed")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 3}, reader.committed)
	assert.Equal(t, map[int64]int{1: 1, 2: 3, 3: 1}, calls)
}

func TestConsumerRetriesTransientHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}},
		cancel:   cancel,
	}
	c := &Consumer{reader: reader, topic: "t", retryDelay: time.Millisecond, handleAttempts: 3, logger: util.GetLogger()}

	failures := 2
	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		if msg.Offset == 2 && failures > 0 {
			failures--
			return errors.New("redis timeout")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Zero(t, failures)
}
