package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAMQPChannel struct {
	mock.Mock
}

func (m *MockAMQPChannel) PublishWithContext(
	ctx context.Context,
	exchange, key string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *MockAMQPChannel) Close() error { return nil }

func newTestAMQP(ch *MockAMQPChannel) *AMQP {
	a := NewAMQP(ch, "news.digest", "digest.hourly")
	a.now = func() time.Time { return time.Date(2024, 3, 1, 11, 0, 1, 0, time.UTC) }
	return a
}

var window = Message{
	Start: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	Text:  "markets calm",
}

func TestAMQPPublishesPersistentEvent(t *testing.T) {
	ch := &MockAMQPChannel{}
	a := newTestAMQP(ch)

	var captured amqp.Publishing
	ch.
		On("PublishWithContext",
			mock.Anything,
			"news.digest",
			"digest.hourly",
			false,
			false,
			mock.AnythingOfType("amqp.Publishing"),
		).
		Return(nil).
		Run(func(args mock.Arguments) {
			captured = args.Get(5).(amqp.Publishing)
		}).
		Once()

	require.NoError(t, a.Send(context.Background(), window))
	ch.AssertExpectations(t)

	assert.Equal(t, amqp.Persistent, captured.DeliveryMode)
	assert.Equal(t, "application/json", captured.ContentType)
	assert.NotEmpty(t, captured.MessageId)

	var event DigestEvent
	require.NoError(t, json.Unmarshal(captured.Body, &event))
	assert.Equal(t, "digest.ready", event.Event)
	assert.Equal(t, captured.MessageId, event.ID)
	assert.Equal(t, "markets calm", event.Text)
	assert.True(t, window.Start.Equal(event.Start))
	assert.True(t, window.End.Equal(event.End))
}

func TestAMQPErrorBubbles(t *testing.T) {
	ch := &MockAMQPChannel{}
	a := newTestAMQP(ch)

	publishErr := errors.New("channel closed")
	ch.
		On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(publishErr)

	require.Equal(t, publishErr, a.Send(context.Background(), window))
}

func TestAMQPContextCancel(t *testing.T) {
	ch := &MockAMQPChannel{}
	a := newTestAMQP(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, context.Canceled, a.Send(ctx, window))
	ch.AssertNotCalled(t, "PublishWithContext")
}
