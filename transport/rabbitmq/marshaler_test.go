package rabbitmq

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventpipe/internal/runtime/metadata"
)

func TestMarshaler_UnmarshalExposesRoutingKeyAndCorrelation(t *testing.T) {
	delivery := amqp091.Delivery{
		Body:          []byte(`{"eventType":"auth.UserCreatedEvent"}`),
		RoutingKey:    "auth.UserCreatedEvent",
		CorrelationId: "corr-from-property",
		MessageId:     "msg-1",
		Redelivered:   true,
		Headers: amqp091.Table{
			"tenant":  "acme",
			"attempt": int32(2),
		},
	}

	msg, err := Marshaler{}.Unmarshal(delivery)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.UUID)
	assert.Equal(t, delivery.Body, []byte(msg.Payload))
	assert.Equal(t, "auth.UserCreatedEvent", msg.Metadata.Get(metadata.KeyRoutingKey))
	assert.Equal(t, "corr-from-property", msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Equal(t, "2", msg.Metadata.Get("attempt"))
	assert.Equal(t, "true", msg.Metadata.Get(MetadataRedelivered))
}

func TestMarshaler_UnmarshalPrefersCorrelationHeader(t *testing.T) {
	delivery := amqp091.Delivery{
		Body:          []byte(`{}`),
		CorrelationId: "corr-property",
		Headers: amqp091.Table{
			metadata.KeyCorrelationID: "corr-header",
			messageUUIDHeader:         "uuid-1",
		},
	}

	msg, err := Marshaler{}.Unmarshal(delivery)
	require.NoError(t, err)

	assert.Equal(t, "uuid-1", msg.UUID)
	assert.Equal(t, "corr-header", msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.Empty(t, msg.Metadata.Get(messageUUIDHeader))
	assert.Empty(t, msg.Metadata.Get(MetadataRedelivered))
}

func TestMarshaler_UnmarshalGeneratesUUIDForForeignProducers(t *testing.T) {
	msg, err := Marshaler{}.Unmarshal(amqp091.Delivery{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.UUID)
	assert.Empty(t, msg.Metadata.Get(metadata.KeyCorrelationID))
}

func TestMarshaler_MarshalSetsCorrelationProperty(t *testing.T) {
	msg := message.NewMessage("uuid-2", []byte(`{"a":1}`))
	msg.Metadata.Set(metadata.KeyCorrelationID, "corr-123")
	msg.Metadata.Set(metadata.KeyEventType, "auth.UserCreatedEvent")

	publishing, err := Marshaler{}.Marshal(msg)
	require.NoError(t, err)

	assert.Equal(t, "corr-123", publishing.CorrelationId)
	assert.Equal(t, "uuid-2", publishing.MessageId)
	assert.Equal(t, "application/json", publishing.ContentType)
	assert.Equal(t, []byte(`{"a":1}`), publishing.Body)
	assert.Equal(t, "auth.UserCreatedEvent", publishing.Headers[metadata.KeyEventType])
	assert.Equal(t, amqp091.Persistent, publishing.DeliveryMode)
}

func TestMarshaler_RoundTripKeepsUUID(t *testing.T) {
	msg := message.NewMessage("uuid-3", []byte(`{}`))
	publishing, err := Marshaler{}.Marshal(msg)
	require.NoError(t, err)

	out, err := Marshaler{}.Unmarshal(amqp091.Delivery{
		Body:      publishing.Body,
		Headers:   publishing.Headers,
		MessageId: publishing.MessageId,
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid-3", out.UUID)
}
