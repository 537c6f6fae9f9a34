package rabbitmq

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/eventpipe/internal/runtime/ids"
	"github.com/drblury/eventpipe/internal/runtime/metadata"
)

// messageUUIDHeader matches the header watermill-amqp writes by default.
const messageUUIDHeader = "_watermill_message_uuid"

// MetadataRedelivered is set to "true" when the broker flagged the delivery
// as a redelivery.
const MetadataRedelivered = "amqp_redelivered"

// Marshaler maps between AMQP deliveries and Watermill messages. On top of
// the default header mapping it exposes the routing key and the AMQP
// correlation id property as metadata, and tolerates deliveries from
// producers that never set the Watermill uuid header or use non-string
// header values.
type Marshaler struct {
	amqp.DefaultMarshaler
}

// Marshal writes the correlation id metadata into the AMQP property as well
// as into the headers.
func (m Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	publishing, err := m.DefaultMarshaler.Marshal(msg)
	if err != nil {
		return publishing, err
	}
	if publishing.ContentType == "" {
		publishing.ContentType = "application/json"
	}
	if cid := msg.Metadata.Get(metadata.KeyCorrelationID); cid != "" {
		publishing.CorrelationId = cid
	}
	if publishing.MessageId == "" {
		publishing.MessageId = msg.UUID
	}
	return publishing, nil
}

// Unmarshal builds a message from a delivery.
func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	uuid, _ := delivery.Headers[messageUUIDHeader].(string)
	if uuid == "" {
		uuid = delivery.MessageId
	}
	if uuid == "" {
		uuid = ids.CreateULID()
	}

	msg := message.NewMessage(uuid, delivery.Body)
	for key, value := range delivery.Headers {
		if key == messageUUIDHeader {
			continue
		}
		if s, ok := value.(string); ok {
			msg.Metadata.Set(key, s)
			continue
		}
		msg.Metadata.Set(key, fmt.Sprint(value))
	}

	msg.Metadata.Set(metadata.KeyRoutingKey, delivery.RoutingKey)
	if delivery.CorrelationId != "" && msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, delivery.CorrelationId)
	}
	if delivery.Redelivered {
		msg.Metadata.Set(MetadataRedelivered, "true")
	}
	return msg, nil
}
