package transport

// Capabilities describes what a transport backend offers the consumer.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// Durable means queued messages survive a process or broker restart.
	Durable bool

	// SupportsAck and SupportsNack report explicit settlement. Both are needed
	// for at-least-once delivery.
	SupportsAck  bool
	SupportsNack bool

	// SupportsPrefetch means the broker honours a prefetch (QoS) window.
	SupportsPrefetch bool

	// SupportsRoutingKeys means subscriptions are filtered by binding keys
	// and each delivery carries the routing key it was published with.
	SupportsRoutingKeys bool

	// SupportsCompetingConsumers means several subscriptions to the same queue
	// share its messages instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// SupportsCorrelationHeader means the broker has a native correlation id
	// property that is surfaced as message metadata.
	SupportsCorrelationHeader bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresRoutingKeyEmulation is true when the transport delivers on topic
// names instead of routing keys, so every binding key has to be published to
// verbatim.
func (c Capabilities) RequiresRoutingKeyEmulation() bool {
	return !c.SupportsRoutingKeys
}

var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		SupportsAck:  true,
		SupportsNack: true,
	}

	// RabbitMQCapabilities for the AMQP 0-9-1 transport.
	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		Durable:                    true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsPrefetch:           true,
		SupportsRoutingKeys:        true,
		SupportsCompetingConsumers: true,
		SupportsCorrelationHeader:  true,
		MaxMessageSize:             128 << 20,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry, or a zero set carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
