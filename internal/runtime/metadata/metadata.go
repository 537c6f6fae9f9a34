package metadata

// Header keys the pipeline reads from inbound messages or writes on dead letters.
const (
	// KeyCorrelationID carries the correlation id; the AMQP marshaler maps it
	// to and from the correlation_id message property.
	KeyCorrelationID = "correlation_id"

	// KeyRoutingKey is the broker routing key of the inbound delivery.
	KeyRoutingKey = "amqp_routing_key"

	KeyEventType = "event_type"
	KeyEventID   = "event_id"

	KeyDeadLetterReason = "dead_letter_reason"
	KeyDeadLetteredAt   = "dead_lettered_at"
	KeySourceQueue      = "source_queue"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (m Metadata) Get(key string) string {
	return m[key]
}

// With returns a cloned metadata map containing the provided key/value pair.
// Empty values are skipped so optional headers never appear as "".
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
