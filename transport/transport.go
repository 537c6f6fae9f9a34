// Package transport defines the broker plumbing eventpipe consumes from.
// Each backend lives in its own sub-package and registers a Builder with the
// transport registry under the name used by the pubsub system setting.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport bundles what the consumer needs from a broker: a subscriber for
// the inbound queue, a publisher for the dead-letter destination, and a
// general publisher used by producers and tests.
type Transport struct {
	Publisher           message.Publisher
	Subscriber          message.Subscriber
	DeadLetterPublisher message.Publisher
}

// DeadLetter returns the publisher used for dead-lettering, falling back to
// Publisher when the backend does not provide a dedicated one.
func (t Transport) DeadLetter() message.Publisher {
	if t.DeadLetterPublisher != nil {
		return t.DeadLetterPublisher
	}
	return t.Publisher
}

// Close closes every distinct component once.
func (t Transport) Close() error {
	type closer interface{ Close() error }
	seen := make(map[closer]struct{}, 3)
	var errs []error
	for _, c := range []closer{t.Subscriber, t.DeadLetterPublisher, t.Publisher} {
		if c == nil {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values a transport needs without depending on the
// full config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	GetRabbitMQURL() string
	GetExchangeName() string
	GetQueueName() string
	GetBindingKeys() []string
	GetDeadLetterDestination() string
	GetPrefetchCount() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
