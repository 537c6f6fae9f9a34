// Package channel provides an in-memory Go channel transport for eventpipe.
// It is meant for tests and local runs: topics are matched verbatim, so
// producers must publish to the exact binding key the consumer subscribes to.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventpipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. The prefetch count sizes the
// output buffer of every subscription, and the same pub/sub carries dead
// letters.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	gcfg := gochannel.Config{}
	if cfg != nil && cfg.GetPrefetchCount() > 0 {
		gcfg.OutputChannelBuffer = int64(cfg.GetPrefetchCount())
	}
	pub, sub := Factory(gcfg, logger)
	return transport.Transport{
		Publisher:           pub,
		Subscriber:          sub,
		DeadLetterPublisher: pub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
