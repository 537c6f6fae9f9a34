// Package transport connects the service to the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventpipe/internal/runtime/config"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	registry "github.com/drblury/eventpipe/transport"

	// Built-in transports register themselves.
	_ "github.com/drblury/eventpipe/transport/transports"
)

// Transport is the publisher/subscriber bundle produced by a Factory.
type Transport = registry.Transport

// Capabilities is an alias for the registry's capability set.
type Capabilities = registry.Capabilities

// Factory abstracts how the service obtains its broker connection.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the default transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return registry.Build(ctx, conf, logger)
}

// CapabilitiesFor returns what the named transport supports.
func CapabilitiesFor(name string) Capabilities {
	return registry.GetCapabilities(name)
}
