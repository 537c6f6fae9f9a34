// Package transports imports the built-in transports for their registration
// side effect.
package transports

import (
	_ "github.com/drblury/eventpipe/transport/channel"
	_ "github.com/drblury/eventpipe/transport/rabbitmq"
)
