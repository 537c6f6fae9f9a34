// Package eventpipe consumes domain events from a RabbitMQ topic exchange,
// validates their JSON envelope and payload, and dispatches them to exactly
// one registered handler per event type. Failed handlers are retried with a
// bounded backoff schedule. Messages that are invalid, exhaust their retries,
// or fail with a terminal error are published to a dead-letter queue together
// with the reason and correlation id before the original is acknowledged.
//
// A minimal setup loads Config from the environment, creates a Service,
// registers handlers, and calls Start:
//
//	conf, err := eventpipe.LoadConfig()
//	svc, err := eventpipe.TryNewService(ctx, conf, logger, eventpipe.ServiceDependencies{})
//	err = eventpipe.RegisterJSONHandler(svc, "auth.UserCreatedEvent", onUserCreated)
//	err = svc.Start(ctx)
//
// # Transports
//
//   - rabbitmq: durable queue bound to a topic exchange, dead letters on the
//     default exchange
//   - channel: in-memory Go channels for tests and local runs
//
// # Delivery
//
// Delivery is at-least-once. A message is acknowledged after its handler
// succeeded or after it was written to the dead-letter queue. When the
// dead-letter publish fails, or the service shuts down mid-retry, the message
// is rejected and redelivered by the broker, so handlers must be idempotent.
//
// # Health
//
// With HealthPort set, Start also serves /health, /health/live,
// /api/handlers and, when metrics are enabled, /metrics.
package eventpipe
