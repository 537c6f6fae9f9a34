/*
Package runtime wires the event pipeline together.

Service owns the transport connection and builds, in order, the handler
registry, the retry executor, the dead-letter publisher and the consumer. Start
runs the consumer's Watermill router and the health HTTP server side by side
and returns when the context is cancelled or either of them fails.

# Sub-packages

  - config/: environment-backed configuration with validation
  - consumer/: the router loop that validates, dispatches and dead-letters
  - deadletter/: dead-letter envelope and publisher
  - errors/: sentinel errors
  - event/: envelope model, payload schemas and the validator
  - handlers/: handler interfaces, typed JSON handlers and the registry
  - ids/: ULID and correlation id generation
  - jsoncodec/: JSON encoding backed by sonic
  - logging/: ServiceLogger and Watermill adapters
  - metadata/: message header keys and helpers
  - metrics/: Prometheus collectors for the pipeline and the dead-letter queue
  - retry/: retry policy, executor and error classification
  - transport/: bridge from Config to the transport registry
*/
package runtime
