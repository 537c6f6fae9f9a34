package consumer

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
)

// JobContext describes one message as it moves through the consumer.
type JobContext struct {
	// HandlerName is the router handler that received the message.
	HandlerName string
	// RoutingKey is the broker routing key, or the subscribed topic when the
	// transport has no routing keys.
	RoutingKey  string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context

	// Set once the envelope has been validated.
	EventType     string
	EventID       string
	CorrelationID string

	StartedAt time.Time
	// Duration and Attempts are set for the completion hooks.
	Duration time.Duration
	Attempts int
}

// JobHooks are optional callbacks around message processing. Nil hooks are
// skipped.
type JobHooks struct {
	// OnJobStart runs before validation.
	OnJobStart func(ctx JobContext)

	// OnJobDone runs after a handler succeeded, right before the ack.
	OnJobDone func(ctx JobContext)

	// OnJobError runs when a message could not be disposed of and is nacked,
	// or when its handler failed and the message is about to be dead-lettered.
	OnJobError func(ctx JobContext, err error)

	// OnDeadLetter runs after a successful dead-letter publish.
	OnDeadLetter func(ctx JobContext, reason string)
}

// Merge combines two JobHooks. Hooks from other run after the ones from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart:   chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:    chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError:   chainErrorHooks(h.OnJobError, other.OnJobError),
		OnDeadLetter: chainDeadLetterHooks(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainDeadLetterHooks(a, b func(JobContext, string)) func(JobContext, string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, reason string) {
		a(ctx, reason)
		b(ctx, reason)
	}
}

// LoggingHooks logs job completion at debug level and failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":        ctx.HandlerName,
			"routing_key":    ctx.RoutingKey,
			"message_uuid":   ctx.MessageUUID,
			"event_type":     ctx.EventType,
			"correlation_id": ctx.CorrelationID,
			"attempts":       ctx.Attempts,
			"duration_ms":    ctx.Duration.Milliseconds(),
		}
	}
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", fields(ctx))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, fields(ctx))
		},
		OnDeadLetter: func(ctx JobContext, reason string) {
			f := fields(ctx)
			f["reason"] = reason
			logger.Info("Job dead-lettered", f)
		},
	}
}

// AlertingHooks calls alertFunc for every failed job.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
