// Package consumer drives broker messages through validation, dispatch with
// retry, and dead-lettering.
//
// Every message ends in exactly one of three ways: its handler succeeded and
// it is acked, it was dead-lettered and then acked, or it could not be
// disposed of and is nacked for redelivery. The Watermill router owns the
// ack: a nil return from HandleMessage acks, an error nacks.
package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventpipe/internal/runtime/deadletter"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	"github.com/drblury/eventpipe/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventpipe/internal/runtime/metadata"
	"github.com/drblury/eventpipe/internal/runtime/metrics"
	"github.com/drblury/eventpipe/internal/runtime/retry"
)

// ReasonMaxRetries is the dead-letter reason for messages whose handler kept
// failing with retryable errors.
const ReasonMaxRetries = "Processing failed after max retries"

const (
	reasonUnexpected    = "Unexpected processing error: "
	tracerName          = "github.com/drblury/eventpipe/consumer"
	defaultCloseTimeout = 30 * time.Second
)

// Recorder receives per-message measurements. *metrics.PipelineMetrics
// implements it.
type Recorder interface {
	MessageReceived(eventType string)
	ValidationFailed()
	RetryScheduled(eventType string)
	MessageProcessed(eventType, outcome string, attempts int, elapsed time.Duration)
}

// DeadLetterer moves undeliverable messages aside.
type DeadLetterer interface {
	MoveToDeadLetterQueue(ctx context.Context, original deadletter.Original, reason, correlationID string) error
}

// HealthStatus is a point-in-time snapshot for health checks.
type HealthStatus struct {
	IsConsuming        bool      `json:"isConsuming"`
	RegisteredHandlers []string  `json:"registeredHandlers"`
	Timestamp          time.Time `json:"timestamp"`
}

// Dependencies are the collaborators a Consumer cannot run without, except
// Executor which defaults to the default retry policy.
type Dependencies struct {
	Subscriber message.Subscriber
	Validator  *event.Validator
	Registry   *handlers.Registry
	DeadLetter DeadLetterer
	Executor   *retry.Executor
	Logger     loggingpkg.ServiceLogger
}

// Options tune subscription and instrumentation.
type Options struct {
	// QueueName is only used for naming router handlers and in logs; the
	// transport decides which queue a subscription reads from.
	QueueName   string
	BindingKeys []string
	// Concurrency is the number of router handlers per binding key.
	Concurrency  int
	CloseTimeout time.Duration
	Hooks        JobHooks
	Recorder     Recorder
	Tracer       trace.Tracer
	Clock        func() time.Time
}

// Consumer subscribes to the inbound queue and disposes of every message.
type Consumer struct {
	subscriber message.Subscriber
	validator  *event.Validator
	registry   *handlers.Registry
	dlq        DeadLetterer
	executor   *retry.Executor
	logger     loggingpkg.ServiceLogger

	queue       string
	bindingKeys []string
	concurrency int
	hooks       JobHooks
	recorder    Recorder
	tracer      trace.Tracer
	now         func() time.Time

	router    *message.Router
	started   atomic.Bool
	consuming atomic.Bool
}

// New validates deps and builds the router. Handlers are attached by Run.
func New(deps Dependencies, opts Options) (*Consumer, error) {
	switch {
	case deps.Subscriber == nil:
		return nil, errspkg.ErrSubscriberRequired
	case deps.Validator == nil:
		return nil, errspkg.ErrValidatorRequired
	case deps.Registry == nil:
		return nil, errspkg.ErrRegistryRequired
	case deps.DeadLetter == nil:
		return nil, errspkg.ErrPublisherRequired
	case deps.Logger == nil:
		return nil, errspkg.ErrLoggerRequired
	case opts.QueueName == "":
		return nil, errspkg.ErrQueueRequired
	case len(opts.BindingKeys) == 0:
		return nil, errspkg.ErrTopicRequired
	}

	c := &Consumer{
		subscriber:  deps.Subscriber,
		validator:   deps.Validator,
		registry:    deps.Registry,
		dlq:         deps.DeadLetter,
		executor:    deps.Executor,
		logger:      deps.Logger,
		queue:       opts.QueueName,
		bindingKeys: append([]string(nil), opts.BindingKeys...),
		concurrency: max(opts.Concurrency, 1),
		hooks:       opts.Hooks,
		recorder:    opts.Recorder,
		tracer:      opts.Tracer,
		now:         opts.Clock,
	}
	if c.executor == nil {
		c.executor = &retry.Executor{}
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.now == nil {
		c.now = time.Now
	}

	closeTimeout := opts.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: closeTimeout}, loggingpkg.NewWatermillAdapter(deps.Logger))
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)
	c.router = router
	return c, nil
}

// Router exposes the underlying router so callers can add plugins or
// instrumentation before Run.
func (c *Consumer) Router() *message.Router {
	return c.router
}

// Running is closed once every subscription is active.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

// Run seals the registry, subscribes every binding key and blocks until ctx
// is cancelled or Close is called. A Consumer runs at most once.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyConsuming
	}
	c.registry.Seal()

	for _, key := range c.bindingKeys {
		for i := range c.concurrency {
			c.router.AddNoPublisherHandler(handlerName(c.queue, key, i), key, c.subscriber, c.HandleMessage)
		}
	}

	c.logger.Info("Starting consumer", loggingpkg.LogFields{
		"queue":        c.queue,
		"binding_keys": c.bindingKeys,
		"concurrency":  c.concurrency,
		"handlers":     c.registry.EventTypes(),
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-c.router.Running():
			c.consuming.Store(true)
		case <-stop:
		}
	}()

	err := c.router.Run(ctx)

	close(stop)
	wg.Wait()
	c.consuming.Store(false)
	c.logger.Info("Consumer stopped", loggingpkg.LogFields{"queue": c.queue})
	return err
}

// Close stops the router and waits for in-flight messages up to the close
// timeout.
func (c *Consumer) Close() error {
	return c.router.Close()
}

// GetHealthStatus reports whether the subscription is active and which event
// types have handlers.
func (c *Consumer) GetHealthStatus() HealthStatus {
	return HealthStatus{
		IsConsuming:        c.consuming.Load(),
		RegisteredHandlers: c.registry.EventTypes(),
		Timestamp:          c.now().UTC(),
	}
}

// delivery tracks one message through HandleMessage.
type delivery struct {
	msg      *message.Message
	job      JobContext
	received bool
	reported bool
	outcome  string
	reason   string
}

// HandleMessage processes one message. It returns nil once the message has
// been handled or dead-lettered, and an error when it must be redelivered.
func (c *Consumer) HandleMessage(msg *message.Message) (err error) {
	ctx := msg.Context()
	d := &delivery{
		msg: msg,
		job: JobContext{
			HandlerName: message.HandlerNameFromCtx(ctx),
			RoutingKey:  routingKey(msg),
			MessageUUID: msg.UUID,
			Metadata:    msg.Metadata,
			StartedAt:   c.now(),
		},
	}

	ctx, span := c.tracer.Start(ctx, "eventpipe.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.job.RoutingKey),
		),
	)
	defer span.End()
	d.job.Context = ctx

	defer func() {
		if r := recover(); r != nil {
			err = c.recovered(ctx, d, r)
		}
		c.finish(span, d, err)
	}()

	return c.process(ctx, d)
}

func (c *Consumer) process(ctx context.Context, d *delivery) error {
	if c.hooks.OnJobStart != nil {
		c.hooks.OnJobStart(d.job)
	}

	headerCorrelation := d.msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	result := c.validator.ValidateMessage(d.msg.Payload, d.job.RoutingKey, event.WithFallbackCorrelationID(headerCorrelation))
	evt, ok := result.Event()
	if !ok {
		c.markReceived(d, "")
		c.recorder.ValidationFailed()
		d.job.CorrelationID = headerCorrelation
		if d.job.CorrelationID == "" {
			d.job.CorrelationID = c.validator.GenerateCorrelationID()
		}
		errs := result.Errors()
		c.logger.Warn("Event validation failed", loggingpkg.LogFields{
			"correlation_id": d.job.CorrelationID,
			"routing_key":    d.job.RoutingKey,
			"message_uuid":   d.msg.UUID,
			"errors":         errs,
		})
		return c.moveToDeadLetter(ctx, d, errs, strings.Join(errs, "; "))
	}

	d.job.EventType = evt.EventType
	d.job.EventID = evt.EventID
	d.job.CorrelationID = evt.CorrelationID
	c.markReceived(d, evt.EventType)

	fields := handlers.EventLogFields(evt)
	fields["routing_key"] = d.job.RoutingKey
	fields["message_uuid"] = d.msg.UUID
	log := c.logger.With(fields)

	outcome := c.dispatch(ctx, evt, log)
	d.job.Attempts = outcome.Attempts
	d.job.Duration = c.now().Sub(d.job.StartedAt)

	switch {
	case outcome.Success:
		d.outcome = metrics.OutcomeSucceeded
		log.Debug("Event processed", loggingpkg.LogFields{"attempts": outcome.Attempts})
		if c.hooks.OnJobDone != nil {
			c.hooks.OnJobDone(d.job)
		}
		return nil

	case ctx.Err() != nil:
		d.outcome = metrics.OutcomeNacked
		log.Warn("Processing interrupted, message will be redelivered", loggingpkg.LogFields{
			"attempts": outcome.Attempts,
			"error":    outcome.Err.Error(),
		})
		c.reportError(d, outcome.Err)
		return fmt.Errorf("processing interrupted: %w", outcome.Err)

	case outcome.Exhausted:
		log.Error("Event processing failed after max retries", outcome.Err, loggingpkg.LogFields{"attempts": outcome.Attempts})
		c.reportError(d, outcome.Err)
		return c.moveToDeadLetter(ctx, d, []string{outcome.Err.Error()}, ReasonMaxRetries)

	default:
		log.Error("Event processing failed with a non-retryable error", outcome.Err, loggingpkg.LogFields{"attempts": outcome.Attempts})
		c.reportError(d, outcome.Err)
		reason := outcome.Err.Error()
		return c.moveToDeadLetter(ctx, d, []string{reason}, reason)
	}
}

// dispatch runs the registered handler under the event type's retry policy
// and timeout. Handler panics are turned into errors and retried like any
// other unclassified failure.
func (c *Consumer) dispatch(ctx context.Context, evt event.Event, log loggingpkg.ServiceLogger) retry.Outcome {
	policy := c.registry.PolicyFor(evt.EventType)
	timeout := c.registry.TimeoutFor(evt.EventType)

	attempt := 0
	op := func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.recorder.RetryScheduled(evt.EventType)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := c.invoke(ctx, evt)
		if err != nil {
			log.Warn("Event handler failed", loggingpkg.LogFields{
				"attempt":   attempt,
				"error":     err.Error(),
				"retryable": retry.IsRetryableError(err),
			})
		}
		return err
	}
	return c.executor.ExecuteWithRetry(ctx, op, policy)
}

func (c *Consumer) invoke(ctx context.Context, evt event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.registry.Dispatch(ctx, evt)
}

// moveToDeadLetter publishes the original message and reports whether it may
// be acked. Shutdown does not abort the publish.
func (c *Consumer) moveToDeadLetter(ctx context.Context, d *delivery, errs []string, reason string) error {
	d.reason = reason
	original := deadletter.Original{
		Body:       d.msg.Payload,
		Metadata:   metadatapkg.FromWatermill(d.msg.Metadata),
		RoutingKey: d.job.RoutingKey,
		EventType:  d.job.EventType,
		EventID:    d.job.EventID,
		Errors:     errs,
		Attempts:   d.job.Attempts,
		ReceivedAt: d.job.StartedAt,
	}

	if err := c.dlq.MoveToDeadLetterQueue(context.WithoutCancel(ctx), original, reason, d.job.CorrelationID); err != nil {
		d.outcome = metrics.OutcomeNacked
		c.logger.Error("Failed to move message to dead-letter queue", err, loggingpkg.LogFields{
			"severity":       "critical",
			"correlation_id": d.job.CorrelationID,
			"event_id":       d.job.EventID,
			"event_type":     d.job.EventType,
			"message_uuid":   d.msg.UUID,
			"reason":         reason,
		})
		c.reportError(d, err)
		return err
	}

	d.outcome = metrics.OutcomeDeadLettered
	if c.hooks.OnDeadLetter != nil {
		c.hooks.OnDeadLetter(d.job, reason)
	}
	return nil
}

// recovered dead-letters a message whose processing panicked outside the
// handler itself.
func (c *Consumer) recovered(ctx context.Context, d *delivery, r any) error {
	reason := fmt.Sprintf("%s%v", reasonUnexpected, r)
	if d.job.CorrelationID == "" {
		d.job.CorrelationID = d.msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	}
	if d.job.CorrelationID == "" {
		d.job.CorrelationID = c.validator.GenerateCorrelationID()
	}
	c.markReceived(d, d.job.EventType)

	c.logger.Error("Unexpected error while processing message", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
		"correlation_id": d.job.CorrelationID,
		"event_id":       d.job.EventID,
		"event_type":     d.job.EventType,
		"message_uuid":   d.msg.UUID,
	})
	return c.moveToDeadLetter(ctx, d, []string{reason}, reason)
}

func (c *Consumer) reportError(d *delivery, err error) {
	if d.reported {
		return
	}
	d.reported = true
	if c.hooks.OnJobError != nil {
		c.hooks.OnJobError(d.job, err)
	}
}

func (c *Consumer) markReceived(d *delivery, eventType string) {
	if d.received {
		return
	}
	d.received = true
	c.recorder.MessageReceived(eventType)
}

func (c *Consumer) finish(span trace.Span, d *delivery, err error) {
	if d.outcome == "" {
		d.outcome = metrics.OutcomeNacked
	}
	if d.received {
		c.recorder.MessageProcessed(d.job.EventType, d.outcome, d.job.Attempts, c.now().Sub(d.job.StartedAt))
	}

	span.SetAttributes(
		attribute.String("eventpipe.event_type", d.job.EventType),
		attribute.String("eventpipe.event_id", d.job.EventID),
		attribute.String("eventpipe.correlation_id", d.job.CorrelationID),
		attribute.Int("eventpipe.attempts", d.job.Attempts),
		attribute.String("eventpipe.outcome", d.outcome),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case d.outcome == metrics.OutcomeDeadLettered:
		span.SetStatus(codes.Error, d.reason)
	default:
		span.SetStatus(codes.Ok, "")
	}
}

func routingKey(msg *message.Message) string {
	if key := msg.Metadata.Get(metadatapkg.KeyRoutingKey); key != "" {
		return key
	}
	return message.SubscribeTopicFromCtx(msg.Context())
}

func handlerName(queue, bindingKey string, worker int) string {
	return fmt.Sprintf("%s[%s]#%d", queue, bindingKey, worker)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(string)                              {}
func (nopRecorder) ValidationFailed()                                   {}
func (nopRecorder) RetryScheduled(string)                               {}
func (nopRecorder) MessageProcessed(string, string, int, time.Duration) {}

var _ Recorder = (*metrics.PipelineMetrics)(nil)
