package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventpipe/internal/runtime/deadletter"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	"github.com/drblury/eventpipe/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventpipe/internal/runtime/metadata"
	"github.com/drblury/eventpipe/internal/runtime/metrics"
	"github.com/drblury/eventpipe/internal/runtime/retry"
)

const validEnvelope = `{"eventId":"e1","eventType":"test.TestEvent","aggregateId":"a1","aggregateType":"Test","timestamp":"2025-01-01T00:00:00Z","payload":{"x":1}}`

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }
func (l *recordingLogger) Debug(msg string, f loggingpkg.LogFields)           { l.record("debug", msg, nil, f) }
func (l *recordingLogger) Info(msg string, f loggingpkg.LogFields)            { l.record("info", msg, nil, f) }
func (l *recordingLogger) Warn(msg string, f loggingpkg.LogFields)            { l.record("warn", msg, nil, f) }
func (l *recordingLogger) Trace(msg string, f loggingpkg.LogFields)           { l.record("trace", msg, nil, f) }
func (l *recordingLogger) Error(msg string, err error, f loggingpkg.LogFields) {
	l.record("error", msg, err, f)
}

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

type deadLetterCall struct {
	original      deadletter.Original
	reason        string
	correlationID string
}

type fakeDeadLetterer struct {
	mu    sync.Mutex
	calls []deadLetterCall
	err   error
}

func (f *fakeDeadLetterer) MoveToDeadLetterQueue(_ context.Context, original deadletter.Original, reason, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deadLetterCall{original: original, reason: reason, correlationID: correlationID})
	return f.err
}

type processed struct {
	eventType string
	outcome   string
	attempts  int
}

type fakeRecorder struct {
	mu         sync.Mutex
	received   []string
	validation int
	retries    int
	processed  []processed
}

func (r *fakeRecorder) MessageReceived(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, eventType)
}

func (r *fakeRecorder) ValidationFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validation++
}

func (r *fakeRecorder) RetryScheduled(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) MessageProcessed(eventType, outcome string, attempts int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, processed{eventType: eventType, outcome: outcome, attempts: attempts})
}

type harness struct {
	consumer *Consumer
	registry *handlers.Registry
	dlq      *fakeDeadLetterer
	recorder *fakeRecorder
	logger   *recordingLogger
	sleeps   []time.Duration
}

func newHarness(t *testing.T, hooks JobHooks) *harness {
	t.Helper()
	h := &harness{
		dlq:      &fakeDeadLetterer{},
		recorder: &fakeRecorder{},
		logger:   &recordingLogger{},
	}
	h.registry = handlers.NewRegistry(h.logger)
	executor := &retry.Executor{Sleep: func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}}

	c, err := New(Dependencies{
		Subscriber: noopSubscriber{},
		Validator:  event.NewValidator(event.WithCorrelationIDGenerator(func() string { return "corr-generated" })),
		Registry:   h.registry,
		DeadLetter: h.dlq,
		Executor:   executor,
		Logger:     h.logger,
	}, Options{
		QueueName:   "eventpipe.events",
		BindingKeys: []string{"#"},
		Hooks:       hooks,
		Recorder:    h.recorder,
	})
	require.NoError(t, err)
	h.consumer = c
	return h
}

func (h *harness) handle(t *testing.T, fn handlers.HandlerFunc, opts ...handlers.RegistrationOption) {
	t.Helper()
	require.NoError(t, h.registry.RegisterEventHandler("test.TestEvent", handlers.NewHandler("test.TestEvent", fn), opts...))
}

func newMessage(ctx context.Context, body string, md ...string) *message.Message {
	msg := message.NewMessage("msg-1", []byte(body))
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(md...))
	msg.Metadata.Set(metadatapkg.KeyRoutingKey, "test.TestEvent")
	msg.SetContext(ctx)
	return msg
}

func TestHandleMessage_SuccessAcks(t *testing.T) {
	h := newHarness(t, JobHooks{})
	var calls []event.Event
	h.handle(t, func(_ context.Context, evt event.Event) error {
		calls = append(calls, evt)
		return nil
	})

	err := h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope))

	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "e1", calls[0].EventID)
	assert.Equal(t, "test.TestEvent", calls[0].RoutingKey)
	assert.Equal(t, "corr-generated", calls[0].CorrelationID)
	assert.Empty(t, h.dlq.calls)
	assert.Equal(t, []string{"test.TestEvent"}, h.recorder.received)
	assert.Equal(t, []processed{{eventType: "test.TestEvent", outcome: metrics.OutcomeSucceeded, attempts: 1}}, h.recorder.processed)
}

func TestHandleMessage_UsesBrokerCorrelationHeader(t *testing.T) {
	h := newHarness(t, JobHooks{})
	var got string
	h.handle(t, func(_ context.Context, evt event.Event) error {
		got = evt.CorrelationID
		return nil
	})

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope, metadatapkg.KeyCorrelationID, "corr-header")))
	assert.Equal(t, "corr-header", got)
}

func TestHandleMessage_ExhaustedRetriesDeadLetters(t *testing.T) {
	h := newHarness(t, JobHooks{})
	calls := 0
	h.handle(t, func(context.Context, event.Event) error {
		calls++
		return errors.New("database unavailable")
	})

	err := h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope))

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
	require.Len(t, h.dlq.calls, 1)
	call := h.dlq.calls[0]
	assert.Equal(t, ReasonMaxRetries, call.reason)
	assert.Equal(t, "corr-generated", call.correlationID)
	assert.Equal(t, []string{"database unavailable"}, call.original.Errors)
	assert.Equal(t, 4, call.original.Attempts)
	assert.Equal(t, "test.TestEvent", call.original.EventType)
	assert.Equal(t, "e1", call.original.EventID)
	assert.Equal(t, []byte(validEnvelope), call.original.Body)
	assert.Equal(t, 3, h.recorder.retries)
	assert.Equal(t, []processed{{eventType: "test.TestEvent", outcome: metrics.OutcomeDeadLettered, attempts: 4}}, h.recorder.processed)
}

func TestHandleMessage_InvalidMessageDeadLetters(t *testing.T) {
	h := newHarness(t, JobHooks{})
	invoked := false
	h.handle(t, func(context.Context, event.Event) error {
		invoked = true
		return nil
	})

	body := `{"eventId":"e1","eventType":"test.TestEvent","aggregateId":"a1","aggregateType":"Test","timestamp":"2025-01-01T00:00:00Z"}`
	err := h.consumer.HandleMessage(newMessage(context.Background(), body))

	require.NoError(t, err)
	assert.False(t, invoked)
	require.Len(t, h.dlq.calls, 1)
	call := h.dlq.calls[0]
	assert.Equal(t, "payload is required", call.reason)
	assert.Equal(t, []string{"payload is required"}, call.original.Errors)
	assert.Equal(t, "corr-generated", call.correlationID)
	assert.Equal(t, []byte(body), call.original.Body)
	assert.Equal(t, 1, h.recorder.validation)
	assert.Equal(t, []processed{{outcome: metrics.OutcomeDeadLettered}}, h.recorder.processed)

	_, logged := h.logger.find("warn", "Event validation failed")
	assert.True(t, logged)
}

func TestHandleMessage_InvalidMessageJoinsErrors(t *testing.T) {
	h := newHarness(t, JobHooks{})

	err := h.consumer.HandleMessage(newMessage(context.Background(), `{"payload":{}}`, metadatapkg.KeyCorrelationID, "corr-header"))

	require.NoError(t, err)
	require.Len(t, h.dlq.calls, 1)
	call := h.dlq.calls[0]
	assert.Equal(t, "eventId is required; eventType is required; aggregateId is required; aggregateType is required; timestamp is required", call.reason)
	assert.Equal(t, "corr-header", call.correlationID)
}

func TestHandleMessage_NonRetryableErrorDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, JobHooks{})
	calls := 0
	h.handle(t, func(context.Context, event.Event) error {
		calls++
		return retry.NewStatusError(404, "")
	})

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))

	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps)
	require.Len(t, h.dlq.calls, 1)
	assert.Equal(t, "status 404: Not Found", h.dlq.calls[0].reason)
	assert.Equal(t, 1, h.dlq.calls[0].original.Attempts)
}

func TestHandleMessage_PermanentErrorDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, JobHooks{})
	h.handle(t, func(context.Context, event.Event) error {
		return retry.Permanent(errors.New("customer deleted"))
	})

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))

	require.Len(t, h.dlq.calls, 1)
	assert.Contains(t, h.dlq.calls[0].reason, "customer deleted")
}

func TestHandleMessage_DeadLetterFailureNacks(t *testing.T) {
	var hookErr error
	h := newHarness(t, JobHooks{OnJobError: func(_ JobContext, err error) { hookErr = err }})
	h.dlq.err = errors.New("channel closed")

	err := h.consumer.HandleMessage(newMessage(context.Background(), `{}`))

	require.Error(t, err)
	assert.EqualError(t, err, "channel closed")
	assert.Same(t, h.dlq.err, hookErr)
	entry, ok := h.logger.find("error", "Failed to move message to dead-letter queue")
	require.True(t, ok)
	assert.Equal(t, "critical", entry.fields["severity"])
	assert.Equal(t, "corr-generated", entry.fields["correlation_id"])
	assert.Equal(t, []processed{{outcome: metrics.OutcomeNacked}}, h.recorder.processed)
}

func TestHandleMessage_CancellationNacksWithoutDeadLetter(t *testing.T) {
	h := newHarness(t, JobHooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h.handle(t, func(context.Context, event.Event) error {
		calls++
		cancel()
		return errors.New("upstream timeout")
	})

	err := h.consumer.HandleMessage(newMessage(ctx, validEnvelope))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.dlq.calls)
	assert.Equal(t, []processed{{eventType: "test.TestEvent", outcome: metrics.OutcomeNacked, attempts: 1}}, h.recorder.processed)
}

func TestHandleMessage_UnexpectedPanicDeadLetters(t *testing.T) {
	h := newHarness(t, JobHooks{OnJobStart: func(JobContext) { panic("boom") }})

	err := h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope))

	require.NoError(t, err)
	require.Len(t, h.dlq.calls, 1)
	assert.Equal(t, "Unexpected processing error: boom", h.dlq.calls[0].reason)
	assert.Equal(t, "corr-generated", h.dlq.calls[0].correlationID)
	_, logged := h.logger.find("error", "Unexpected error while processing message")
	assert.True(t, logged)
}

func TestHandleMessage_HandlerPanicIsRetried(t *testing.T) {
	h := newHarness(t, JobHooks{})
	calls := 0
	h.handle(t, func(context.Context, event.Event) error {
		calls++
		panic("kaboom")
	}, handlers.WithRetryPolicy(retry.Policy{MaxRetries: 1, Delays: []time.Duration{time.Millisecond}, BackoffMultiplier: 2}))

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))

	assert.Equal(t, 2, calls)
	require.Len(t, h.dlq.calls, 1)
	assert.Equal(t, ReasonMaxRetries, h.dlq.calls[0].reason)
	assert.Equal(t, []string{"handler panic: kaboom"}, h.dlq.calls[0].original.Errors)
}

func TestHandleMessage_HandlerTimeout(t *testing.T) {
	h := newHarness(t, JobHooks{})
	h.handle(t, func(ctx context.Context, _ event.Event) error {
		<-ctx.Done()
		return ctx.Err()
	},
		handlers.WithHandlerTimeout(10*time.Millisecond),
		handlers.WithRetryPolicy(retry.Policy{MaxRetries: 0, Delays: []time.Duration{time.Millisecond}, BackoffMultiplier: 1}),
	)

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))

	require.Len(t, h.dlq.calls, 1)
	assert.Equal(t, ReasonMaxRetries, h.dlq.calls[0].reason)
	assert.Equal(t, []string{context.DeadlineExceeded.Error()}, h.dlq.calls[0].original.Errors)
}

func TestHandleMessage_UnknownEventTypeAcks(t *testing.T) {
	h := newHarness(t, JobHooks{})

	body := `{"eventId":"e9","eventType":"billing.InvoicePaidEvent","aggregateId":"a1","aggregateType":"Invoice","timestamp":"2025-01-01T00:00:00Z","payload":{}}`
	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), body)))

	assert.Empty(t, h.dlq.calls)
	_, logged := h.logger.find("warn", "No handler registered for event type")
	assert.True(t, logged)
}

func TestHandleMessage_HooksSeeLifecycle(t *testing.T) {
	var events []string
	var deadLettered JobContext
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { events = append(events, "start:"+ctx.MessageUUID) },
		OnJobDone:  func(ctx JobContext) { events = append(events, "done:"+ctx.EventType) },
		OnJobError: func(ctx JobContext, err error) { events = append(events, "error:"+err.Error()) },
		OnDeadLetter: func(ctx JobContext, reason string) {
			deadLettered = ctx
			events = append(events, "dead:"+reason)
		},
	}
	h := newHarness(t, hooks)
	fail := true
	h.handle(t, func(context.Context, event.Event) error {
		if fail {
			return retry.NewStatusError(400, "bad input")
		}
		return nil
	})

	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))
	fail = false
	require.NoError(t, h.consumer.HandleMessage(newMessage(context.Background(), validEnvelope)))

	assert.Equal(t, []string{
		"start:msg-1",
		"error:status 400: bad input",
		"dead:status 400: bad input",
		"start:msg-1",
		"done:test.TestEvent",
	}, events)
	assert.Equal(t, "e1", deadLettered.EventID)
	assert.Equal(t, "corr-generated", deadLettered.CorrelationID)
	assert.Equal(t, 1, deadLettered.Attempts)
}

func TestNew_ValidatesDependencies(t *testing.T) {
	logger := &recordingLogger{}
	base := Dependencies{
		Subscriber: noopSubscriber{},
		Validator:  event.NewValidator(),
		Registry:   handlers.NewRegistry(logger),
		DeadLetter: &fakeDeadLetterer{},
		Logger:     logger,
	}
	opts := Options{QueueName: "q", BindingKeys: []string{"#"}}

	tests := []struct {
		name   string
		mutate func(*Dependencies, *Options)
		want   error
	}{
		{"subscriber", func(d *Dependencies, _ *Options) { d.Subscriber = nil }, errspkg.ErrSubscriberRequired},
		{"validator", func(d *Dependencies, _ *Options) { d.Validator = nil }, errspkg.ErrValidatorRequired},
		{"registry", func(d *Dependencies, _ *Options) { d.Registry = nil }, errspkg.ErrRegistryRequired},
		{"dead letter", func(d *Dependencies, _ *Options) { d.DeadLetter = nil }, errspkg.ErrPublisherRequired},
		{"logger", func(d *Dependencies, _ *Options) { d.Logger = nil }, errspkg.ErrLoggerRequired},
		{"queue", func(_ *Dependencies, o *Options) { o.QueueName = "" }, errspkg.ErrQueueRequired},
		{"binding keys", func(_ *Dependencies, o *Options) { o.BindingKeys = nil }, errspkg.ErrTopicRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, o := base, opts
			tt.mutate(&d, &o)
			_, err := New(d, o)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	c, err := New(base, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, c.concurrency)
	assert.NotNil(t, c.Router())
}

func TestGetHealthStatus_BeforeRun(t *testing.T) {
	h := newHarness(t, JobHooks{})
	h.handle(t, func(context.Context, event.Event) error { return nil })
	require.NoError(t, h.registry.RegisterEventHandler("auth.UserCreatedEvent", handlers.NewHandler("", func(context.Context, event.Event) error { return nil })))

	status := h.consumer.GetHealthStatus()

	assert.False(t, status.IsConsuming)
	assert.Equal(t, []string{"auth.UserCreatedEvent", "test.TestEvent"}, status.RegisteredHandlers)
	assert.False(t, status.Timestamp.IsZero())
	assert.Equal(t, time.UTC, status.Timestamp.Location())
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (noopSubscriber) Close() error { return nil }
