package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventpipe/internal/runtime/deadletter"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	"github.com/drblury/eventpipe/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	"github.com/drblury/eventpipe/internal/runtime/metrics"
	"github.com/drblury/eventpipe/internal/runtime/retry"
)

func TestRun_EndToEndOverGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	logger := loggingpkg.NewNopLogger()
	registry := handlers.NewRegistry(logger)
	handled := make(chan event.Event, 1)
	require.NoError(t, registry.RegisterEventHandler("test.TestEvent", handlers.NewHandler("test.TestEvent", func(_ context.Context, evt event.Event) error {
		handled <- evt
		return nil
	})))

	reg := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(reg)
	require.NoError(t, pipelineMetrics.Register())

	dlq, err := deadletter.NewPublisher(pubSub, "eventpipe.events.dlq", deadletter.WithLogger(logger))
	require.NoError(t, err)

	c, err := New(Dependencies{
		Subscriber: pubSub,
		Validator:  event.NewValidator(),
		Registry:   registry,
		DeadLetter: dlq,
		Executor:   &retry.Executor{Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() }},
		Logger:     logger,
	}, Options{
		QueueName:    "eventpipe.events",
		BindingKeys:  []string{"test.TestEvent"},
		Concurrency:  1,
		CloseTimeout: time.Second,
		Recorder:     pipelineMetrics,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dead, err := pubSub.Subscribe(ctx, "eventpipe.events.dlq")
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-c.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	require.Eventually(t, func() bool { return c.GetHealthStatus().IsConsuming }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, c.Run(ctx), errspkg.ErrAlreadyConsuming)
	assert.ErrorIs(t, registry.RegisterEventHandler("late.LateEvent", handlers.NewHandler("", func(context.Context, event.Event) error { return nil })), errspkg.ErrRegistrySealed)

	require.NoError(t, pubSub.Publish("test.TestEvent", message.NewMessage("m1", []byte(validEnvelope))))
	select {
	case evt := <-handled:
		assert.Equal(t, "e1", evt.EventID)
		assert.Equal(t, "test.TestEvent", evt.RoutingKey)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	require.NoError(t, pubSub.Publish("test.TestEvent", message.NewMessage("m2", []byte(`not json`))))
	select {
	case msg := <-dead:
		decoded, err := deadletter.DecodeMessage(msg.Payload)
		require.NoError(t, err)
		original, err := decoded.OriginalBody()
		require.NoError(t, err)
		assert.Equal(t, "not json", string(original))
		assert.Contains(t, decoded.Reason, "message is not valid JSON")
		assert.NotEmpty(t, decoded.CorrelationID)
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("invalid message was not dead-lettered")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.False(t, c.GetHealthStatus().IsConsuming)
}

func TestHandlerName(t *testing.T) {
	assert.Equal(t, "eventpipe.events[auth.*]#0", handlerName("eventpipe.events", "auth.*", 0))
}

func TestRoutingKeyFallsBackToSubscribedTopic(t *testing.T) {
	msg := message.NewMessage("1", nil)
	assert.Equal(t, "", routingKey(msg))

	msg.Metadata.Set("amqp_routing_key", "auth.UserCreatedEvent")
	assert.Equal(t, "auth.UserCreatedEvent", routingKey(msg))
}
