// Package rabbitmq provides the AMQP 0-9-1 transport for eventpipe.
//
// The subscriber consumes one durable queue bound to a durable topic exchange;
// each Subscribe call takes a binding key as its topic. Dead letters go to a
// durable queue on the default exchange through a second publisher that shares
// the same connection.
package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/eventpipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ExchangeType is the kind of exchange the inbound queue is bound to.
const ExchangeType = "topic"

// DeclareTimeout bounds the dead-letter queue declaration when the caller's
// context has no deadline of its own.
const DeclareTimeout = 30 * time.Second

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// QueueDeclarer declares the dead-letter queue up front. Publishing to the
// default exchange does not create queues, so without it dead letters would
// be dropped until something else declared the queue.
var QueueDeclarer = declareDurableQueue

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build connects to the broker and returns the consumer, producer and
// dead-letter components.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg == nil {
		return transport.Transport{}, fmt.Errorf("config is required")
	}
	url := cfg.GetRabbitMQURL()
	dlq := cfg.GetDeadLetterDestination()

	if err := QueueDeclarer(ctx, url, dlq); err != nil {
		return transport.Transport{}, fmt.Errorf("declare dead-letter queue %q: %w", dlq, err)
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(EventConfig(cfg), logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	dlqPublisher, err := PublisherFactory(DeadLetterConfig(url), logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(EventConfig(cfg), logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = dlqPublisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:           publisher,
		Subscriber:          subscriber,
		DeadLetterPublisher: dlqPublisher,
	}, nil
}

// EventConfig is the topology for the inbound side. The queue name is fixed,
// the topic passed to Subscribe is used as the binding key, and the topic
// passed to Publish is used as the routing key on the same exchange.
func EventConfig(cfg transport.Config) amqp.Config {
	exchange := cfg.GetExchangeName()
	queue := cfg.GetQueueName()

	c := amqp.NewDurablePubSubConfig(cfg.GetRabbitMQURL(), func(string) string { return queue })
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = ExchangeType
	c.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	c.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	c.Consume.Qos.PrefetchCount = cfg.GetPrefetchCount()
	c.Marshaler = Marshaler{}
	return c
}

// DeadLetterConfig publishes straight to a durable queue named by the topic.
// Publishes wait for the broker's confirm, so a dead letter is only reported
// as stored once the broker has taken it.
func DeadLetterConfig(url string) amqp.Config {
	c := amqp.NewDurableQueueConfig(url)
	c.Publish.ConfirmDelivery = true
	c.Marshaler = Marshaler{}
	return c
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

func declareDurableQueue(ctx context.Context, url, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      contextDialer(ctx),
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

// contextDialer dials with ctx and applies its deadline, or DeclareTimeout,
// to the socket so the AMQP handshake cannot block past it. amqp091 clears
// the socket deadline once the connection is open.
func contextDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(DeclareTimeout)
		}
		d := net.Dialer{Deadline: deadline}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
