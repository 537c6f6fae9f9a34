// Package deadletter moves messages the pipeline cannot process to a separate
// durable destination, annotated with the failure reason.
package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	idspkg "github.com/drblury/eventpipe/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventpipe/internal/runtime/metadata"
)

// OriginalHeaderPrefix prefixes inbound headers copied onto the dead letter.
const OriginalHeaderPrefix = "original_"

// Original is the failed inbound message plus what the pipeline learned about it.
type Original struct {
	Body       []byte
	Metadata   metadatapkg.Metadata
	RoutingKey string
	EventType  string
	EventID    string
	Errors     []string
	Attempts   int
	ReceivedAt time.Time
}

// Recorder is notified about dead-letter publishes.
type Recorder interface {
	RecordDeadLetter(destination, eventType string, attempts int, age time.Duration)
	RecordDeadLetterFailure(destination, eventType string)
}

// Publisher writes Message bodies to the dead-letter destination.
type Publisher struct {
	publisher   message.Publisher
	destination string
	sourceQueue string
	logger      loggingpkg.ServiceLogger
	recorder    Recorder
	now         func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for successful moves.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(p *Publisher) {
		p.recorder = recorder
	}
}

// WithSourceQueue names the queue the original messages were consumed from.
func WithSourceQueue(queue string) Option {
	return func(p *Publisher) {
		p.sourceQueue = queue
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPublisher returns a dead-letter publisher for destination.
func NewPublisher(pub message.Publisher, destination string, opts ...Option) (*Publisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if destination == "" {
		return nil, errspkg.ErrTopicRequired
	}
	p := &Publisher{
		publisher:   pub,
		destination: destination,
		logger:      loggingpkg.NewNopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Destination returns the dead-letter topic or queue name.
func (p *Publisher) Destination() string {
	return p.destination
}

// MoveToDeadLetterQueue publishes original with reason and correlationID.
// Errors wrap ErrDeadLetterPublish; the caller decides how loudly to report
// them since there is no further fallback.
func (p *Publisher) MoveToDeadLetterQueue(ctx context.Context, original Original, reason, correlationID string) error {
	msgBody, err := newMessage(original.Body)
	if err != nil {
		return p.fail(original, fmt.Errorf("%w: encode original body: %w", errspkg.ErrDeadLetterPublish, err))
	}

	now := p.now().UTC()
	msgBody.Reason = reason
	msgBody.CorrelationID = correlationID
	msgBody.DeadLetteredAt = now
	msgBody.Errors = original.Errors
	msgBody.EventType = original.EventType
	msgBody.EventID = original.EventID
	msgBody.RoutingKey = original.RoutingKey
	msgBody.Attempts = original.Attempts
	msgBody.SourceQueue = p.sourceQueue

	payload, err := msgBody.MarshalJSON()
	if err != nil {
		return p.fail(original, fmt.Errorf("%w: encode dead-letter message: %w", errspkg.ErrDeadLetterPublish, err))
	}

	md := metadatapkg.New(
		metadatapkg.KeyDeadLetterReason, reason,
		metadatapkg.KeyDeadLetteredAt, now.Format(time.RFC3339Nano),
	).
		With(metadatapkg.KeyCorrelationID, correlationID).
		With(metadatapkg.KeyEventType, original.EventType).
		With(metadatapkg.KeyEventID, original.EventID).
		With(metadatapkg.KeySourceQueue, p.sourceQueue)
	if original.Attempts > 0 {
		md["attempts"] = strconv.Itoa(original.Attempts)
	}
	for k, v := range original.Metadata {
		md[OriginalHeaderPrefix+k] = v
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := p.publisher.Publish(p.destination, msg); err != nil {
		return p.fail(original, fmt.Errorf("%w: publish to %s: %w", errspkg.ErrDeadLetterPublish, p.destination, err))
	}

	var age time.Duration
	if !original.ReceivedAt.IsZero() {
		age = now.Sub(original.ReceivedAt)
	}
	if p.recorder != nil {
		p.recorder.RecordDeadLetter(p.destination, original.EventType, original.Attempts, age)
	}
	p.logger.Warn("Message moved to dead-letter queue", loggingpkg.LogFields{
		"correlation_id": correlationID,
		"event_id":       original.EventID,
		"event_type":     original.EventType,
		"reason":         reason,
		"destination":    p.destination,
		"attempts":       original.Attempts,
	})
	return nil
}

func (p *Publisher) fail(original Original, err error) error {
	if p.recorder != nil {
		p.recorder.RecordDeadLetterFailure(p.destination, original.EventType)
	}
	return err
}
