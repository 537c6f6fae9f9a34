package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	jsoncodec "github.com/drblury/eventpipe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	"github.com/drblury/eventpipe/internal/runtime/retry"
)

// JSONEventContext exposes the decoded payload next to the envelope.
type JSONEventContext[T any] struct {
	EventContext
	Payload T
}

// JSONEventHandler processes a typed payload.
type JSONEventHandler[T any] func(ctx context.Context, evt JSONEventContext[T]) error

// JSONHandler decodes Event.Payload into T before calling the typed function.
// T may be a struct or a pointer to one.
type JSONHandler[T any] struct {
	eventType string
	fn        JSONEventHandler[T]
	logger    loggingpkg.ServiceLogger
	newValue  func() any
	deref     bool
}

// NewJSONHandler builds a typed handler for eventType. A nil logger discards output.
func NewJSONHandler[T any](eventType string, fn JSONEventHandler[T], logger loggingpkg.ServiceLogger) (*JSONHandler[T], error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	var zero T
	typ := reflect.TypeOf(zero)
	h := &JSONHandler[T]{eventType: eventType, fn: fn, logger: logger}
	switch {
	case typ == nil:
		// T is an interface such as any; decode into the generic form.
		h.newValue = func() any { return new(T) }
		h.deref = true
	case typ.Kind() == reflect.Ptr:
		elem := typ.Elem()
		h.newValue = func() any { return reflect.New(elem).Interface() }
	default:
		h.newValue = func() any { return new(T) }
		h.deref = true
	}
	return h, nil
}

func (h *JSONHandler[T]) EventType() string { return h.eventType }

// Handle decodes the payload and runs the typed function. Decode failures are
// permanent: a payload that does not fit T will not fit it on retry either.
func (h *JSONHandler[T]) Handle(ctx context.Context, evt event.Event) error {
	target := h.newValue()
	if err := jsoncodec.Unmarshal(evt.Payload, target); err != nil {
		return retry.Permanent(fmt.Errorf("failed to unmarshal %s payload: %w", evt.EventType, err))
	}

	var payload T
	if h.deref {
		payload = *(target.(*T))
	} else {
		payload = target.(T)
	}

	ectx := EventContext{Event: evt, Logger: h.logger.With(EventLogFields(evt))}
	return h.fn(ctx, JSONEventContext[T]{EventContext: ectx, Payload: payload})
}
