package handlers

import (
	"context"

	"github.com/drblury/eventpipe/internal/runtime/event"
)

// Handler processes validated events of one type. Implementations must be
// idempotent: the broker delivers at least once.
type Handler interface {
	EventType() string
	Handle(ctx context.Context, evt event.Event) error
}

// HandlerFunc is the function form of Handle.
type HandlerFunc func(ctx context.Context, evt event.Event) error

type funcHandler struct {
	eventType string
	fn        HandlerFunc
}

// NewHandler adapts fn into a Handler for eventType. A nil fn yields nil.
func NewHandler(eventType string, fn HandlerFunc) Handler {
	if fn == nil {
		return nil
	}
	return funcHandler{eventType: eventType, fn: fn}
}

func (h funcHandler) EventType() string { return h.eventType }

func (h funcHandler) Handle(ctx context.Context, evt event.Event) error {
	return h.fn(ctx, evt)
}
