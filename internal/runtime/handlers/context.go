package handlers

import (
	"github.com/drblury/eventpipe/internal/runtime/event"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
)

// EventContext carries the envelope and a logger scoped to it.
type EventContext struct {
	Event  event.Event
	Logger loggingpkg.ServiceLogger
}

// CorrelationID returns the envelope's correlation id.
func (c EventContext) CorrelationID() string {
	return c.Event.CorrelationID
}

// LogFields returns the identifying fields for log lines about this event.
func (c EventContext) LogFields() loggingpkg.LogFields {
	return EventLogFields(c.Event)
}

// EventLogFields returns correlation_id, event_id and event_type for evt,
// omitting empty values.
func EventLogFields(evt event.Event) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{}
	if evt.CorrelationID != "" {
		fields["correlation_id"] = evt.CorrelationID
	}
	if evt.EventID != "" {
		fields["event_id"] = evt.EventID
	}
	if evt.EventType != "" {
		fields["event_type"] = evt.EventType
	}
	return fields
}
