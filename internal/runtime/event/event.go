// Package event defines the envelope that flows through the pipeline and the
// validator that turns raw broker bodies into envelopes.
package event

import (
	"encoding/json"
	"time"

	jsoncodec "github.com/drblury/eventpipe/internal/runtime/jsoncodec"
)

// Event is the validated envelope common to every event type. The validator
// is the only producer; consumers receive it by value and must not modify
// Payload in place.
type Event struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`

	// RoutingKey is the broker routing key the message arrived with.
	RoutingKey string `json:"-"`
}

// DecodePayload unmarshals the payload object into v.
func (e Event) DecodePayload(v any) error {
	return jsoncodec.Unmarshal(e.Payload, v)
}

// Fields returns a freshly decoded copy of the payload object.
func (e Event) Fields() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidationResult is either Valid (Event set, no errors) or Invalid (errors
// set, no event).
type ValidationResult struct {
	event  *Event
	errors []string
}

// Valid wraps a fully validated envelope.
func Valid(evt Event) ValidationResult {
	return ValidationResult{event: &evt}
}

// Invalid reports validation failures. An empty list still yields an invalid
// result with a generic message so callers always have a reason to log.
func Invalid(errs ...string) ValidationResult {
	if len(errs) == 0 {
		errs = []string{"invalid event message"}
	}
	cloned := make([]string, len(errs))
	copy(cloned, errs)
	return ValidationResult{errors: cloned}
}

func (r ValidationResult) IsValid() bool {
	return r.event != nil && len(r.errors) == 0
}

// Event returns the envelope and true for a valid result.
func (r ValidationResult) Event() (Event, bool) {
	if !r.IsValid() {
		return Event{}, false
	}
	return *r.event, true
}

// Errors returns a copy of the validation errors.
func (r ValidationResult) Errors() []string {
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}
