package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"sync"
	"time"

	idspkg "github.com/drblury/eventpipe/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventpipe/internal/runtime/jsoncodec"
)

// EventTypePattern is the accepted shape of eventType: "<domain>.<Name>Event".
var EventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*\.[A-Z][A-Za-z0-9]*Event$`)

// Validator checks raw broker bodies against the envelope shape and, for known
// event types, against a payload schema.
type Validator struct {
	mu               sync.RWMutex
	schemas          map[string]PayloadSchema
	newCorrelationID func() string
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

// WithSchemas replaces the built-in schema set.
func WithSchemas(schemas map[string]PayloadSchema) ValidatorOption {
	return func(v *Validator) {
		v.schemas = maps.Clone(schemas)
		if v.schemas == nil {
			v.schemas = map[string]PayloadSchema{}
		}
	}
}

// WithCorrelationIDGenerator swaps the id source, mostly for tests.
func WithCorrelationIDGenerator(fn func() string) ValidatorOption {
	return func(v *Validator) {
		if fn != nil {
			v.newCorrelationID = fn
		}
	}
}

// NewValidator returns a Validator loaded with DefaultSchemas.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		schemas:          DefaultSchemas(),
		newCorrelationID: idspkg.NewCorrelationID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RegisterSchema adds or replaces the payload schema for eventType.
func (v *Validator) RegisterSchema(eventType string, schema PayloadSchema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[eventType] = schema
}

// HasSchema reports whether eventType has a payload schema.
func (v *Validator) HasSchema(eventType string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[eventType]
	return ok
}

// GenerateCorrelationID returns a new id of the form corr-<ULID>.
func (v *Validator) GenerateCorrelationID() string {
	return v.newCorrelationID()
}

// ValidateOption adjusts a single validation call.
type ValidateOption func(*validateCall)

type validateCall struct {
	fallbackCorrelationID string
	originalPayload       json.RawMessage
}

// payloadEnvelope pulls the payload bytes out of a body without decoding them,
// so numbers beyond float64 precision reach handlers unchanged.
type payloadEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// WithFallbackCorrelationID supplies the broker's correlation header. It is
// used when the envelope has no correlationId of its own.
func WithFallbackCorrelationID(id string) ValidateOption {
	return func(c *validateCall) {
		c.fallbackCorrelationID = id
	}
}

// ValidateMessage decodes body and validates the result.
func (v *Validator) ValidateMessage(body []byte, routingKey string, opts ...ValidateOption) ValidationResult {
	if len(body) == 0 {
		return Invalid("message body is empty")
	}
	raw, err := jsoncodec.DecodeGeneric(body)
	if err != nil {
		return Invalid(fmt.Sprintf("message is not valid JSON: %v", err))
	}
	var env payloadEnvelope
	if err := jsoncodec.Unmarshal(body, &env); err == nil && len(env.Payload) > 0 {
		original := append(json.RawMessage(nil), env.Payload...)
		opts = append(opts[:len(opts):len(opts)], func(c *validateCall) {
			c.originalPayload = original
		})
	}
	return v.ValidateEventMessage(raw, routingKey, opts...)
}

// ValidateEventMessage validates an already decoded JSON value. It never
// panics; every failure is reported through an Invalid result.
func (v *Validator) ValidateEventMessage(raw any, routingKey string, opts ...ValidateOption) (result ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Invalid(fmt.Sprintf("unexpected validation failure: %v", r))
		}
	}()

	call := validateCall{}
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Invalid("message must be a JSON object")
	}

	var errs []string
	eventID := requireString(obj, "eventId", &errs)
	eventType := requireString(obj, "eventType", &errs)
	aggregateID := requireString(obj, "aggregateId", &errs)
	aggregateType := requireString(obj, "aggregateType", &errs)

	if eventType != "" && !EventTypePattern.MatchString(eventType) {
		errs = append(errs, fmt.Sprintf("eventType %q must match <domain>.<Name>Event", eventType))
	}

	var ts time.Time
	if s := requireString(obj, "timestamp", &errs); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			errs = append(errs, "timestamp must be an RFC3339 timestamp")
		} else {
			ts = parsed
		}
	}

	var payload map[string]any
	switch p, present := obj["payload"]; {
	case !present || p == nil:
		errs = append(errs, "payload is required")
	default:
		m, isObject := p.(map[string]any)
		if !isObject {
			errs = append(errs, "payload must be an object")
		} else {
			payload = m
		}
	}

	correlationID := ""
	if c, present := obj["correlationId"]; present && c != nil {
		s, isString := c.(string)
		if !isString {
			errs = append(errs, "correlationId must be a string")
		}
		correlationID = s
	}

	if len(errs) > 0 {
		return Invalid(errs...)
	}

	v.mu.RLock()
	schema, known := v.schemas[eventType]
	v.mu.RUnlock()
	if known {
		if schemaErrs := schema.Validate(payload); len(schemaErrs) > 0 {
			return Invalid(schemaErrs...)
		}
	}

	encoded := call.originalPayload
	if encoded == nil {
		var err error
		if encoded, err = jsoncodec.Marshal(payload); err != nil {
			return Invalid(fmt.Sprintf("payload could not be encoded: %v", err))
		}
	}

	if correlationID == "" {
		correlationID = call.fallbackCorrelationID
	}
	if correlationID == "" {
		correlationID = v.newCorrelationID()
	}

	return Valid(Event{
		EventID:       eventID,
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     ts,
		Payload:       encoded,
		CorrelationID: correlationID,
		RoutingKey:    routingKey,
	})
}

// HealthCheck reports whether correlation ids can currently be generated.
func (v *Validator) HealthCheck() map[string]bool {
	generated := false
	func() {
		defer func() { _ = recover() }()
		generated = v.newCorrelationID() != ""
	}()
	return map[string]bool{"correlationIdGenerated": generated}
}

func requireString(obj map[string]any, field string, errs *[]string) string {
	value, present := obj[field]
	if !present || value == nil {
		*errs = append(*errs, field+" is required")
		return ""
	}
	s, ok := value.(string)
	if !ok {
		*errs = append(*errs, field+" must be a string")
		return ""
	}
	if s == "" {
		*errs = append(*errs, field+" must not be empty")
	}
	return s
}
