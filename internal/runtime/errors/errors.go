package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("eventpipe: event service is required")
	ErrHandlerRequired      = sterrors.New("eventpipe: handler is required")
	ErrEventTypeRequired    = sterrors.New("eventpipe: event type is required")
	ErrDuplicateHandler     = sterrors.New("eventpipe: a handler is already registered for this event type")
	ErrHandlerTypeMismatch  = sterrors.New("eventpipe: handler event type does not match registration key")
	ErrRegistrySealed       = sterrors.New("eventpipe: handler registry is sealed; register handlers before starting the consumer")
	ErrRegistryRequired     = sterrors.New("eventpipe: handler registry is required")
	ErrValidatorRequired    = sterrors.New("eventpipe: event validator is required")
	ErrPublisherRequired    = sterrors.New("eventpipe: publisher is required")
	ErrSubscriberRequired   = sterrors.New("eventpipe: subscriber is required")
	ErrTopicRequired        = sterrors.New("eventpipe: topic is required")
	ErrQueueRequired        = sterrors.New("eventpipe: queue name is required")
	ErrConfigRequired       = sterrors.New("eventpipe: config is required")
	ErrLoggerRequired       = sterrors.New("eventpipe: logger is required")
	ErrDeadLetterPublish    = sterrors.New("eventpipe: dead-letter publish failed")
	ErrAlreadyConsuming     = sterrors.New("eventpipe: consumer is already running")
	ErrEventPayloadRequired = sterrors.New("eventpipe: event payload is required")
)

// ConfigValidationError wraps the joined errors reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "eventpipe: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
