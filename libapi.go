package eventpipe

import (
	runtimepkg "github.com/drblury/eventpipe/internal/runtime"
	configpkg "github.com/drblury/eventpipe/internal/runtime/config"
	"github.com/drblury/eventpipe/internal/runtime/consumer"
	"github.com/drblury/eventpipe/internal/runtime/deadletter"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	handlerpkg "github.com/drblury/eventpipe/internal/runtime/handlers"
	idspkg "github.com/drblury/eventpipe/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventpipe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventpipe/internal/runtime/metadata"
	"github.com/drblury/eventpipe/internal/runtime/retry"
	transportpkg "github.com/drblury/eventpipe/internal/runtime/transport"
	newtransport "github.com/drblury/eventpipe/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	HealthReport        = runtimepkg.HealthReport
	ResourceUsage       = runtimepkg.ResourceUsage
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	Event            = event.Event
	ValidationResult = event.ValidationResult
	Validator        = event.Validator
	PayloadSchema    = event.PayloadSchema
	FieldRule        = event.FieldRule
	FieldType        = event.FieldType

	Handler                 = handlerpkg.Handler
	HandlerFunc             = handlerpkg.HandlerFunc
	EventContext            = handlerpkg.EventContext
	JSONEventContext[T any] = handlerpkg.JSONEventContext[T]
	JSONEventHandler[T any] = handlerpkg.JSONEventHandler[T]
	Registry                = handlerpkg.Registry
	Registration            = handlerpkg.Registration
	RegistrationOption      = handlerpkg.RegistrationOption

	RetryPolicy   = retry.Policy
	RetryOutcome  = retry.Outcome
	RetryExecutor = retry.Executor
	StatusError   = retry.StatusError
	CodedError    = retry.CodedError

	HealthStatus = consumer.HealthStatus
	JobContext   = consumer.JobContext
	JobHooks     = consumer.JobHooks

	DeadLetterMessage = deadletter.Message

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	Capabilities          = transportpkg.Capabilities
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService        = runtimepkg.NewService
	TryNewService     = runtimepkg.TryNewService
	LoadConfig        = configpkg.Load
	LoadConfigFromMap = configpkg.LoadFromMap
	DefaultConfig     = configpkg.Default
	ValidateConfig    = configpkg.ValidateConfig

	NewValidator               = event.NewValidator
	WithSchemas                = event.WithSchemas
	WithCorrelationIDGenerator = event.WithCorrelationIDGenerator
	DefaultSchemas             = event.DefaultSchemas

	NewHandler         = handlerpkg.NewHandler
	WithRetryPolicy    = handlerpkg.WithRetryPolicy
	WithHandlerTimeout = handlerpkg.WithHandlerTimeout

	DefaultRetryPolicy = retry.DefaultPolicy
	NewRetryExecutor   = retry.NewExecutor
	NewStatusError     = retry.NewStatusError
	Permanent          = retry.Permanent
	IsPermanent        = retry.IsPermanent
	IsRetryableError   = retry.IsRetryableError

	LoggingHooks  = consumer.LoggingHooks
	AlertingHooks = consumer.AlertingHooks

	DecodeDeadLetter = deadletter.DecodeMessage

	GetCapabilities   = newtransport.GetCapabilities
	RegisterTransport = newtransport.Register
	BuildTransport    = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrEventTypeRequired   = errspkg.ErrEventTypeRequired
	ErrDuplicateHandler    = errspkg.ErrDuplicateHandler
	ErrHandlerTypeMismatch = errspkg.ErrHandlerTypeMismatch
	ErrRegistrySealed      = errspkg.ErrRegistrySealed
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrSubscriberRequired  = errspkg.ErrSubscriberRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrDeadLetterPublish   = errspkg.ErrDeadLetterPublish
	ErrAlreadyConsuming    = errspkg.ErrAlreadyConsuming

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Metadata keys read from inbound messages and written on dead letters.
const (
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyRoutingKey       = metadatapkg.KeyRoutingKey
	MetadataKeyEventType        = metadatapkg.KeyEventType
	MetadataKeyEventID          = metadatapkg.KeyEventID
	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
)

// RegisterJSONHandler registers fn for eventType with the payload decoded
// into T. Payloads that do not decode into T are dead-lettered without retry.
func RegisterJSONHandler[T any](svc *Service, eventType string, fn JSONEventHandler[T], opts ...RegistrationOption) error {
	if svc == nil {
		return ErrServiceRequired
	}
	h, err := handlerpkg.NewJSONHandler(eventType, fn, svc.Logger)
	if err != nil {
		return err
	}
	return svc.RegisterEventHandler(eventType, h, opts...)
}
