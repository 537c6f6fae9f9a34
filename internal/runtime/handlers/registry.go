package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	"github.com/drblury/eventpipe/internal/runtime/retry"
)

// RegistryHooks observes registry activity. Nil callbacks are skipped.
type RegistryHooks struct {
	OnRegister  func(eventType string)
	OnUnhandled func(ctx context.Context, evt event.Event)
}

// RegistrationOption tunes how one event type is processed.
type RegistrationOption func(*registration)

// WithRetryPolicy overrides the retry policy for this event type.
func WithRetryPolicy(policy retry.Policy) RegistrationOption {
	return func(r *registration) {
		p := policy.Normalize()
		r.policy = &p
	}
}

// WithHandlerTimeout bounds each handler attempt for this event type.
func WithHandlerTimeout(timeout time.Duration) RegistrationOption {
	return func(r *registration) {
		r.timeout = timeout
	}
}

type registration struct {
	handler      Handler
	policy       *retry.Policy
	timeout      time.Duration
	registeredAt time.Time
}

// Registration describes a registered handler.
type Registration struct {
	EventType    string        `json:"eventType"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	MaxRetries   int           `json:"maxRetries"`
	RegisteredAt time.Time     `json:"registeredAt"`
}

// Registry maps event types to exactly one handler each. A second
// registration for the same type is rejected with ErrDuplicateHandler.
// Registration is closed once the consumer starts (Seal).
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]registration
	sealed         bool
	logger         loggingpkg.ServiceLogger
	hooks          RegistryHooks
	defaultPolicy  retry.Policy
	defaultTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryHooks installs observers.
func WithRegistryHooks(hooks RegistryHooks) RegistryOption {
	return func(r *Registry) {
		r.hooks = hooks
	}
}

// WithDefaultPolicy sets the policy returned for types registered without one.
func WithDefaultPolicy(policy retry.Policy) RegistryOption {
	return func(r *Registry) {
		r.defaultPolicy = policy.Normalize()
	}
}

// WithDefaultTimeout sets the handler timeout for types registered without
// one. Zero disables the deadline.
func WithDefaultTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.defaultTimeout = timeout
	}
}

// NewRegistry returns an empty registry. A nil logger discards output.
func NewRegistry(logger loggingpkg.ServiceLogger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	r := &Registry{
		entries:       make(map[string]registration),
		logger:        logger,
		defaultPolicy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterEventHandler binds h to eventType.
func (r *Registry) RegisterEventHandler(eventType string, h Handler, opts ...RegistrationOption) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if declared := h.EventType(); declared != "" && declared != eventType {
		return fmt.Errorf("%w: handler declares %q, registered as %q", errspkg.ErrHandlerTypeMismatch, declared, eventType)
	}

	reg := registration{handler: h, registeredAt: time.Now().UTC()}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrRegistrySealed, eventType)
	}
	if _, exists := r.entries[eventType]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandler, eventType)
	}
	r.entries[eventType] = reg
	r.mu.Unlock()

	r.logger.Info("Registered event handler", loggingpkg.LogFields{"event_type": eventType})
	if r.hooks.OnRegister != nil {
		r.hooks.OnRegister(eventType)
	}
	return nil
}

// Register binds h under its own EventType.
func (r *Registry) Register(h Handler, opts ...RegistrationOption) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.RegisterEventHandler(h.EventType(), h, opts...)
}

// Dispatch invokes the handler for evt.EventType and returns its error
// unchanged. Events without a handler are logged and reported to
// OnUnhandled, then treated as done.
func (r *Registry) Dispatch(ctx context.Context, evt event.Event) error {
	r.mu.RLock()
	reg, ok := r.entries[evt.EventType]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("No handler registered for event type", EventLogFields(evt))
		if r.hooks.OnUnhandled != nil {
			r.hooks.OnUnhandled(ctx, evt)
		}
		return nil
	}
	return reg.handler.Handle(ctx, evt)
}

// HasHandler reports whether eventType has a handler.
func (r *Registry) HasHandler(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[eventType]
	return ok
}

// EventTypes returns the registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.entries))
	for eventType := range r.entries {
		types = append(types, eventType)
	}
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}

// Registrations returns a snapshot sorted by event type.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.entries))
	for eventType, reg := range r.entries {
		policy := r.defaultPolicy
		if reg.policy != nil {
			policy = *reg.policy
		}
		timeout := reg.timeout
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		out = append(out, Registration{
			EventType:    eventType,
			Timeout:      timeout,
			MaxRetries:   policy.MaxRetries,
			RegisteredAt: reg.registeredAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// PolicyFor returns the policy for eventType, falling back to the default.
func (r *Registry) PolicyFor(eventType string) retry.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[eventType]; ok && reg.policy != nil {
		return *reg.policy
	}
	return r.defaultPolicy
}

// TimeoutFor returns the handler timeout for eventType, falling back to the
// default. Zero means no deadline.
func (r *Registry) TimeoutFor(eventType string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[eventType]; ok && reg.timeout > 0 {
		return reg.timeout
	}
	return r.defaultTimeout
}

// Seal closes registration. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
