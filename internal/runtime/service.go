package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/eventpipe/internal/runtime/config"
	"github.com/drblury/eventpipe/internal/runtime/consumer"
	"github.com/drblury/eventpipe/internal/runtime/deadletter"
	errspkg "github.com/drblury/eventpipe/internal/runtime/errors"
	"github.com/drblury/eventpipe/internal/runtime/event"
	"github.com/drblury/eventpipe/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventpipe/internal/runtime/logging"
	pipelinemetrics "github.com/drblury/eventpipe/internal/runtime/metrics"
	"github.com/drblury/eventpipe/internal/runtime/retry"
	transportpkg "github.com/drblury/eventpipe/internal/runtime/transport"
)

const shutdownTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields fall back to defaults built from the config.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	Validator        *event.Validator
	Executor         *retry.Executor
	Hooks            consumer.JobHooks
	// MetricsRegistry receives every collector. A fresh registry with Go
	// and process collectors is created when nil.
	MetricsRegistry *prometheus.Registry
	Tracer          trace.Tracer
	Clock           func() time.Time
}

// Service wires transport, validator, registry, retry executor, dead-letter
// publisher and consumer together and serves the health endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities transportpkg.Capabilities

	validator  *event.Validator
	registry   *handlers.Registry
	executor   *retry.Executor
	deadLetter *deadletter.Publisher
	consumer   *consumer.Consumer

	metricsRegistry *prometheus.Registry
	pipelineMetrics *pipelinemetrics.PipelineMetrics
	dlqMetrics      *pipelinemetrics.DeadLetterMetrics

	resources *resourceTracker
	mux       *http.ServeMux
	now       func() time.Time
}

// NewService is TryNewService that panics on error.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, connects the transport and builds the
// pipeline. Register handlers on the returned Service before calling Start.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	log = log.With(loggingpkg.LogFields{"service": conf.ServiceName})
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		validator:       deps.Validator,
		executor:        deps.Executor,
		metricsRegistry: deps.MetricsRegistry,
		now:             deps.Clock,
		mux:             http.NewServeMux(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.resources = newResourceTracker(s.now)
	if s.validator == nil {
		s.validator = event.NewValidator()
	}
	if s.executor == nil {
		s.executor = retry.NewExecutor(conf.RetryPolicy())
	}
	if err := s.setupMetrics(); err != nil {
		return nil, err
	}

	s.registry = handlers.NewRegistry(log,
		handlers.WithDefaultPolicy(conf.RetryPolicy()),
		handlers.WithDefaultTimeout(conf.HandlerTimeout),
	)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	if tr.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if tr.DeadLetter() == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	s.transport = tr
	s.capabilities = transportpkg.CapabilitiesFor(conf.PubSubSystem)

	dlqOpts := []deadletter.Option{
		deadletter.WithLogger(log),
		deadletter.WithSourceQueue(conf.QueueName),
		deadletter.WithClock(s.now),
	}
	if s.dlqMetrics != nil {
		dlqOpts = append(dlqOpts, deadletter.WithRecorder(s.dlqMetrics))
	}
	s.deadLetter, err = deadletter.NewPublisher(tr.DeadLetter(), conf.DeadLetterDestination, dlqOpts...)
	if err != nil {
		return nil, err
	}

	opts := consumer.Options{
		QueueName:   conf.QueueName,
		BindingKeys: conf.BindingKeys,
		Concurrency: s.concurrency(),
		Hooks:       deps.Hooks,
		Tracer:      deps.Tracer,
		Clock:       s.now,
	}
	if s.pipelineMetrics != nil {
		opts.Recorder = s.pipelineMetrics
	}
	s.consumer, err = consumer.New(consumer.Dependencies{
		Subscriber: tr.Subscriber,
		Validator:  s.validator,
		Registry:   s.registry,
		DeadLetter: s.deadLetter,
		Executor:   s.executor,
		Logger:     log,
	}, opts)
	if err != nil {
		return nil, err
	}

	if conf.MetricsEnabled {
		metrics.NewPrometheusMetricsBuilder(s.metricsRegistry, "eventpipe", "router").
			AddPrometheusRouterMetrics(s.consumer.Router())
	}

	s.registerHTTPHandlers()
	return s, nil
}

func (s *Service) setupMetrics() error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	if s.metricsRegistry == nil {
		s.metricsRegistry = prometheus.NewRegistry()
		s.metricsRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.pipelineMetrics = pipelinemetrics.NewPipelineMetrics(s.metricsRegistry)
	s.dlqMetrics = pipelinemetrics.NewDeadLetterMetrics(s.metricsRegistry)
	return errors.Join(s.pipelineMetrics.Register(), s.dlqMetrics.Register())
}

// concurrency caps the worker count at one for transports where parallel
// subscriptions would each receive every message.
func (s *Service) concurrency() int {
	n := s.Conf.Concurrency
	if n > 1 && !s.capabilities.SupportsCompetingConsumers {
		s.Logger.Warn("Transport does not share a queue between subscriptions, using a single worker", loggingpkg.LogFields{
			"pubsub_system":         s.Conf.PubSubSystem,
			"requested_concurrency": n,
		})
		return 1
	}
	return n
}

// RegisterEventHandler binds h to eventType. Registration is only possible
// before Start.
func (s *Service) RegisterEventHandler(eventType string, h handlers.Handler, opts ...handlers.RegistrationOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return s.registry.RegisterEventHandler(eventType, h, opts...)
}

// Register binds h under its own event type.
func (s *Service) Register(h handlers.Handler, opts ...handlers.RegistrationOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return s.registry.Register(h, opts...)
}

// Registry returns the handler registry.
func (s *Service) Registry() *handlers.Registry { return s.registry }

// Validator returns the event validator, e.g. to register extra schemas.
func (s *Service) Validator() *event.Validator { return s.validator }

// Publisher returns the transport's general publisher. Useful for producers
// sharing the connection and for tests.
func (s *Service) Publisher() message.Publisher { return s.transport.Publisher }

// Capabilities reports what the configured transport supports.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// Running is closed once the consumer's subscriptions are active.
func (s *Service) Running() chan struct{} { return s.consumer.Running() }

// GetHealthStatus returns the consumer's health snapshot.
func (s *Service) GetHealthStatus() consumer.HealthStatus {
	return s.consumer.GetHealthStatus()
}

// Start runs the consumer and, when a health port is configured, the HTTP
// server, until ctx is cancelled or either of them fails.
func (s *Service) Start(ctx context.Context) error {
	if !s.capabilities.Durable {
		s.Logger.Warn("Transport is not durable, queued messages are lost on restart", loggingpkg.LogFields{
			"pubsub_system": s.Conf.PubSubSystem,
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stops the HTTP server once the consumer exits.
		defer cancel()
		return s.consumer.Run(gctx)
	})

	if s.Conf.HealthPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", s.Conf.HealthPort),
			Handler:           s.mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close stops the consumer and releases the transport.
func (s *Service) Close() error {
	return errors.Join(s.consumer.Close(), s.transport.Close())
}
