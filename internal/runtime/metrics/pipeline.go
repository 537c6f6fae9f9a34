package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Processing outcomes used as the "outcome" label.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeNacked       = "nacked"
)

// PipelineMetrics counts messages as they move through the consumer.
type PipelineMetrics struct {
	mu sync.Mutex

	received          *prometheus.CounterVec
	processed         *prometheus.CounterVec
	validationFailure prometheus.Counter
	retries           *prometheus.CounterVec
	attempts          *prometheus.HistogramVec
	duration          *prometheus.HistogramVec
	inFlight          prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// NewPipelineMetrics builds the collectors. A nil registerer means the
// Prometheus default registry.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PipelineMetrics{
		registerer: registerer,
		received:   newCounterVec("consumer", "messages_received_total", "Messages received from the broker", []string{"event_type"}),
		processed:  newCounterVec("consumer", "messages_processed_total", "Messages that reached a terminal action", []string{"event_type", "outcome"}),
		validationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "validation_failures_total",
			Help:      "Messages rejected by envelope or payload validation",
		}),
		retries:  newCounterVec("consumer", "retries_total", "Handler retries scheduled", []string{"event_type"}),
		attempts: newHistogramVec("consumer", "handler_attempts", "Handler attempts per message", []float64{1, 2, 3, 4, 5, 8, 13}, []string{"event_type"}),
		duration: newHistogramVec("consumer", "processing_duration_seconds", "Time from receipt to terminal action", prometheus.DefBuckets, []string{"event_type", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_in_flight",
			Help:      "Messages currently being processed",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := registerAll(m.registerer, m.received, m.processed, m.validationFailure, m.retries, m.attempts, m.duration, m.inFlight); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *PipelineMetrics) MessageReceived(eventType string) {
	m.received.WithLabelValues(labelOrUnknown(eventType)).Inc()
	m.inFlight.Inc()
}

func (m *PipelineMetrics) ValidationFailed() {
	m.validationFailure.Inc()
}

func (m *PipelineMetrics) RetryScheduled(eventType string) {
	m.retries.WithLabelValues(labelOrUnknown(eventType)).Inc()
}

// MessageProcessed records the terminal action for one message.
func (m *PipelineMetrics) MessageProcessed(eventType, outcome string, attempts int, elapsed time.Duration) {
	eventType = labelOrUnknown(eventType)
	m.processed.WithLabelValues(eventType, outcome).Inc()
	m.duration.WithLabelValues(eventType, outcome).Observe(elapsed.Seconds())
	if attempts > 0 {
		m.attempts.WithLabelValues(eventType).Observe(float64(attempts))
	}
	m.inFlight.Dec()
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
