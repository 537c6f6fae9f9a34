package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeadLetterMetrics tracks messages moved to dead-letter destinations.
type DeadLetterMetrics struct {
	mu sync.RWMutex

	destinations map[string]*DestinationStats

	messagesTotal  *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	attemptsHist   *prometheus.HistogramVec
	ageSecondsHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DestinationStats holds counters for one dead-letter destination.
type DestinationStats struct {
	MessagesPublished uint64    `json:"messages_published"`
	PublishFailures   uint64    `json:"publish_failures"`
	OldestMessageAt   time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt   time.Time `json:"newest_message_at,omitempty"`
	AvgAttempts       float64   `json:"avg_attempts"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// DeadLetterSnapshot is a point-in-time view of all destinations.
type DeadLetterSnapshot struct {
	TotalPublished uint64                       `json:"total_published"`
	TotalFailures  uint64                       `json:"total_failures"`
	Destinations   map[string]*DestinationStats `json:"destinations"`
	CollectedAt    time.Time                    `json:"collected_at"`
}

// NewDeadLetterMetrics builds the collectors. A nil registerer means the
// Prometheus default registry.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeadLetterMetrics{
		destinations:   make(map[string]*DestinationStats),
		registerer:     registerer,
		messagesTotal:  newCounterVec("dlq", "messages_total", "Messages published to the dead-letter destination", []string{"destination", "event_type"}),
		failuresTotal:  newCounterVec("dlq", "publish_failures_total", "Dead-letter publishes that failed", []string{"destination"}),
		attemptsHist:   newHistogramVec("dlq", "attempts", "Handler attempts before a message was dead-lettered", []float64{0, 1, 2, 3, 5, 10, 20}, []string{"destination"}),
		ageSecondsHist: newHistogramVec("dlq", "message_age_seconds", "Time from receipt until the message was dead-lettered", []float64{0.1, 1, 5, 10, 30, 60, 300, 600}, []string{"destination"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DeadLetterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := registerAll(m.registerer, m.messagesTotal, m.failuresTotal, m.attemptsHist, m.ageSecondsHist); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// RecordDeadLetter records a successful dead-letter publish.
func (m *DeadLetterMetrics) RecordDeadLetter(destination, eventType string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := m.getOrCreate(destination)
	stats.MessagesPublished++
	stats.LastUpdatedAt = now
	if stats.OldestMessageAt.IsZero() {
		stats.OldestMessageAt = now
	}
	stats.NewestMessageAt = now
	total := stats.MessagesPublished
	stats.AvgAttempts = ((stats.AvgAttempts * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(destination, labelOrUnknown(eventType)).Inc()
	m.attemptsHist.WithLabelValues(destination).Observe(float64(attempts))
	m.ageSecondsHist.WithLabelValues(destination).Observe(age.Seconds())
}

// RecordDeadLetterFailure records a failed dead-letter publish.
func (m *DeadLetterMetrics) RecordDeadLetterFailure(destination, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(destination)
	stats.PublishFailures++
	stats.LastUpdatedAt = time.Now()
	m.failuresTotal.WithLabelValues(destination).Inc()
}

// GetSnapshot returns copies of all destination stats.
func (m *DeadLetterMetrics) GetSnapshot() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DeadLetterSnapshot{
		Destinations: make(map[string]*DestinationStats, len(m.destinations)),
		CollectedAt:  time.Now(),
	}
	for name, stats := range m.destinations {
		cp := *stats
		snapshot.Destinations[name] = &cp
		snapshot.TotalPublished += stats.MessagesPublished
		snapshot.TotalFailures += stats.PublishFailures
	}
	return snapshot
}

// GetDestinationStats returns a copy of one destination's stats, or nil.
func (m *DeadLetterMetrics) GetDestinationStats(destination string) *DestinationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.destinations[destination]; ok {
		cp := *stats
		return &cp
	}
	return nil
}

func (m *DeadLetterMetrics) getOrCreate(destination string) *DestinationStats {
	if stats, ok := m.destinations[destination]; ok {
		return stats
	}
	stats := &DestinationStats{}
	m.destinations[destination] = stats
	return stats
}

// Reset clears all metrics.
func (m *DeadLetterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destinations = make(map[string]*DestinationStats)
	m.messagesTotal.Reset()
	m.failuresTotal.Reset()
	m.attemptsHist.Reset()
	m.ageSecondsHist.Reset()
}
