package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/eventpipe/internal/runtime/consumer"
	"github.com/drblury/eventpipe/internal/runtime/jsoncodec"
	pipelinemetrics "github.com/drblury/eventpipe/internal/runtime/metrics"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthReport is the composite document served on /health.
type HealthReport struct {
	Status     string                              `json:"status"`
	Service    string                              `json:"service"`
	Transport  string                              `json:"transport"`
	Consumer   consumer.HealthStatus               `json:"consumer"`
	Validator  map[string]bool                     `json:"validator"`
	Retry      map[string]bool                     `json:"retry"`
	DeadLetter *pipelinemetrics.DeadLetterSnapshot `json:"deadLetter,omitempty"`
	Resources  ResourceUsage                       `json:"resources"`
	CheckedAt  time.Time                           `json:"checkedAt"`
}

// Healthy reports whether the consumer is running and every component check
// passed.
func (r HealthReport) Healthy() bool { return r.Status == StatusOK }

// HealthReport collects the consumer status and the component self checks.
func (s *Service) HealthReport() HealthReport {
	report := HealthReport{
		Service:   s.Conf.ServiceName,
		Transport: s.Conf.PubSubSystem,
		Consumer:  s.consumer.GetHealthStatus(),
		Validator: s.validator.HealthCheck(),
		Retry:     s.executor.HealthCheck(),
		Resources: s.resources.Snapshot(),
		CheckedAt: s.now().UTC(),
	}
	if s.dlqMetrics != nil {
		snapshot := s.dlqMetrics.GetSnapshot()
		report.DeadLetter = &snapshot
	}

	report.Status = StatusOK
	if !report.Consumer.IsConsuming || !allTrue(report.Validator) || !allTrue(report.Retry) {
		report.Status = StatusDegraded
	}
	return report
}

// Handler returns the HTTP handler serving the health, handler listing and
// metrics endpoints.
func (s *Service) Handler() http.Handler { return s.mux }

// RegisterHTTPHandler mounts an additional handler on the health server.
func (s *Service) RegisterHTTPHandler(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Service) registerHTTPHandlers() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleLive)
	s.mux.HandleFunc("GET /api/handlers", s.handleGetHandlers)
	if s.metricsRegistry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.HealthReport()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Service) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": StatusOK})
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Registrations())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func allTrue(checks map[string]bool) bool {
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}
