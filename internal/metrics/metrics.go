// Package metrics provides Prometheus metrics for packwatch job tracking.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface consumed by the tracker. Tests and
// callers that do not serve metrics can pass a Noop recorder.
type Recorder interface {
	// RecordPoll counts one status fetch attempt for a job kind.
	RecordPoll(kind string)
	// RecordPollFailure counts one failed status fetch for a job kind.
	RecordPollFailure(kind string)
	// RecordSessionOpened counts one newly opened workflow session.
	RecordSessionOpened(kind string)
	// SetActiveSessions sets the current number of live poll loops.
	SetActiveSessions(n int)
	// RecordTerminal counts a job reaching a terminal status.
	RecordTerminal(kind, status string)
	// RecordTrackingLost counts a job whose tracking was abandoned after
	// too many consecutive fetch failures.
	RecordTrackingLost(kind string)
}

// PrometheusMetrics implements Recorder on top of a Prometheus registry.
type PrometheusMetrics struct {
	PollCounter        *prometheus.CounterVec
	PollFailureCounter *prometheus.CounterVec
	SessionCounter     *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	TerminalCounter    *prometheus.CounterVec
	TrackingLost       *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all packwatch metrics on the
// given registry.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		PollCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packwatch_polls_total",
			Help: "Total job status fetches issued, by job kind.",
		}, []string{"kind"}),
		PollFailureCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packwatch_poll_failures_total",
			Help: "Total failed job status fetches, by job kind.",
		}, []string{"kind"}),
		SessionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packwatch_sessions_opened_total",
			Help: "Total workflow sessions opened, by job kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packwatch_sessions_active",
			Help: "Number of jobs currently being polled.",
		}),
		TerminalCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packwatch_jobs_terminal_total",
			Help: "Total jobs observed reaching a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		TrackingLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packwatch_tracking_lost_total",
			Help: "Total jobs whose tracking was abandoned after repeated fetch failures, by kind.",
		}, []string{"kind"}),
	}

	collectors := []prometheus.Collector{
		m.PollCounter,
		m.PollFailureCounter,
		m.SessionCounter,
		m.ActiveSessions,
		m.TerminalCounter,
		m.TrackingLost,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// RecordPoll counts one status fetch attempt.
func (m *PrometheusMetrics) RecordPoll(kind string) {
	m.PollCounter.WithLabelValues(kind).Inc()
}

// RecordPollFailure counts one failed status fetch.
func (m *PrometheusMetrics) RecordPollFailure(kind string) {
	m.PollFailureCounter.WithLabelValues(kind).Inc()
}

// RecordSessionOpened counts one newly opened workflow session.
func (m *PrometheusMetrics) RecordSessionOpened(kind string) {
	m.SessionCounter.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the live poll loop gauge.
func (m *PrometheusMetrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordTerminal counts a job reaching a terminal status.
func (m *PrometheusMetrics) RecordTerminal(kind, status string) {
	m.TerminalCounter.WithLabelValues(kind, status).Inc()
}

// RecordTrackingLost counts a job whose tracking was abandoned.
func (m *PrometheusMetrics) RecordTrackingLost(kind string) {
	m.TrackingLost.WithLabelValues(kind).Inc()
}

// Noop is a Recorder that discards all observations.
type Noop struct{}

// RecordPoll implements Recorder.
func (Noop) RecordPoll(string) {}

// RecordPollFailure implements Recorder.
func (Noop) RecordPollFailure(string) {}

// RecordSessionOpened implements Recorder.
func (Noop) RecordSessionOpened(string) {}

// SetActiveSessions implements Recorder.
func (Noop) SetActiveSessions(int) {}

// RecordTerminal implements Recorder.
func (Noop) RecordTerminal(string, string) {}

// RecordTrackingLost implements Recorder.
func (Noop) RecordTrackingLost(string) {}
