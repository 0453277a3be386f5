// Package observability exposes counters for the streaming and tracking
// layers on a private prometheus registry. The hosting application decides
// whether and how to scrape it.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the counters shared by the stream client and tracker.
// A nil *Metrics is valid and turns every increment into a no-op.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived    prometheus.Counter
	malformedFrames   prometheus.Counter
	reconnectAttempts prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	taskFailures      prometheus.Counter
	eventsDiscarded   prometheus.Counter
}

// NewMetrics builds the counter set on a fresh private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_stream_frames_received_total",
			Help: "Inbound stream frames received across all connections.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_stream_frames_malformed_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_stream_reconnect_attempts_total",
			Help: "Reconnection attempts across all stream connections.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_stream_heartbeat_timeouts_total",
			Help: "Connections force-closed after the heartbeat window elapsed.",
		}),
		taskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_task_failures_total",
			Help: "Tasks that reached the failed state.",
		}),
		eventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fable_tracker_events_discarded_total",
			Help: "Stream events discarded after tracking stopped.",
		}),
	}
	registry.MustRegister(
		m.framesReceived,
		m.malformedFrames,
		m.reconnectAttempts,
		m.heartbeatTimeouts,
		m.taskFailures,
		m.eventsDiscarded,
	)
	return m
}

// Registry returns the private registry for the host application to scrape.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncFramesReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) IncMalformedFrames() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) IncReconnectAttempts() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) IncHeartbeatTimeouts() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) IncTaskFailures() {
	if m != nil {
		m.taskFailures.Inc()
	}
}

func (m *Metrics) IncEventsDiscarded() {
	if m != nil {
		m.eventsDiscarded.Inc()
	}
}
