// Package metrics provides Prometheus metrics for the ping engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "surge_ping"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Probe metrics
	PacketsSent      prometheus.Counter
	SendErrors       prometheus.Counter
	RepliesReceived  prometheus.Counter
	Timeouts         prometheus.Counter
	DecodeFailures   prometheus.Counter
	RoundTripSeconds prometheus.Histogram

	// Dispatcher metrics
	DestinationsRegistered prometheus.Gauge
	DispatcherRunning      prometheus.Gauge
	DispatcherEvictions    prometheus.Counter
	PacketsDiscarded       prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total echo requests handed to the socket",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total echo requests that failed to send",
		}),
		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total matched echo replies delivered to callers",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total ping calls that timed out waiting for a reply",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total received packets that failed ICMP decoding",
		}),
		RoundTripSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Round-trip time of matched echo replies",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),

		DestinationsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destinations_registered",
			Help:      "Destinations currently registered on shared sockets",
		}),
		DispatcherRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_running",
			Help:      "Whether a reply dispatcher loop is currently running (0 or 1)",
		}),
		DispatcherEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_evictions_total",
			Help:      "Destination registrations removed after failed delivery",
		}),
		PacketsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_discarded_total",
			Help:      "Received datagrams with no registered destination",
		}),
	}
}
