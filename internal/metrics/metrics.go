// Package metrics provides Prometheus collectors for the session gateway and
// the realtime channel. All recording methods are safe on a nil *Collector so
// components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the storefront core collectors on a private registry.
type Collector struct {
	registry *prometheus.Registry

	// Gateway metrics
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	// Refresh metrics
	refreshTotal      *prometheus.CounterVec
	refreshQueueDepth prometheus.Gauge
	refreshWait       prometheus.Histogram
	sessionTeardowns  *prometheus.CounterVec

	// Channel metrics
	connectionState   prometheus.Gauge
	handshakeFailures *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	liveSubscriptions prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
}

// NewCollector creates a collector registered under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "storefront"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Outbound calls by method and outcome kind",
		},
		[]string{"method", "outcome"},
	)

	c.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of outbound calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method"},
	)

	c.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "total",
			Help:      "Credential refresh calls by result",
		},
		[]string{"result"},
	)

	c.refreshQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "queue_depth",
		Help:      "Requests waiting on the in-flight refresh",
	})

	c.refreshWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "wait_seconds",
		Help:      "Time a queued request waited for the refresh to settle",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	c.sessionTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "teardowns_total",
			Help:      "Session teardowns by reason",
		},
		[]string{"reason"},
	)

	c.connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "state",
		Help:      "Connection state (0=disconnected, 1=connecting, 2=connected)",
	})

	c.handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "handshake_failures_total",
			Help:      "Failed handshakes by kind",
		},
		[]string{"kind"},
	)

	c.reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled after a failure or close",
	})

	c.liveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "live_subscriptions",
		Help:      "Subscriptions active on the current connection",
	})

	c.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Messages delivered by topic",
		},
		[]string{"topic"},
	)

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestLatency,
		c.refreshTotal,
		c.refreshQueueDepth,
		c.refreshWait,
		c.sessionTeardowns,
		c.connectionState,
		c.handshakeFailures,
		c.reconnectsTotal,
		c.liveSubscriptions,
		c.messagesTotal,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one outbound call.
func (c *Collector) RecordRequest(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, outcome).Inc()
	c.requestLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRefresh records a settled refresh call.
func (c *Collector) RecordRefresh(result string) {
	if c == nil {
		return
	}
	c.refreshTotal.WithLabelValues(result).Inc()
}

// SetRefreshQueueDepth sets the current wait-queue depth.
func (c *Collector) SetRefreshQueueDepth(n int) {
	if c == nil {
		return
	}
	c.refreshQueueDepth.Set(float64(n))
}

// ObserveRefreshWait records how long a queued request waited.
func (c *Collector) ObserveRefreshWait(d time.Duration) {
	if c == nil {
		return
	}
	c.refreshWait.Observe(d.Seconds())
}

// RecordTeardown records a session teardown.
func (c *Collector) RecordTeardown(reason string) {
	if c == nil {
		return
	}
	c.sessionTeardowns.WithLabelValues(reason).Inc()
}

// SetConnectionState records the channel state as its numeric value.
func (c *Collector) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

// RecordHandshakeFailure records a failed handshake.
func (c *Collector) RecordHandshakeFailure(kind string) {
	if c == nil {
		return
	}
	c.handshakeFailures.WithLabelValues(kind).Inc()
}

// RecordReconnectScheduled records a scheduled reconnect.
func (c *Collector) RecordReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnectsTotal.Inc()
}

// SetLiveSubscriptions sets the live subscription count.
func (c *Collector) SetLiveSubscriptions(n int) {
	if c == nil {
		return
	}
	c.liveSubscriptions.Set(float64(n))
}

// RecordMessage records a delivered message.
func (c *Collector) RecordMessage(topic string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(topic).Inc()
}
