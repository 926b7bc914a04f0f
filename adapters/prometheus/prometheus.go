// Package prometheus implements the client metrics interfaces on top of
// prometheus/client_golang. One ClientMetrics value instruments connection,
// dispatch and subscription activity and plugs straight into
// client.WithMetrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evstore-go/core/client"
	"github.com/codewandler/evstore-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// ClientMetrics implements client.Metrics using Prometheus.
type ClientMetrics struct {
	// connection
	connectDuration   prometheus.Histogram
	connects          *prometheus.CounterVec
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	waitersOverflowed prometheus.Counter
	packagesSent      *prometheus.CounterVec
	packagesReceived  *prometheus.CounterVec

	// operations
	operationDuration *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	operationRetries  *prometheus.CounterVec
	queueDepth        prometheus.Gauge

	// subscriptions
	subConfirmed    *prometheus.CounterVec
	subResubscribed *prometheus.CounterVec
	subDropped      *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	acksSent        prometheus.Counter
	naksSent        prometheus.Counter
}

var _ client.Metrics = (*ClientMetrics)(nil)

// NewClientMetrics creates and registers the client metric set.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evstore_connect_duration_seconds",
			Help:    "Time to establish and identify a connection",
			Buckets: defaultBuckets,
		}),

		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_connects_total",
			Help: "Connection attempts by outcome",
		}, []string{"success"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_reconnects_total",
			Help: "Connections lost and scheduled for re-establishment",
		}),

		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_heartbeat_timeouts_total",
			Help: "Sessions killed by a missed heartbeat",
		}),

		waitersOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_waiters_overflowed_total",
			Help: "Waiters dropped because their delivery buffer filled up",
		}),

		packagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_packages_sent_total",
			Help: "Packages sent by command",
		}, []string{"command"}),

		packagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_packages_received_total",
			Help: "Packages received by command",
		}, []string{"command"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evstore_operation_duration_seconds",
			Help:    "End-to-end operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_operations_total",
			Help: "Completed operations by command and outcome",
		}, []string{"command", "success"}),

		operationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_operation_retries_total",
			Help: "Operation retries by command and reason",
		}, []string{"command", "reason"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evstore_operation_queue_depth",
			Help: "Operations waiting to be dispatched",
		}),

		subConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_subscriptions_confirmed_total",
			Help: "Subscription confirmations by kind",
		}, []string{"kind"}),

		subResubscribed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_subscriptions_resubscribed_total",
			Help: "Automatic resubscriptions by kind",
		}, []string{"kind"}),

		subDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_subscriptions_dropped_total",
			Help: "Subscription drops by kind and reason",
		}, []string{"kind", "reason"}),

		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_subscription_events_total",
			Help: "Events delivered to subscribers by kind",
		}, []string{"kind"}),

		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_acks_sent_total",
			Help: "Events acknowledged on persistent subscriptions",
		}),

		naksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_naks_sent_total",
			Help: "Events negatively acknowledged on persistent subscriptions",
		}),
	}

	reg.MustRegister(
		m.connectDuration,
		m.connects,
		m.reconnects,
		m.heartbeatTimeouts,
		m.waitersOverflowed,
		m.packagesSent,
		m.packagesReceived,
		m.operationDuration,
		m.operations,
		m.operationRetries,
		m.queueDepth,
		m.subConfirmed,
		m.subResubscribed,
		m.subDropped,
		m.eventsDelivered,
		m.acksSent,
		m.naksSent,
	)

	return m
}

// === conn.ConnMetrics ===

func (m *ClientMetrics) ConnectDuration() metrics.Timer {
	return newTimer(m.connectDuration)
}

func (m *ClientMetrics) ConnectCompleted(success bool) {
	m.connects.WithLabelValues(boolToStr(success)).Inc()
}

func (m *ClientMetrics) Reconnects()        { m.reconnects.Inc() }
func (m *ClientMetrics) HeartbeatTimeouts() { m.heartbeatTimeouts.Inc() }
func (m *ClientMetrics) WaitersOverflowed() { m.waitersOverflowed.Inc() }

func (m *ClientMetrics) PackagesSent(command string) {
	m.packagesSent.WithLabelValues(command).Inc()
}

func (m *ClientMetrics) PackagesReceived(command string) {
	m.packagesReceived.WithLabelValues(command).Inc()
}

// === dispatch.DispatchMetrics ===

func (m *ClientMetrics) OperationDuration(command string) metrics.Timer {
	return newTimer(m.operationDuration.WithLabelValues(command))
}

func (m *ClientMetrics) OperationCompleted(command string, success bool) {
	m.operations.WithLabelValues(command, boolToStr(success)).Inc()
}

func (m *ClientMetrics) OperationRetried(command string, reason string) {
	m.operationRetries.WithLabelValues(command, reason).Inc()
}

func (m *ClientMetrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// === subs.SubMetrics ===

func (m *ClientMetrics) SubscriptionConfirmed(kind string) {
	m.subConfirmed.WithLabelValues(kind).Inc()
}

func (m *ClientMetrics) SubscriptionResubscribed(kind string) {
	m.subResubscribed.WithLabelValues(kind).Inc()
}

func (m *ClientMetrics) SubscriptionDropped(kind string, reason string) {
	m.subDropped.WithLabelValues(kind, reason).Inc()
}

func (m *ClientMetrics) EventsDelivered(kind string, count int) {
	m.eventsDelivered.WithLabelValues(kind).Add(float64(count))
}

func (m *ClientMetrics) AcksSent(count int) { m.acksSent.Add(float64(count)) }
func (m *ClientMetrics) NaksSent(count int) { m.naksSent.Add(float64(count)) }

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
