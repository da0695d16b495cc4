package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the remote server
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	BytesWritten      prometheus.Counter
	WriteErrors       prometheus.Counter
	WriteQueueDepth   prometheus.Histogram

	// Request metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ParseErrors     prometheus.Counter
	HandlerFailures *prometheus.CounterVec

	// Sensor metrics
	SensorEvents *prometheus.CounterVec
	DoubleClicks *prometheus.CounterVec

	// Autonomy metrics
	AutoDriveToggles *prometheus.CounterVec

	// Stream metrics
	StreamSubscribers prometheus.Gauge
	FramesPublished   prometheus.Counter
	FramesDropped     prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "naocar_active_connections",
			Help: "Current number of registered control connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_connections_opened_total",
			Help: "Total number of accepted control connections",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_connections_closed_total",
			Help: "Total number of closed control connections by reason",
		}, []string{"reason"}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_bytes_written_total",
			Help: "Total number of bytes written to control connections",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_write_errors_total",
			Help: "Total number of failed writes on control connections",
		}),
		WriteQueueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "naocar_write_queue_depth",
			Help:    "Write queue depth observed when a buffer is enqueued",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		// Request metrics
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_requests_total",
			Help: "Total number of dispatched control requests",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "naocar_request_duration_seconds",
			Help:    "Time spent inside command handlers",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"route"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_parse_errors_total",
			Help: "Total number of malformed request lines",
		}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_handler_failures_total",
			Help: "Total number of command handler failures",
		}, []string{"route"}),

		// Sensor metrics
		SensorEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_sensor_events_total",
			Help: "Total number of sensor events received",
		}, []string{"sensor"}),
		DoubleClicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_double_clicks_total",
			Help: "Total number of synthetic double-click events",
		}, []string{"sensor"}),

		// Autonomy metrics
		AutoDriveToggles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_autodrive_transitions_total",
			Help: "Total number of autonomous driving state transitions",
		}, []string{"to"}),

		// Stream metrics
		StreamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "naocar_stream_subscribers",
			Help: "Current number of connected video stream clients",
		}),
		FramesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_stream_frames_published_total",
			Help: "Total number of frames handed to the stream negotiator",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "naocar_stream_frames_dropped_total",
			Help: "Total number of frames dropped for slow stream clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_http_requests_total",
			Help: "Total number of monitoring API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "naocar_http_request_duration_seconds",
			Help:    "Duration of monitoring API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "naocar_http_errors_total",
			Help: "Total number of monitoring API errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened records an accepted connection
func (m *Metrics) RecordConnectionOpened(active int) {
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Set(float64(active))
}

// RecordConnectionClosed records a removed connection and why it went away
func (m *Metrics) RecordConnectionClosed(reason string, active int) {
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	m.ActiveConnections.Set(float64(active))
}

// RecordWrite records a completed write
func (m *Metrics) RecordWrite(n int, failed bool) {
	m.BytesWritten.Add(float64(n))
	if failed {
		m.WriteErrors.Inc()
	}
}

// RecordEnqueue records the queue depth after an enqueue
func (m *Metrics) RecordEnqueue(depth int) {
	m.WriteQueueDepth.Observe(float64(depth))
}

// RecordRequest records a dispatched request
func (m *Metrics) RecordRequest(route, status string, durationSeconds float64) {
	m.Requests.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordHandlerFailure records a failed handler
func (m *Metrics) RecordHandlerFailure(route string) {
	m.HandlerFailures.WithLabelValues(route).Inc()
}

// RecordSensorEvent records a raw sensor event
func (m *Metrics) RecordSensorEvent(sensor string) {
	m.SensorEvents.WithLabelValues(sensor).Inc()
}

// RecordDoubleClick records a synthetic double-click
func (m *Metrics) RecordDoubleClick(sensor string) {
	m.DoubleClicks.WithLabelValues(sensor).Inc()
}

// RecordAutoDriveTransition records an autonomy state change
func (m *Metrics) RecordAutoDriveTransition(to string) {
	m.AutoDriveToggles.WithLabelValues(to).Inc()
}

// SetStreamSubscribers sets the current number of stream clients
func (m *Metrics) SetStreamSubscribers(count int) {
	m.StreamSubscribers.Set(float64(count))
}

// RecordFrame records a published frame and how many clients skipped it
func (m *Metrics) RecordFrame(dropped int) {
	m.FramesPublished.Inc()
	m.FramesDropped.Add(float64(dropped))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
