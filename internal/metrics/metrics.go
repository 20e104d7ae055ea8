package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dialer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Dialing
	DialAttemptsTotal *prometheus.CounterVec
	OutcomesTotal     *prometheus.CounterVec
	TimeToVerdict     *prometheus.HistogramVec
	ArbitratedTotal   prometheus.Counter
	LinesActive       prometheus.Gauge
	QueueDepth        prometheus.Gauge

	// Operator
	DispositionsTotal *prometheus.CounterVec
	TalkDuration      prometheus.Histogram

	// Errors
	ErrorsTotal *prometheus.CounterVec

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with all Prometheus metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dialer"
	}

	registry := prometheus.NewRegistry()

	dialAttemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Dial attempts by mode and initiation result",
		},
		[]string{"mode", "result"},
	)

	outcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Classified call outcomes",
		},
		[]string{"mode", "outcome"},
	)

	timeToVerdict := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_verdict_seconds",
			Help:      "Time from dial to AMD classification",
			Buckets:   []float64{2, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"outcome"},
	)

	arbitratedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrated_lines_total",
			Help:      "Sibling lines hung up because another line won the operator",
		},
	)

	linesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lines_active",
			Help:      "Number of non-idle lines",
		},
	)

	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queued call targets",
		},
	)

	dispositionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispositions_total",
			Help:      "Operator dispositions by id and queue decision",
		},
		[]string{"disposition", "requeue"},
	)

	talkDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "talk_duration_seconds",
			Help:      "Connected call duration",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Swallowed errors by component",
		},
		[]string{"component"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Register all metrics
	registry.MustRegister(
		dialAttemptsTotal,
		outcomesTotal,
		timeToVerdict,
		arbitratedTotal,
		linesActive,
		queueDepth,
		dispositionsTotal,
		talkDuration,
		errorsTotal,
		requestsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:          registry,
		DialAttemptsTotal: dialAttemptsTotal,
		OutcomesTotal:     outcomesTotal,
		TimeToVerdict:     timeToVerdict,
		ArbitratedTotal:   arbitratedTotal,
		LinesActive:       linesActive,
		QueueDepth:        queueDepth,
		DispositionsTotal: dispositionsTotal,
		TalkDuration:      talkDuration,
		ErrorsTotal:       errorsTotal,
		RequestsTotal:     requestsTotal,
		RequestDuration:   requestDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordDial records one initiation attempt.
func (m *Metrics) RecordDial(mode, result string) {
	if m == nil {
		return
	}
	m.DialAttemptsTotal.WithLabelValues(mode, result).Inc()
}

// RecordOutcome records a classified outcome and how long it took.
func (m *Metrics) RecordOutcome(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(mode, outcome).Inc()
	if elapsed > 0 {
		m.TimeToVerdict.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordArbitrated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArbitratedTotal.Add(float64(n))
}

// SetGauges publishes the current line and queue occupancy.
func (m *Metrics) SetGauges(activeLines, queued int) {
	if m == nil {
		return
	}
	m.LinesActive.Set(float64(activeLines))
	m.QueueDepth.Set(float64(queued))
}

// RecordDisposition records an operator outcome and the talk time.
func (m *Metrics) RecordDisposition(dispositionID string, requeue bool, talk time.Duration) {
	if m == nil {
		return
	}
	m.DispositionsTotal.WithLabelValues(dispositionID, strconv.FormatBool(requeue)).Inc()
	if talk > 0 {
		m.TalkDuration.Observe(talk.Seconds())
	}
}

// RecordError records an error that was logged and swallowed.
func (m *Metrics) RecordError(component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component).Inc()
}

// RecordRequest records a completed API request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
