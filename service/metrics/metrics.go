package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerRPCCallsTotal   *prometheus.CounterVec
	ledgerRPCCallDuration *prometheus.HistogramVec
	ledgerProbesTotal     *prometheus.CounterVec
	ledgerFailoversTotal  *prometheus.CounterVec
	ledgerReceiptPolls    *prometheus.HistogramVec

	// Distribution Metrics
	transferLegsTotal       *prometheus.CounterVec
	distributionsTotal      *prometheus.CounterVec
	distributionDuration    *prometheus.HistogramVec
	integrityAlertsTotal    prometheus.Counter
	idempotentReplaysTotal  *prometheus.CounterVec
	validationCacheLookups  *prometheus.CounterVec
	reviewRequestsPublished *prometheus.CounterVec

	// Workflow Metrics
	workflowDuration        *prometheus.HistogramVec
	workflowExecutionsTotal *prometheus.CounterVec
	activityDuration        *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger RPC Metrics
		ledgerRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		ledgerRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ledgerProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_endpoint_probes_total",
				Help: "Total number of ledger endpoint health probes by result",
			},
			[]string{"endpoint", "status"},
		),
		ledgerFailoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_endpoint_failovers_total",
				Help: "Total number of times the active ledger endpoint changed",
			},
			[]string{"endpoint"},
		),
		ledgerReceiptPolls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_receipt_polls",
				Help:    "Number of receipt polls needed before a transaction resolved or timed out",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),

		// Distribution Metrics
		transferLegsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_legs_total",
				Help: "Total number of transfer legs by leg and outcome",
			},
			[]string{"leg", "status"},
		),
		distributionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributions_total",
				Help: "Total number of distributions by mode and resulting status",
			},
			[]string{"mode", "status"},
		),
		distributionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distribution_duration_seconds",
				Help:    "Duration of distribution attempts in seconds",
				Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		integrityAlertsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distribution_integrity_alerts_total",
				Help: "Total number of distributions where exactly one leg confirmed",
			},
		),
		idempotentReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_idempotent_replays_total",
				Help: "Total number of distribute calls answered from an existing record",
			},
			[]string{"reason"},
		),
		validationCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validation_cache_lookups_total",
				Help: "Total number of validation cache lookups by result",
			},
			[]string{"result"},
		),
		reviewRequestsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_requests_total",
				Help: "Total number of manual review requests emitted",
			},
			[]string{"status"},
		),

		// Workflow Metrics
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Duration of workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow", "status"},
		),
		workflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions",
			},
			[]string{"workflow", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a ledger RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.ledgerRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ledgerRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordProbe records one endpoint health probe.
func (m *Metrics) RecordProbe(endpoint string, err error) {
	m.ledgerProbesTotal.WithLabelValues(endpoint, errStatus(err)).Inc()
}

// RecordFailover records the active endpoint switching to endpoint.
func (m *Metrics) RecordFailover(endpoint string) {
	m.ledgerFailoversTotal.WithLabelValues(endpoint).Inc()
}

// RecordReceiptPolls records how many polls a receipt wait took.
func (m *Metrics) RecordReceiptPolls(outcome string, polls int) {
	m.ledgerReceiptPolls.WithLabelValues(outcome).Observe(float64(polls))
}

// Distribution metric helpers

// RecordTransferLeg records the outcome of one transfer leg.
func (m *Metrics) RecordTransferLeg(leg, status string) {
	m.transferLegsTotal.WithLabelValues(leg, status).Inc()
}

// RecordDistribution records a finished distribution attempt.
func (m *Metrics) RecordDistribution(mode, status string, duration float64) {
	m.distributionsTotal.WithLabelValues(mode, status).Inc()
	m.distributionDuration.WithLabelValues(mode).Observe(duration)
}

// RecordIntegrityAlert records a partial distribution.
func (m *Metrics) RecordIntegrityAlert() {
	m.integrityAlertsTotal.Inc()
}

// RecordIdempotentReplay records a distribute call served from an existing record.
func (m *Metrics) RecordIdempotentReplay(reason string) {
	m.idempotentReplaysTotal.WithLabelValues(reason).Inc()
}

// RecordValidationCacheLookup records a validation cache hit or miss.
func (m *Metrics) RecordValidationCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.validationCacheLookups.WithLabelValues(result).Inc()
}

// RecordReviewRequest records a review request hand-off to the review sink.
func (m *Metrics) RecordReviewRequest(err error) {
	m.reviewRequestsPublished.WithLabelValues(errStatus(err)).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(workflow, status string, duration float64) {
	m.workflowDuration.WithLabelValues(workflow, status).Observe(duration)
	m.workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, errStatus(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func errStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
