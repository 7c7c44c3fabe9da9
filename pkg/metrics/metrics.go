// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsObserved counts raw events by kind, delivery source and ledger outcome.
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkchat_events_observed_total",
			Help: "Raw events observed by the ingestion ledger",
		},
		[]string{"kind", "source", "outcome"},
	)

	// DecodeFallbacks counts bodies that could not be decrypted and kept their prior text.
	DecodeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkchat_decode_fallbacks_total",
			Help: "Event bodies kept as prior plaintext after a failed decrypt",
		},
		[]string{"kind"},
	)

	// TranscriptRebuilds counts transcript rebuilds triggered by relevant events.
	TranscriptRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkchat_transcript_rebuilds_total",
			Help: "Transcript rebuilds of the active branch",
		},
	)

	// DepositUnits tracks required deposits in cost units.
	DepositUnits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forkchat_deposit_units",
			Help:    "Required deposit per user turn in cost units",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// DepositFallbacks counts estimates that used the fallback constant.
	DepositFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkchat_deposit_fallbacks_total",
			Help: "Deposit estimates that fell back to the default amount",
		},
	)

	// PaymentReservations counts reserve calls by result.
	PaymentReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkchat_payment_reservations_total",
			Help: "Payment reservations by status",
		},
		[]string{"status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SessionsActive tracks open conversation sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forkchat_sessions_active",
			Help: "Number of open conversation sessions",
		},
	)

	// SSEConnections tracks open server-sent event streams.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSConsumerPending tracks pending messages for the live feed consumer.
	NATSConsumerPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_consumer_pending",
			Help: "Pending messages for NATS consumer",
		},
		[]string{"stream", "consumer"},
	)

	// MessagesTotal tracks total messages emitted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages emitted",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordEvent records one ledger observation.
func RecordEvent(kind, source, outcome string) {
	EventsObserved.WithLabelValues(kind, source, outcome).Inc()
}

// RecordDeposit records a computed deposit.
func RecordDeposit(units int64, fallback bool) {
	DepositUnits.Observe(float64(units))
	if fallback {
		DepositFallbacks.Inc()
	}
}
