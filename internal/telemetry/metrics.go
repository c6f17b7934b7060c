package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for RequestTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics holds all Prometheus metrics for the chat gateway.
type Metrics struct {
	RequestTotal        *prometheus.CounterVec
	RequestDurationMs   *prometheus.HistogramVec
	TimeToFirstChunkMs  *prometheus.HistogramVec
	ChunksTotal         *prometheus.CounterVec
	ProviderErrorsTotal *prometheus.CounterVec
	FallbackTotal       *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	ActiveStreams       prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcraft_chat_requests_total",
			Help: "Accepted chat requests by final provider and outcome.",
		}, []string{"model", "provider", "outcome"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptcraft_chat_request_duration_ms",
			Help:    "Total stream duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000},
		}, []string{"model", "provider"}),

		TimeToFirstChunkMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptcraft_chat_time_to_first_chunk_ms",
			Help:    "Latency from submission to the first forwarded chunk in milliseconds.",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"}),

		ChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcraft_chat_chunks_total",
			Help: "Chunks forwarded to callers.",
		}, []string{"provider"}),

		ProviderErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcraft_provider_errors_total",
			Help: "Failed provider attempts by stage.",
		}, []string{"provider", "stage"}),

		FallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcraft_provider_fallback_total",
			Help: "Times a request moved from one provider to the next.",
		}, []string{"from", "to"}),

		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcraft_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"tier"}),

		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "promptcraft_provider_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "promptcraft_active_streams",
			Help: "Streams currently being relayed.",
		}),
	}
}

// RequestLabels holds the label values for recording a finished request.
type RequestLabels struct {
	Model      string
	Provider   string
	Outcome    string
	DurationMs float64
	Chunks     int
}

// RecordRequest records metrics for a finished request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Model, labels.Provider, labels.Outcome).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Model, labels.Provider).Observe(labels.DurationMs)
	if labels.Chunks > 0 {
		m.ChunksTotal.WithLabelValues(labels.Provider).Add(float64(labels.Chunks))
	}
}

func (m *Metrics) RecordFirstChunk(provider string, ms float64) {
	m.TimeToFirstChunkMs.WithLabelValues(provider).Observe(ms)
}

func (m *Metrics) RecordProviderError(provider, stage string) {
	m.ProviderErrorsTotal.WithLabelValues(provider, stage).Inc()
}

func (m *Metrics) RecordFallback(from, to string) {
	m.FallbackTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordRateLimited(tier string) {
	m.RateLimitedTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetCircuitState(provider string, state int) {
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
}
