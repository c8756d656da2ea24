package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the pipeline collectors. Each instance has its own registry so tests
// can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Extractions *prometheus.CounterVec // status, method
	Errors      *prometheus.CounterVec // error_type
	Tokens      *prometheus.CounterVec // model, direction
	CostUSD     *prometheus.CounterVec // model
	Duration    prometheus.Histogram
	Confidence  prometheus.Histogram
	DailySpend  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_extractions_total",
			Help: "Extraction requests by final status and method.",
		}, []string{"status", "method"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_extraction_errors_total",
			Help: "Extraction errors by taxonomy kind.",
		}, []string{"error_type"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_llm_tokens_total",
			Help: "Model tokens billed.",
		}, []string{"model", "direction"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_llm_cost_usd_total",
			Help: "Model spend in USD.",
		}, []string{"model"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receipts_extraction_duration_seconds",
			Help:    "End-to-end extraction latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receipts_confidence_score",
			Help:    "Overall confidence of validated results.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		DailySpend: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receipts_daily_spend_usd",
			Help: "Spend recorded in the current UTC day.",
		}),
	}
	m.Registry.MustRegister(
		m.Extractions, m.Errors, m.Tokens, m.CostUSD, m.Duration, m.Confidence, m.DailySpend,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveSpend counts a billed model call.
func (m *Metrics) ObserveSpend(model string, in, out int, cost decimal.Decimal) {
	m.Tokens.WithLabelValues(model, "input").Add(float64(in))
	m.Tokens.WithLabelValues(model, "output").Add(float64(out))
	f, _ := cost.Float64()
	m.CostUSD.WithLabelValues(model).Add(f)
}

// SetDailySpend mirrors the ledger's current day total.
func (m *Metrics) SetDailySpend(spend decimal.Decimal) {
	f, _ := spend.Float64()
	m.DailySpend.Set(f)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
