package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestObserveSpend(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.ObserveSpend("openai/gpt-4o-mini", 1000, 200, decimal.RequireFromString("0.00027"))
	m.ObserveSpend("openai/gpt-4o-mini", 500, 0, decimal.RequireFromString("0.000075"))

	if got := testutil.ToFloat64(m.Tokens.WithLabelValues("openai/gpt-4o-mini", "input")); got != 1500 {
		t.Fatalf("input tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.CostUSD.WithLabelValues("openai/gpt-4o-mini")); got < 0.000344 || got > 0.000346 {
		t.Fatalf("cost = %v", got)
	}
}

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Extractions.WithLabelValues("success", "vlm").Inc()
	m.SetDailySpend(decimal.RequireFromString("0.42"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`receipts_extractions_total{method="vlm",status="success"} 1`,
		"receipts_daily_spend_usd 0.42",
		"receipts_extraction_duration_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
