package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/reports/leaderboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !metricCounterGreaterOrEqual(t, "coordinator_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/reports/leaderboard",
		"status": "202",
	}, 1) {
		t.Fatalf("expected http request counter to increment")
	}
}

func TestInstrumentHandlerMetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Fatal("expected /metrics path to pass through")
	}
}

func TestRecordFeedIngestion(t *testing.T) {
	RecordFeedIngestion("kraken", "BTC-USD", 3)
	if !metricCounterGreaterOrEqual(t, "coordinator_feed_records_ingested_total", map[string]string{
		"source": "kraken", "subject": "BTC-USD",
	}, 3) {
		t.Fatal("expected feed ingestion counter to increment by 3")
	}
	RecordFeedIngestion("kraken", "BTC-USD", 0)
}

func TestRecordPredictCycleAndOutcome(t *testing.T) {
	RecordPredictCycle("cfg-1", 50*time.Millisecond)
	if !metricHistogramCountGreaterOrEqual(t, "coordinator_predict_cycle_duration_seconds", map[string]string{"config_id": "cfg-1"}, 1) {
		t.Fatal("expected predict cycle histogram to record")
	}
	RecordPredictOutcome("model-a", "SCORED")
	if !metricCounterGreaterOrEqual(t, "coordinator_predict_outcomes_total", map[string]string{"model_id": "model-a", "status": "SCORED"}, 1) {
		t.Fatal("expected predict outcome counter to increment")
	}
}

func TestRecordScorePhase(t *testing.T) {
	RecordScorePhase("resolve_inputs", 10*time.Millisecond)
	if !metricHistogramCountGreaterOrEqual(t, "coordinator_score_tick_duration_seconds", map[string]string{"phase": "resolve_inputs"}, 1) {
		t.Fatal("expected score tick histogram to record")
	}
}

func TestRecordCheckpointBuilt(t *testing.T) {
	RecordCheckpointBuilt("SUBMITTED")
	if !metricCounterGreaterOrEqual(t, "coordinator_checkpoint_built_total", map[string]string{"status": "SUBMITTED"}, 1) {
		t.Fatal("expected checkpoint built counter to increment")
	}
}

func TestObservationHooksRecordsGaugeAndHistogram(t *testing.T) {
	hooks := ObservationHooks("coordinator", "test", "op")
	hooks.OnStart(nil, map[string]string{"config_id": "cfg-hooks"})
	hooks.OnComplete(nil, map[string]string{"config_id": "cfg-hooks"}, nil, 5*time.Millisecond)
	hooks.OnComplete(nil, map[string]string{"config_id": "cfg-hooks"}, fmt.Errorf("boom"), 5*time.Millisecond)

	if !metricHistogramCountGreaterOrEqual(t, "coordinator_test_op_duration_seconds", map[string]string{
		"resource": "cfg-hooks", "status": "error",
	}, 1) {
		t.Fatal("expected observation histogram to record an error sample")
	}
}

func TestMetaLabel(t *testing.T) {
	cases := []struct {
		meta     map[string]string
		expected string
	}{
		{nil, "unknown"},
		{map[string]string{}, "unknown"},
		{map[string]string{"model_id": "m-1"}, "m-1"},
		{map[string]string{"config_id": "", "model_id": "m-2"}, "m-2"},
	}
	for _, c := range cases {
		if got := metaLabel(c.meta); got != c.expected {
			t.Errorf("metaLabel(%v) = %q, want %q", c.meta, got, c.expected)
		}
	}
}

func TestCanonicalPath(t *testing.T) {
	cases := []struct{ input, expected string }{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/reports/leaderboard", "/reports/leaderboard"},
		{"/reports/checkpoints/chk-1/emission", "/reports/checkpoints"},
	}
	for _, c := range cases {
		if got := canonicalPath(c.input); got != c.expected {
			t.Errorf("canonicalPath(%q) = %q, want %q", c.input, got, c.expected)
		}
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
