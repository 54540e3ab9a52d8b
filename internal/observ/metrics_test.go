package observ

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestCounterLabelsAreOrderInsensitive(t *testing.T) {
	IncCounter("test_orders", map[string]string{"account": "a1", "symbol": "R_100"})
	IncCounter("test_orders", map[string]string{"symbol": "R_100", "account": "a1"})

	got := CounterValue("test_orders", map[string]string{"account": "a1", "symbol": "R_100"})
	if got != 2 {
		t.Fatalf("label order should not split the series, got %d", got)
	}
}

func TestHandlerDumpsRegistry(t *testing.T) {
	IncCounter("test_dump", nil)
	SetGauge("test_gauge", 42, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Counters map[string]map[string]int64   `json:"counters"`
		Gauges   map[string]map[string]float64 `json:"gauges"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Counters["test_dump"][""] < 1 {
		t.Fatalf("counter missing from dump: %+v", body.Counters)
	}
	if body.Gauges["test_gauge"][""] != 42 {
		t.Fatalf("gauge missing from dump: %+v", body.Gauges)
	}
}
