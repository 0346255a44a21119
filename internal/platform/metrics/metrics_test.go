package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors_Usable(t *testing.T) {
	WritesTotal.WithLabelValues("Patient", "create", OutcomeOK).Inc()
	WriteLatency.WithLabelValues("create").Observe(0.01)
	SearchesTotal.WithLabelValues("Patient", OutcomeOK).Inc()
	BundleEntries.WithLabelValues("transaction").Observe(3)

	before := testutil.ToFloat64(ExtractionWarnings.WithLabelValues("Observation", "date"))
	ExtractionWarnings.WithLabelValues("Observation", "date").Inc()
	if got := testutil.ToFloat64(ExtractionWarnings.WithLabelValues("Observation", "date")); got != before+1 {
		t.Errorf("expected warning counter to increase by one, got %v -> %v", before, got)
	}
}

func TestOutcomeLabel(t *testing.T) {
	if OutcomeLabel(nil) != "ok" || OutcomeLabel(errors.New("x")) != "error" {
		t.Error("unexpected outcome labels")
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	SearchesTotal.WithLabelValues("Observation", OutcomeOK).Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fhir_searches_total") {
		t.Error("expected fhir_searches_total in exposition")
	}
}
