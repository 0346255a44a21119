package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

func decodeBundle(t *testing.T, body []byte) fhir.Bundle {
	t.Helper()
	var b fhir.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatalf("decode bundle %q: %v", body, err)
	}
	return b
}

func TestTransactionEndpoint(t *testing.T) {
	e := newServer(t, store.Options{})

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{
				"fullUrl": "urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a",
				"resource": {"resourceType": "Patient", "name": [{"family": "Smith"}]},
				"request": {"method": "POST", "url": "Patient"}
			},
			{
				"resource": {
					"resourceType": "Observation",
					"subject": {"reference": "urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a"}
				},
				"request": {"method": "POST", "url": "Observation"}
			},
			{
				"request": {"method": "GET", "url": "Observation?subject:Patient.family=Smith"}
			}
		]
	}`
	rec := do(e, http.MethodPost, "/fhir", body)
	expectStatus(t, rec, http.StatusOK)

	b := decodeBundle(t, rec.Body.Bytes())
	if b.Type != "transaction-response" || len(b.Entry) != 3 {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
	for i := 0; i < 2; i++ {
		if b.Entry[i].Response.Status != "201 Created" {
			t.Errorf("entry %d: expected 201 Created, got %s", i, b.Entry[i].Response.Status)
		}
		if !strings.HasSuffix(b.Entry[i].Response.Location, "/_history/1") {
			t.Errorf("entry %d: unexpected location %q", i, b.Entry[i].Response.Location)
		}
	}

	var obs struct {
		Subject struct {
			Reference string `json:"reference"`
		} `json:"subject"`
	}
	if err := json.Unmarshal(b.Entry[1].Resource, &obs); err != nil {
		t.Fatal(err)
	}
	patientRef := strings.TrimSuffix(b.Entry[0].Response.Location, "/_history/1")
	if obs.Subject.Reference != patientRef {
		t.Errorf("expected the placeholder rewritten to %s, got %s", patientRef, obs.Subject.Reference)
	}

	nested := decodeBundle(t, b.Entry[2].Resource)
	if nested.Type != "searchset" || nested.Total == nil || *nested.Total != 1 {
		t.Errorf("expected a searchset with one match, got %s", b.Entry[2].Resource)
	}
}

func TestTransactionEndpoint_RollsBack(t *testing.T) {
	e := newServer(t, store.Options{})

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"resource": {"resourceType": "Patient"}, "request": {"method": "POST", "url": "Patient"}},
			{"resource": {"resourceType": "Observation"}, "request": {"method": "PUT", "url": "Observation/missing"}}
		]
	}`
	rec := do(e, http.MethodPost, "/fhir", body)
	expectStatus(t, rec, http.StatusNotFound)
	if code := issueCode(t, rec); code != fhir.IssueTypeProcessing {
		t.Errorf("expected processing issue, got %s", code)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient?_summary=count", "")
	expectStatus(t, rec, http.StatusOK)
	if total := decodeJSON(t, rec)["total"]; total != float64(0) {
		t.Errorf("expected nothing committed, got total %v", total)
	}
}

func TestBatchEndpoint(t *testing.T) {
	e := newServer(t, store.Options{})

	body := `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"resource": {"resourceType": "Patient"}, "request": {"method": "POST", "url": "Patient"}},
			{"request": {"method": "GET", "url": "Patient/missing"}},
			{"request": {"method": "DELETE", "url": "Patient/missing"}}
		]
	}`
	rec := do(e, http.MethodPost, "/fhir/", body)
	expectStatus(t, rec, http.StatusOK)

	b := decodeBundle(t, rec.Body.Bytes())
	if b.Type != "batch-response" || len(b.Entry) != 3 {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
	want := []string{"201 Created", "404 Not Found", "404 Not Found"}
	for i, w := range want {
		if got := b.Entry[i].Response.Status; got != w {
			t.Errorf("entry %d: expected %s, got %s", i, w, got)
		}
	}
	if b.Entry[1].Response.Outcome == nil {
		t.Error("expected an outcome on the failed entry")
	}
}

func TestBundleEndpoint_Invalid(t *testing.T) {
	e := newServer(t, store.Options{})

	tests := []struct {
		name string
		body string
	}{
		{"not a bundle", `{"resourceType":"Patient"}`},
		{"wrong type", `{"resourceType":"Bundle","type":"collection"}`},
		{"missing url", `{"resourceType":"Bundle","type":"batch","entry":[{"request":{"method":"GET"}}]}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/fhir", tt.body)
			expectStatus(t, rec, http.StatusBadRequest)
			if code := issueCode(t, rec); code != fhir.IssueTypeInvalid {
				t.Errorf("expected invalid issue, got %s", code)
			}
		})
	}
}
