package transaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/platform/metrics"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/store/memory"
	"github.com/ehr/fhirengine/internal/store/storetest"
)

func newProcessor(t *testing.T, opts store.Options) (*Processor, *store.Store) {
	t.Helper()
	s := storetest.NewStore(memory.New(), opts)
	engine := search.NewEngine(s.Reader(), s.Catalog(), zerolog.Nop())
	seq := 0
	p := NewProcessor(s, engine, zerolog.Nop(), Options{
		NewID: func() string {
			seq++
			return fmt.Sprintf("tx-%d", seq)
		},
	})
	return p, s
}

func bundle(t *testing.T, body string) *Bundle {
	t.Helper()
	b, err := ParseBundle([]byte(body))
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return b
}

func count(t *testing.T, s *store.Store, resourceType string) int {
	t.Helper()
	ids, err := s.Reader().All(context.Background(), index.Scope{Type: resourceType})
	if err != nil {
		t.Fatal(err)
	}
	return len(ids)
}

func content(t *testing.T, r *store.Resource) map[string]any {
	t.Helper()
	m, err := extract.Decode(r.Content)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestParseBundle(t *testing.T) {
	b, err := ParseBundle([]byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"fullUrl": "urn:uuid:a", "resource": {"resourceType": "Observation", "valueQuantity": {"value": 5.40}}, "request": {"method": "post", "url": "Observation"}},
			{"request": {"method": "DELETE", "url": "Patient/1", "ifMatch": "W/\"2\""}}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != TypeTransaction || len(b.Entries) != 2 {
		t.Fatalf("unexpected bundle %+v", b)
	}
	first := b.Entries[0]
	if first.Method != http.MethodPost || first.FullURL != "urn:uuid:a" {
		t.Errorf("unexpected first entry %+v", first)
	}
	qty := first.Resource["valueQuantity"].(map[string]any)
	if v := fmt.Sprint(qty["value"]); v != "5.40" {
		t.Errorf("expected number precision kept, got %s", v)
	}
	if b.Entries[1].IfMatch != `W/"2"` || b.Entries[1].Resource != nil {
		t.Errorf("unexpected second entry %+v", b.Entries[1])
	}

	for _, bad := range []string{`not json`, `{"resourceType":"Patient"}`, `{"resourceType":"Bundle","entry":[{"resource":[1]}]}`} {
		if _, err := ParseBundle([]byte(bad)); !errors.Is(err, fhir.ErrInvalidResource) {
			t.Errorf("ParseBundle(%s): expected invalid, got %v", bad, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		b     Bundle
		valid bool
	}{
		{"ok", Bundle{Type: TypeBatch, Entries: []Entry{{Method: "GET", URL: "Patient/1"}}}, true},
		{"empty transaction", Bundle{Type: TypeTransaction}, true},
		{"wrong type", Bundle{Type: "collection"}, false},
		{"missing method", Bundle{Type: TypeBatch, Entries: []Entry{{URL: "Patient/1"}}}, false},
		{"missing url", Bundle{Type: TypeBatch, Entries: []Entry{{Method: "GET"}}}, false},
		{"duplicate fullUrl", Bundle{Type: TypeTransaction, Entries: []Entry{
			{FullURL: "urn:uuid:a", Method: "POST", URL: "Patient"},
			{FullURL: "urn:uuid:a", Method: "POST", URL: "Patient"},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.b.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, fhir.ErrInvalidResource) {
				t.Errorf("expected invalid, got %v", err)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	cat := catalog.Default()
	tests := []struct {
		raw     string
		want    target
		search  bool
		wantErr bool
	}{
		{raw: "Patient/1", want: target{Type: "Patient", ID: "1"}},
		{raw: "/Patient/1/_history/3", want: target{Type: "Patient", ID: "1", Version: 3}},
		{raw: "http://example.org/fhir/Observation/o1", want: target{Type: "Observation", ID: "o1"}},
		{raw: "Observation?code=1234-5", search: true, want: target{Type: "Observation"}},
		{raw: "Observation", search: true, want: target{Type: "Observation"}},
		{raw: "Spaceship/1", wantErr: true},
		{raw: "Patient/1/_history/x", wantErr: true},
		{raw: "Patient/1/extra", wantErr: true},
		{raw: "Patient/1/$everything", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTarget(cat, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Type != tt.want.Type || got.ID != tt.want.ID || got.Version != tt.want.Version || got.search() != tt.search {
				t.Errorf("parseTarget(%q) = %+v", tt.raw, got)
			}
		})
	}
}

func TestTransactionResolvesPlaceholders(t *testing.T) {
	p, s := newProcessor(t, store.Options{})
	ctx := context.Background()
	b := bundle(t, `{"resourceType":"Bundle","type":"transaction","entry":[
		{"fullUrl":"urn:uuid:obs","resource":{"resourceType":"Observation","subject":{"reference":"urn:uuid:pat"},"code":{"coding":[{"system":"loinc","code":"1234-5"}]}},"request":{"method":"POST","url":"Observation"}},
		{"request":{"method":"GET","url":"Observation?subject=urn-free&code=1234-5"}},
		{"fullUrl":"urn:uuid:pat","resource":{"resourceType":"Patient","name":[{"family":"Smith"}]},"request":{"method":"POST","url":"Patient"}},
		{"request":{"method":"GET","url":"Observation?code=1234-5"}}
	]}`)

	results, err := p.Submit(ctx, b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	obs, pat := results[0], results[2]
	if obs.Status != http.StatusCreated || pat.Status != http.StatusCreated {
		t.Fatalf("unexpected statuses %d %d", obs.Status, pat.Status)
	}
	if obs.Resource.ID != "tx-1" || pat.Resource.ID != "tx-2" {
		t.Errorf("ids not assigned in entry order: %s %s", obs.Resource.ID, pat.Resource.ID)
	}
	if obs.Location() != "Observation/tx-1/_history/1" {
		t.Errorf("location = %q", obs.Location())
	}

	stored, err := s.Read(ctx, "Observation", "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	ref := content(t, stored)["subject"].(map[string]any)["reference"]
	if ref != "Patient/tx-2" {
		t.Errorf("placeholder not rewritten: %v", ref)
	}

	if results[1].Status != http.StatusOK || results[1].Search.Total != 0 {
		t.Errorf("search with unmatched subject = %+v", results[1])
	}
	if got := results[3].Search; got == nil || got.Total != 1 || got.Matches[0].ID != "tx-1" {
		t.Errorf("search after commit = %+v", got)
	}

	// The rewritten reference is indexed and drives compartments.
	res, err := p.engine.Everything(ctx, "tx-2", search.EverythingOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Errorf("everything total = %d, want 2", res.Total)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	p, s := newProcessor(t, store.Options{})
	ctx := context.Background()
	const patientURL = "urn:uuid:0c3d2f7e-7b4a-4f0e-9f5e-3a1f4c2b9d10"
	entries := []Entry{
		{
			FullURL:  patientURL,
			Method:   http.MethodPost,
			URL:      "Patient",
			Resource: storetest.Doc(t, `{"resourceType":"Patient","gender":"male"}`),
		},
		{
			Method:   http.MethodPost,
			URL:      "Observation",
			Resource: storetest.Doc(t, `{"resourceType":"Observation","subject":{"reference":"`+patientURL+`"}}`),
		},
		{
			Method:   http.MethodPost,
			URL:      "Patient",
			Resource: storetest.Doc(t, `{"resourceType":"Patient","gender":"male"}`),
		},
		{
			Method:   http.MethodPost,
			URL:      "Patient",
			Resource: storetest.Doc(t, `{"resourceType":"Observation","status":"final"}`),
		},
	}

	before := testutil.ToFloat64(metrics.BundlesTotal.WithLabelValues(TypeTransaction, metrics.OutcomeError))
	_, err := p.SubmitTransaction(ctx, entries)
	var te *TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransactionError, got %v", err)
	}
	if te.Index != 3 || te.Status != http.StatusBadRequest {
		t.Errorf("unexpected error %+v", te)
	}
	if !errors.Is(err, fhir.ErrInvalidResource) {
		t.Error("expected the entry error in the chain")
	}
	if te.Outcome == nil || te.Outcome.Issue[0].Code != fhir.IssueTypeProcessing || te.Outcome.Issue[0].Expression[0] != "Bundle.entry[3]" {
		t.Errorf("unexpected outcome %+v", te.Outcome)
	}
	if n := count(t, s, "Patient") + count(t, s, "Observation"); n != 0 {
		t.Fatalf("expected no commits, found %d resources", n)
	}
	if got := testutil.ToFloat64(metrics.BundlesTotal.WithLabelValues(TypeTransaction, metrics.OutcomeError)); got != before+1 {
		t.Errorf("error bundles = %v, want %v", got, before+1)
	}

	// The submitted entries are left as the caller built them.
	if _, ok := entries[0].Resource["id"]; ok {
		t.Errorf("entry resource was stamped: %v", entries[0].Resource)
	}
	if _, ok := entries[0].Resource["meta"]; ok {
		t.Errorf("entry resource was stamped: %v", entries[0].Resource)
	}
	subject := entries[1].Resource["subject"].(map[string]any)
	if subject["reference"] != patientURL {
		t.Errorf("placeholder was rewritten in place: %v", subject)
	}

	// Resubmit the same entries with only the broken one fixed.
	entries[3].Resource = storetest.Doc(t, `{"resourceType":"Patient","gender":"female"}`)
	results, err := p.SubmitTransaction(ctx, entries)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 || count(t, s, "Patient") != 3 || count(t, s, "Observation") != 1 {
		t.Fatalf("expected 4 commits, got %d results, %d patients and %d observations",
			len(results), count(t, s, "Patient"), count(t, s, "Observation"))
	}

	patient := results[0].Resource
	ref := content(t, results[1].Resource)["subject"].(map[string]any)["reference"]
	if ref != "Patient/"+patient.ID {
		t.Errorf("observation subject = %v, want Patient/%s", ref, patient.ID)
	}
	if _, err := s.Read(ctx, "Patient", patient.ID); err != nil {
		t.Errorf("referenced patient not persisted: %v", err)
	}
}

func TestTransactionProcessingOrder(t *testing.T) {
	p, s := newProcessor(t, store.Options{UpdateCreate: true})
	ctx := context.Background()
	if _, _, err := s.Update(ctx, "Patient", "old", nil, storetest.Doc(t, `{"resourceType":"Patient"}`)); err != nil {
		t.Fatal(err)
	}
	b := bundle(t, `{"resourceType":"Bundle","type":"transaction","entry":[
		{"request":{"method":"GET","url":"Patient/kept"}},
		{"resource":{"resourceType":"Patient","id":"kept","gender":"female"},"request":{"method":"PUT","url":"Patient/kept"}},
		{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient"}},
		{"request":{"method":"DELETE","url":"Patient/old","ifMatch":"W/\"1\""}}
	]}`)
	results, err := p.Submit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus := []int{http.StatusOK, http.StatusCreated, http.StatusCreated, http.StatusOK}
	for i, r := range results {
		if r.Status != wantStatus[i] {
			t.Errorf("entry %d status = %d, want %d", i, r.Status, wantStatus[i])
		}
	}
	if results[0].Resource == nil || results[0].Resource.ID != "kept" {
		t.Errorf("GET should see the committed PUT, got %+v", results[0])
	}
	if results[3].Outcome == nil || !results[3].Resource.Deleted {
		t.Errorf("unexpected delete result %+v", results[3])
	}

	// Writes happen DELETE, POST, PUT: the clock shows their order.
	del, post, put := results[3].Resource, results[2].Resource, results[1].Resource
	if !del.LastUpdated.Before(post.LastUpdated) || !post.LastUpdated.Before(put.LastUpdated) {
		t.Errorf("unexpected write order: delete %v post %v put %v", del.LastUpdated, post.LastUpdated, put.LastUpdated)
	}
}

func TestTransactionFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		index  int
		status int
	}{
		{"version conflict", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient"}},
			{"resource":{"resourceType":"Patient","id":"p"},"request":{"method":"PUT","url":"Patient/p","ifMatch":"W/\"5\""}}
		]}`, 1, http.StatusConflict},
		{"missing target", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"request":{"method":"DELETE","url":"Patient/nobody"}}
		]}`, 0, http.StatusNotFound},
		{"unresolved placeholder", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"resource":{"resourceType":"Observation","subject":{"reference":"urn:uuid:missing"}},"request":{"method":"POST","url":"Observation"}}
		]}`, 0, http.StatusBadRequest},
		{"same resource twice", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"resource":{"resourceType":"Patient","id":"p"},"request":{"method":"PUT","url":"Patient/p"}},
			{"request":{"method":"DELETE","url":"Patient/p"}}
		]}`, 1, http.StatusBadRequest},
		{"unsupported method", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"request":{"method":"PATCH","url":"Patient/p"}}
		]}`, 0, http.StatusNotImplemented},
		{"post with id url", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient/p"}}
		]}`, 0, http.StatusBadRequest},
		{"conditional create", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient","ifNoneExist":"identifier=x"}}
		]}`, 0, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := newProcessor(t, store.Options{UpdateCreate: true})
			_, err := p.Submit(context.Background(), bundle(t, tt.body))
			var te *TransactionError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransactionError, got %v", err)
			}
			if te.Index != tt.index || te.Status != tt.status {
				t.Errorf("got index %d status %d, want %d %d (%v)", te.Index, te.Status, tt.index, tt.status, te.Err)
			}
			if n := count(t, s, "Patient") + count(t, s, "Observation"); n != 0 {
				t.Errorf("expected nothing committed, found %d", n)
			}
		})
	}
}

func TestTransactionCancelled(t *testing.T) {
	p, s := newProcessor(t, store.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.SubmitTransaction(ctx, []Entry{{
		Method:   http.MethodPost,
		URL:      "Patient",
		Resource: storetest.Doc(t, `{"resourceType":"Patient"}`),
	}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n := count(t, s, "Patient"); n != 0 {
		t.Errorf("expected nothing committed, found %d", n)
	}
}

func TestBatchReportsPerEntry(t *testing.T) {
	p, s := newProcessor(t, store.Options{})
	ctx := context.Background()
	existing, err := s.Create(ctx, "Patient", storetest.Doc(t, `{"resourceType":"Patient","gender":"male"}`))
	if err != nil {
		t.Fatal(err)
	}
	b := bundle(t, `{"resourceType":"Bundle","type":"batch","entry":[
		{"resource":{"resourceType":"Patient","gender":"female"},"request":{"method":"POST","url":"Patient"}},
		{"resource":{"resourceType":"Patient","id":"ghost"},"request":{"method":"PUT","url":"Patient/ghost"}},
		{"request":{"method":"GET","url":"Patient/`+existing.ID+`/_history/1"}},
		{"request":{"method":"GET","url":"Patient?gender=male,female"}},
		{"resource":{"resourceType":"Observation","subject":{"reference":"urn:uuid:x"}},"request":{"method":"POST","url":"Observation"}},
		{"request":{"method":"DELETE","url":"Patient/`+existing.ID+`"}}
	]}`)
	results, err := p.Submit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{http.StatusCreated, http.StatusNotFound, http.StatusOK, http.StatusOK, http.StatusBadRequest, http.StatusOK}
	for i, r := range results {
		if r.Status != want[i] {
			t.Errorf("entry %d status = %d, want %d (%v)", i, r.Status, want[i], r.Err)
		}
	}
	if results[1].Outcome == nil || results[1].Outcome.Issue[0].Code != fhir.IssueTypeNotFound {
		t.Errorf("unexpected outcome %+v", results[1].Outcome)
	}
	if results[3].Search.Total != 2 {
		t.Errorf("batch search total = %d, want 2", results[3].Search.Total)
	}
	if n := count(t, s, "Patient"); n != 1 {
		t.Errorf("expected the created patient to remain, found %d live", n)
	}
}
