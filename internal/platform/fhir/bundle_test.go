package fhir

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
)

func TestNewSearchBundle(t *testing.T) {
	entries := []BundleEntry{
		SearchEntry("http://example.org/fhir", "Patient", "1", json.RawMessage(`{"resourceType":"Patient","id":"1"}`), SearchModeMatch),
		SearchEntry("http://example.org/fhir", "Organization", "o1", json.RawMessage(`{"resourceType":"Organization","id":"o1"}`), SearchModeInclude),
	}

	bundle := NewSearchBundle(entries, 10, nil)

	if bundle.ResourceType != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %s", bundle.ResourceType)
	}
	if bundle.Type != "searchset" {
		t.Errorf("expected type searchset, got %s", bundle.Type)
	}
	if *bundle.Total != 10 {
		t.Errorf("expected total 10, got %d", *bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if bundle.Entry[0].FullURL != "http://example.org/fhir/Patient/1" {
		t.Errorf("unexpected fullUrl %q", bundle.Entry[0].FullURL)
	}
	if bundle.Entry[1].Search.Mode != "include" {
		t.Errorf("expected include mode, got %q", bundle.Entry[1].Search.Mode)
	}
}

func TestNewSearchBundle_SummaryCount(t *testing.T) {
	bundle := NewSearchBundle(nil, 7, nil)
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"entry"`) {
		t.Errorf("count-only bundle should omit entries: %s", data)
	}
	if !strings.Contains(string(data), `"total":7`) {
		t.Errorf("expected total 7 in %s", data)
	}
}

func TestPaginationLinks(t *testing.T) {
	q := url.Values{"family": {"Smith"}, "_count": {"10"}, "_offset": {"10"}}
	links := PaginationLinks(SearchBundleParams{
		BaseURL: "/fhir/Patient",
		Query:   q,
		Count:   10,
		Offset:  10,
		Total:   25,
	})

	rels := map[string]string{}
	for _, l := range links {
		rels[l.Relation] = l.URL
	}
	if len(rels) != 3 {
		t.Fatalf("expected self, next and previous, got %v", rels)
	}
	if rels["next"] != "/fhir/Patient?_count=10&_offset=20&family=Smith" {
		t.Errorf("unexpected next link %q", rels["next"])
	}
	if rels["previous"] != "/fhir/Patient?_count=10&_offset=0&family=Smith" {
		t.Errorf("unexpected previous link %q", rels["previous"])
	}
}

func TestPaginationLinks_LastPage(t *testing.T) {
	links := PaginationLinks(SearchBundleParams{BaseURL: "/fhir/Patient", Count: 10, Offset: 0, Total: 5})
	if len(links) != 1 || links[0].Relation != "self" {
		t.Errorf("expected only self link, got %+v", links)
	}
}

func TestStatusLine(t *testing.T) {
	if got := StatusLine(201); got != "201 Created" {
		t.Errorf("got %q", got)
	}
	if got := StatusLine(418); got != "418" {
		t.Errorf("got %q", got)
	}
}
