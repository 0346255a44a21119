// Package transaction processes FHIR batch and transaction Bundles on top of
// the resource store.
package transaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// Bundle types accepted for submission.
const (
	TypeTransaction = "transaction"
	TypeBatch       = "batch"
)

// Entry is one request of a submitted Bundle.
type Entry struct {
	FullURL     string
	Method      string
	URL         string
	IfMatch     string
	IfNoneExist string
	Resource    map[string]any
}

// Bundle is a parsed batch or transaction Bundle.
type Bundle struct {
	Type    string
	Entries []Entry
}

type wireBundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Entry        []struct {
		FullURL  string              `json:"fullUrl,omitempty"`
		Resource json.RawMessage     `json:"resource,omitempty"`
		Request  *fhir.BundleRequest `json:"request,omitempty"`
	} `json:"entry,omitempty"`
}

// ParseBundle decodes a Bundle body. Entry resources keep their numbers as
// json.Number so extraction sees the written precision.
func ParseBundle(body []byte) (*Bundle, error) {
	var raw wireBundle
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fhir.Invalid("invalid JSON: %v", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fhir.Invalid("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	b := &Bundle{Type: raw.Type, Entries: make([]Entry, 0, len(raw.Entry))}
	for i, e := range raw.Entry {
		entry := Entry{FullURL: e.FullURL}
		if len(e.Resource) > 0 && !bytes.Equal(bytes.TrimSpace(e.Resource), []byte("null")) {
			res, err := extract.Decode(e.Resource)
			if err != nil {
				return nil, fhir.Invalid("entry %d: resource is not a JSON object: %v", i, err)
			}
			entry.Resource = res
		}
		if e.Request != nil {
			entry.Method = strings.ToUpper(e.Request.Method)
			entry.URL = e.Request.URL
			entry.IfMatch = e.Request.IfMatch
			entry.IfNoneExist = e.Request.IfNoneExist
		}
		b.Entries = append(b.Entries, entry)
	}
	return b, nil
}

// Validate checks the Bundle structure: its type, a method and url on every
// entry and unique fullUrls. All problems are reported together.
func (b *Bundle) Validate() error {
	var problems []string
	if b.Type != TypeTransaction && b.Type != TypeBatch {
		problems = append(problems, fmt.Sprintf("bundle type must be %q or %q, got %q", TypeTransaction, TypeBatch, b.Type))
	}
	seen := make(map[string]int, len(b.Entries))
	for i, e := range b.Entries {
		if e.Method == "" {
			problems = append(problems, fmt.Sprintf("entry %d: request.method is required", i))
		}
		if e.URL == "" {
			problems = append(problems, fmt.Sprintf("entry %d: request.url is required", i))
		}
		if e.FullURL == "" {
			continue
		}
		if first, dup := seen[e.FullURL]; dup {
			problems = append(problems, fmt.Sprintf("entry %d: fullUrl %q duplicates entry %d", i, e.FullURL, first))
			continue
		}
		seen[e.FullURL] = i
	}
	if len(problems) > 0 {
		return fhir.Invalid("%s", strings.Join(problems, "; "))
	}
	return nil
}

// methodOrder is the processing order of transaction entries.
var methodOrder = map[string]int{
	http.MethodDelete: 0,
	http.MethodPost:   1,
	http.MethodPut:    2,
	http.MethodGet:    3,
}

// target is the parsed request url of an entry.
type target struct {
	Type    string
	ID      string
	Version int
	// Query is set for searches ("Type?params" or a bare "Type" on GET).
	Query url.Values
}

func (t target) search() bool { return t.Query != nil }

// parseTarget reads "Type", "Type?query", "Type/id" or
// "Type/id/_history/n". Absolute urls are accepted; everything before the
// first supported resource type segment is ignored.
func parseTarget(cat *catalog.Catalog, raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fhir.Invalid("malformed request url %q", raw)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	start := -1
	for i, s := range segments {
		if cat.Supports(s) {
			start = i
			break
		}
	}
	if start < 0 {
		return target{}, fhir.Invalid("request url %q names no supported resource type", raw)
	}
	segments = segments[start:]

	t := target{Type: segments[0]}
	switch len(segments) {
	case 1:
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return target{}, fhir.Invalid("malformed query in %q", raw)
		}
		t.Query = q
	case 2:
		t.ID = segments[1]
	case 4:
		if segments[2] != "_history" {
			return target{}, fhir.Invalid("unsupported request url %q", raw)
		}
		v, err := strconv.Atoi(segments[3])
		if err != nil || v < 1 {
			return target{}, fhir.Invalid("malformed version in %q", raw)
		}
		t.ID, t.Version = segments[1], v
	default:
		return target{}, fhir.Invalid("unsupported request url %q", raw)
	}
	if t.ID != "" && strings.HasPrefix(t.ID, "$") {
		return target{}, fmt.Errorf("%w: operation %s in a bundle", fhir.ErrNotSupported, t.ID)
	}
	return t, nil
}
