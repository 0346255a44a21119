package fhir

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Bundle search modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	Etag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL string
	Query   url.Values
	Count   int
	Offset  int
	Total   int
}

// FullURL joins the server base with a relative resource reference.
func FullURL(baseURL, resourceType, id string) string {
	ref := resourceType + "/" + id
	if baseURL == "" {
		return ref
	}
	return strings.TrimRight(baseURL, "/") + "/" + ref
}

// SearchEntry builds a searchset entry for a stored resource body.
func SearchEntry(baseURL, resourceType, id string, raw json.RawMessage, mode string) BundleEntry {
	return BundleEntry{
		FullURL:  FullURL(baseURL, resourceType, id),
		Resource: raw,
		Search:   &BundleSearch{Mode: mode},
	}
}

// NewSearchBundle creates a searchset Bundle. Entries may be nil for
// _summary=count responses.
func NewSearchBundle(entries []BundleEntry, total int, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// NewHistoryBundle creates a history Bundle. Entries are expected in the
// order the caller wants them presented.
func NewHistoryBundle(entries []BundleEntry, total int, links []BundleLink) *Bundle {
	b := NewSearchBundle(entries, total, links)
	b.Type = "history"
	return b
}

// NewTransactionResponse creates a transaction-response Bundle from entry outcomes.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewBatchResponse creates a batch-response Bundle from entry outcomes.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// PaginationLinks creates self, next, and previous links for searchset
// bundles. Paging parameters in params.Query are replaced.
func PaginationLinks(params SearchBundleParams) []BundleLink {
	links := []BundleLink{
		{Relation: "self", URL: pageURL(params, params.Offset)},
	}

	nextOffset := params.Offset + params.Count
	if params.Count > 0 && nextOffset < params.Total {
		links = append(links, BundleLink{Relation: "next", URL: pageURL(params, nextOffset)})
	}

	if params.Offset > 0 {
		prevOffset := params.Offset - params.Count
		if prevOffset < 0 {
			prevOffset = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: pageURL(params, prevOffset)})
	}

	return links
}

func pageURL(params SearchBundleParams, offset int) string {
	q := url.Values{}
	for k, v := range params.Query {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = v
	}
	q.Set("_count", strconv.Itoa(params.Count))
	q.Set("_offset", strconv.Itoa(offset))
	return params.BaseURL + "?" + q.Encode()
}

// StatusLine formats an HTTP status the way Bundle.entry.response.status
// expects it, e.g. "201 Created".
func StatusLine(code int) string {
	if text := statusText[code]; text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return strconv.Itoa(code)
}

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	400: "Bad Request",
	404: "Not Found",
	409: "Conflict",
	410: "Gone",
	412: "Precondition Failed",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}
