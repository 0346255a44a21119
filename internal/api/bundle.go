package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/transaction"
)

// SubmitBundle handles POST /fhir with a batch or transaction Bundle. A
// failed transaction is reported by the error handler with the status of
// the failing entry.
func (h *Handler) SubmitBundle(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	b, err := transaction.ParseBundle(body)
	if err != nil {
		return err
	}
	results, err := h.tx.Submit(c.Request().Context(), b)
	if err != nil {
		return err
	}

	base := h.baseURL(c)
	entries := make([]fhir.BundleEntry, len(results))
	for i, r := range results {
		e, err := responseEntry(base, b.Entries[i], r)
		if err != nil {
			return err
		}
		entries[i] = e
	}
	if b.Type == transaction.TypeTransaction {
		return writeJSON(c, http.StatusOK, fhir.NewTransactionResponse(entries))
	}
	return writeJSON(c, http.StatusOK, fhir.NewBatchResponse(entries))
}

// responseEntry renders the result of one submitted entry. A search is
// returned as a nested searchset Bundle.
func responseEntry(base string, in transaction.Entry, r transaction.EntryResult) (fhir.BundleEntry, error) {
	e := fhir.BundleEntry{
		Response: &fhir.BundleResponse{
			Status:  fhir.StatusLine(r.Status),
			Outcome: r.Outcome,
		},
	}
	switch {
	case r.Search != nil:
		raw, err := searchsetFor(base, in.URL, r.SearchRequest, r.Search)
		if err != nil {
			return e, err
		}
		e.Resource = raw
	case r.Resource != nil:
		res := r.Resource
		modified := res.LastUpdated.UTC()
		e.FullURL = fhir.FullURL(base, res.Type, res.ID)
		e.Response.Location = r.Location()
		e.Response.Etag = fhir.WeakETag(res.Version)
		e.Response.LastModified = &modified
		if !res.Deleted {
			e.Resource = res.Content
		}
	}
	return e, nil
}

// searchsetFor wraps a GET entry search in its own searchset.
func searchsetFor(base, rawURL string, req *search.Request, res *search.Result) (json.RawMessage, error) {
	query := url.Values{}
	if u, err := url.Parse(rawURL); err == nil {
		query = u.Query()
	}
	b := SearchBundle(base, base+"/"+req.Type, query, req, res)
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode searchset: %w", err)
	}
	return raw, nil
}
