package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
)

// Search handles GET /fhir/:type and POST /fhir/:type/_search. Form
// parameters of a POST are merged with the query string.
func (h *Handler) Search(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	values := url.Values{}
	for k, v := range c.QueryParams() {
		values[k] = append(values[k], v...)
	}
	if c.Request().Method == http.MethodPost {
		if err := c.Request().ParseForm(); err != nil {
			return fhir.Invalid("malformed form body: %v", err)
		}
		for k, v := range c.Request().PostForm {
			values[k] = append(values[k], v...)
		}
	}

	req, err := search.ParseRequest(h.cat, rt, values, h.searchOptions(c))
	if err != nil {
		return err
	}
	res, err := h.engine.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}
	base := h.baseURL(c)
	return writeJSON(c, http.StatusOK, SearchBundle(base, base+"/"+rt, values, req, res))
}

// searchOptions applies a Prefer: handling directive to the configured
// parsing mode.
func (h *Handler) searchOptions(c echo.Context) search.Options {
	opts := h.opts.Search
	if pref := c.Request().Header.Get("Prefer"); strings.Contains(pref, "handling=") {
		opts.Lenient = fhir.ParsePreferHandling(pref) == fhir.HandlingLenient
	}
	return opts
}

// SearchBundle renders a search result as a searchset Bundle. selfURL is
// the search url without its query.
func SearchBundle(base, selfURL string, query url.Values, req *search.Request, res *search.Result) *fhir.Bundle {
	var entries []fhir.BundleEntry
	if !req.SummaryCount {
		entries = make([]fhir.BundleEntry, 0, len(res.Matches)+len(res.Included))
		for _, r := range res.Matches {
			entries = append(entries, searchEntry(base, r, fhir.SearchModeMatch))
		}
		for _, r := range res.Included {
			entries = append(entries, searchEntry(base, r, fhir.SearchModeInclude))
		}
	}
	links := fhir.PaginationLinks(fhir.SearchBundleParams{
		BaseURL: selfURL,
		Query:   query,
		Count:   req.Count,
		Offset:  req.Offset,
		Total:   res.Total,
	})
	return fhir.NewSearchBundle(entries, res.Total, links)
}

// searchEntry renders one resource. A tombstone returned by _includeDeleted
// carries its delete request instead of a body.
func searchEntry(base string, r *store.Resource, mode string) fhir.BundleEntry {
	if !r.Deleted {
		return fhir.SearchEntry(base, r.Type, r.ID, r.Content, mode)
	}
	e := fhir.SearchEntry(base, r.Type, r.ID, nil, mode)
	e.Request = &fhir.BundleRequest{Method: http.MethodDelete, URL: r.Type + "/" + r.ID}
	return e
}

// Everything handles GET /fhir/Patient/:id/$everything with the _since,
// _type, _count and _offset parameters.
func (h *Handler) Everything(c echo.Context) error {
	if c.Param("type") != compartment.PatientType {
		return fhir.Invalid("$everything is only defined on %s", compartment.PatientType)
	}
	count, offset, err := h.pageParams(c)
	if err != nil {
		return err
	}
	opts := search.EverythingOptions{Count: count, Offset: offset}

	if v := c.QueryParam("_since"); v != "" {
		lo, _, err := extract.ParseDateRange(v)
		if err != nil {
			return fhir.InvalidParam("_since", "%v", err)
		}
		since := time.UnixMilli(lo).UTC()
		opts.Since = &since
	}
	if v := c.QueryParam("_type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if !h.cat.Supports(t) {
				return fhir.InvalidParam("_type", "unsupported resource type %s", t)
			}
			opts.Types = append(opts.Types, t)
		}
	}

	id := c.Param("id")
	res, err := h.engine.Everything(c.Request().Context(), id, opts)
	if err != nil {
		return err
	}
	base := h.baseURL(c)
	entries := make([]fhir.BundleEntry, 0, len(res.Matches))
	for _, r := range res.Matches {
		entries = append(entries, fhir.SearchEntry(base, r.Type, r.ID, r.Content, fhir.SearchModeMatch))
	}
	links := fhir.PaginationLinks(fhir.SearchBundleParams{
		BaseURL: fhir.FullURL(base, compartment.PatientType, id) + "/$everything",
		Query:   c.QueryParams(),
		Count:   count,
		Offset:  offset,
		Total:   res.Total,
	})
	return writeJSON(c, http.StatusOK, fhir.NewSearchBundle(entries, res.Total, links))
}
