package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

// Create handles POST /fhir/:type.
func (h *Handler) Create(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	if c.Request().Header.Get("If-None-Exist") != "" {
		return fmt.Errorf("%w: conditional create", fhir.ErrNotSupported)
	}
	content, err := h.decodeBody(c)
	if err != nil {
		return err
	}
	res, err := h.store.Create(c.Request().Context(), rt, content)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, h.versionURL(c, res))
	return writeResource(c, http.StatusCreated, res)
}

// Read handles GET /fhir/:type/:id.
func (h *Handler) Read(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	res, err := h.store.Read(c.Request().Context(), rt, c.Param("id"))
	if err != nil {
		return err
	}
	return writeResource(c, http.StatusOK, res)
}

// VRead handles GET /fhir/:type/:id/_history/:vid.
func (h *Handler) VRead(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return fhir.Invalid("malformed version id %q", c.Param("vid"))
	}
	res, err := h.store.ReadVersion(c.Request().Context(), rt, c.Param("id"), vid)
	if err != nil {
		return err
	}
	return writeResource(c, http.StatusOK, res)
}

// Update handles PUT /fhir/:type/:id. An If-Match header makes the write
// conditional on the current version.
func (h *Handler) Update(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	expected, err := fhir.ParseETag(c.Request().Header.Get("If-Match"))
	if err != nil {
		return err
	}
	content, err := h.decodeBody(c)
	if err != nil {
		return err
	}
	res, created, err := h.store.Update(c.Request().Context(), rt, c.Param("id"), expected, content)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.Response().Header().Set(echo.HeaderLocation, h.versionURL(c, res))
	return writeResource(c, status, res)
}

// Delete handles DELETE /fhir/:type/:id.
func (h *Handler) Delete(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	expected, err := fhir.ParseETag(c.Request().Header.Get("If-Match"))
	if err != nil {
		return err
	}
	res, err := h.store.Delete(c.Request().Context(), rt, c.Param("id"), expected)
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", fhir.WeakETag(res.Version))
	return writeJSON(c, http.StatusOK, fhir.DeletedOutcome(res.Type, res.ID, res.Version))
}

// History handles GET /fhir/:type/:id/_history. Versions are listed oldest
// first.
func (h *Handler) History(c echo.Context) error {
	rt, err := h.resourceType(c)
	if err != nil {
		return err
	}
	count, offset, err := h.pageParams(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	versions, total, err := h.store.History(c.Request().Context(), rt, id, count, offset)
	if err != nil {
		return err
	}

	base := h.baseURL(c)
	entries := make([]fhir.BundleEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, historyEntry(base, v))
	}
	links := fhir.PaginationLinks(fhir.SearchBundleParams{
		BaseURL: fhir.FullURL(base, rt, id) + "/_history",
		Query:   c.QueryParams(),
		Count:   count,
		Offset:  offset,
		Total:   total,
	})
	return writeJSON(c, http.StatusOK, fhir.NewHistoryBundle(entries, total, links))
}

func historyEntry(base string, v *store.Resource) fhir.BundleEntry {
	modified := v.LastUpdated.UTC()
	e := fhir.BundleEntry{
		FullURL: fhir.FullURL(base, v.Type, v.ID),
		Response: &fhir.BundleResponse{
			Status:       fhir.StatusLine(http.StatusOK),
			Etag:         fhir.WeakETag(v.Version),
			LastModified: &modified,
		},
	}
	switch v.Action {
	case store.ActionCreate:
		e.Request = &fhir.BundleRequest{Method: http.MethodPost, URL: v.Type}
		e.Response.Status = fhir.StatusLine(http.StatusCreated)
	case store.ActionDelete:
		e.Request = &fhir.BundleRequest{Method: http.MethodDelete, URL: v.Type + "/" + v.ID}
	default:
		e.Request = &fhir.BundleRequest{Method: http.MethodPut, URL: v.Type + "/" + v.ID}
	}
	if !v.Deleted {
		e.Resource = v.Content
	}
	return e
}

func (h *Handler) decodeBody(c echo.Context) (map[string]any, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	content, err := extract.Decode(body)
	if err != nil {
		return nil, fhir.Invalid("malformed resource: %v", err)
	}
	return content, nil
}

func (h *Handler) versionURL(c echo.Context, res *store.Resource) string {
	return fhir.FullURL(h.baseURL(c), res.Type, res.ID) + "/_history/" + strconv.Itoa(res.Version)
}
