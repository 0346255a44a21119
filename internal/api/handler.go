// Package api exposes the resource store, the search engine and the bundle
// processor over the FHIR REST interface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/transaction"
)

// MIMEFHIRJSON is the content type of every FHIR response body.
const MIMEFHIRJSON = "application/fhir+json"

// Options configure a Handler.
type Options struct {
	// BaseURL is the absolute url of the /fhir group used in fullUrl and
	// paging links. When empty it is derived from each request.
	BaseURL string
	Search  search.Options
	// Version is reported in the CapabilityStatement.
	Version string
}

type Handler struct {
	store  *store.Store
	engine *search.Engine
	tx     *transaction.Processor
	cat    *catalog.Catalog
	opts   Options
	logger zerolog.Logger
}

func NewHandler(s *store.Store, engine *search.Engine, tx *transaction.Processor, opts Options, logger zerolog.Logger) *Handler {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handler{
		store:  s,
		engine: engine,
		tx:     tx,
		cat:    s.Catalog(),
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the FHIR interactions on the /fhir group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)

	g.POST("", h.SubmitBundle)
	g.POST("/", h.SubmitBundle)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.POST("/:type", h.Create)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)

	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.GET("/:type/:id/$everything", h.Everything)
}

// baseURL returns the configured base or one derived from the request.
func (h *Handler) baseURL(c echo.Context) string {
	if h.opts.BaseURL != "" {
		return strings.TrimRight(h.opts.BaseURL, "/")
	}
	return c.Scheme() + "://" + c.Request().Host + "/fhir"
}

// resourceType validates the :type path parameter.
func (h *Handler) resourceType(c echo.Context) (string, error) {
	rt := c.Param("type")
	if !h.cat.Supports(rt) {
		return "", fhir.Invalid("unsupported resource type %s", rt)
	}
	return rt, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds the maximum of %d bytes", tooLarge.Limit))
		}
		return nil, fhir.Invalid("read body: %v", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fhir.Invalid("empty request body")
	}
	return body, nil
}

// writeResource sends a stored version with its validators.
func writeResource(c echo.Context, status int, res *store.Resource) error {
	setVersionHeaders(c, res)
	return c.Blob(status, MIMEFHIRJSON, res.Content)
}

func setVersionHeaders(c echo.Context, res *store.Resource) {
	hdr := c.Response().Header()
	hdr.Set("ETag", fhir.WeakETag(res.Version))
	hdr.Set(echo.HeaderLastModified, res.LastUpdated.UTC().Format(http.TimeFormat))
}

func writeJSON(c echo.Context, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.Blob(status, MIMEFHIRJSON, body)
}

// pageParams reads _count and _offset for history and $everything.
func (h *Handler) pageParams(c echo.Context) (count, offset int, err error) {
	count = h.opts.Search.DefaultCount
	if count <= 0 {
		count = 20
	}
	max := h.opts.Search.MaxCount
	if max <= 0 {
		max = 100
	}
	if v := c.QueryParam(search.ParamCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fhir.InvalidParam(search.ParamCount, "expected a non-negative integer, got %q", v)
		}
		count = n
	}
	if count > max {
		count = max
	}
	if v := c.QueryParam(search.ParamOffset); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fhir.InvalidParam(search.ParamOffset, "expected a non-negative integer, got %q", v)
		}
		offset = n
	}
	return count, offset, nil
}

// ErrorHandler renders every error reaching echo as an OperationOutcome.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, outcome := render(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if werr := writeJSON(c, status, outcome); werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func render(err error) (int, *fhir.OperationOutcome) {
	var te *transaction.TransactionError
	if errors.As(err, &te) {
		return te.Status, te.Outcome
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := fhir.IssueTypeInvalid
		switch he.Code {
		case http.StatusNotFound:
			code = fhir.IssueTypeNotFound
		case http.StatusMethodNotAllowed:
			code = fhir.IssueTypeNotSupported
		case http.StatusRequestEntityTooLarge:
			code = fhir.IssueTypeTooCostly
		}
		if he.Code >= http.StatusInternalServerError {
			code = fhir.IssueTypeException
		}
		return he.Code, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, fmt.Sprint(he.Message))
	}
	return fhir.StatusFor(err), fhir.OutcomeFor(err)
}
