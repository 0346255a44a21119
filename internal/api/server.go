package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/platform/metrics"
	"github.com/ehr/fhirengine/internal/platform/middleware"
)

// ServerOptions configure the echo instance built by NewEcho.
type ServerOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// MaxBodySize and MaxBundleSize limit request bodies in bytes.
	MaxBodySize   int64
	MaxBundleSize int64
	// DB enables /health/db when the store runs on SQL.
	DB *sql.DB
}

// NewEcho builds the HTTP server: middleware, health and metrics endpoints
// and the /fhir group served by h.
func NewEcho(h *Handler, logger zerolog.Logger, opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if len(opts.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders:  []string{"Content-Type", "If-Match", "Prefer", middleware.RequestIDHeader},
			ExposeHeaders: []string{"ETag", "Location", "Last-Modified"},
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": h.opts.Version,
		})
	})
	if opts.DB != nil {
		e.GET("/health/db", db.HealthHandler(opts.DB))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	fhirGroup := e.Group("/fhir",
		middleware.RequestTimeout(opts.RequestTimeout),
		middleware.BodyLimit(opts.MaxBodySize, opts.MaxBundleSize),
	)
	h.RegisterRoutes(fhirGroup)
	return e
}
