package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// BodyLimit caps request bodies at resourceLimit bytes, or bundleLimit for
// batch and transaction bundles POSTed to the /fhir root. Declared lengths
// over the limit are rejected with 413 before the handler runs; undeclared
// ones fail on read with *http.MaxBytesError. A non-positive limit disables
// the check for that kind of request.
func BodyLimit(resourceLimit, bundleLimit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := resourceLimit
			if req.Method == http.MethodPost && (req.URL.Path == "/fhir" || req.URL.Path == "/fhir/") {
				limit = bundleLimit
			}
			if limit <= 0 {
				return next(c)
			}

			if req.ContentLength > limit {
				outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
					fmt.Sprintf("request body exceeds the maximum of %d bytes", limit))
				return c.JSON(http.StatusRequestEntityTooLarge, outcome)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}
