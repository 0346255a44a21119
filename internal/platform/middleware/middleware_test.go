package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// chain mirrors the order used by the server: recovery, request id, access log.
func chain(logger zerolog.Logger, h echo.HandlerFunc) echo.HandlerFunc {
	return Recovery(logger)(RequestID()(Logger(logger)(h)))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]any
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("log line is not JSON: %q", raw)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generated", ""},
		{"propagated", "trace-7f3a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()

			var seen string
			h := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return c.NoContent(http.StatusOK)
			})
			if err := h(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q does not match context value %q", got, seen)
			}
			if tt.incoming != "" && seen != tt.incoming {
				t.Errorf("expected %q, got %q", tt.incoming, seen)
			}
			if tt.incoming == "" {
				if _, err := uuid.Parse(seen); err != nil {
					t.Errorf("expected a generated UUID, got %q", seen)
				}
			}
		})
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		status  int
		level   string
	}{
		{
			name:    "read",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "{}") },
			status:  http.StatusOK,
			level:   "info",
		},
		{
			name:    "missing resource",
			handler: func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "Patient/p1 not found") },
			status:  http.StatusNotFound,
			level:   "warn",
		},
		{
			name:    "backend failure",
			handler: func(c echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable, "database closed") },
			status:  http.StatusServiceUnavailable,
			level:   "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil)
			req.Header.Set(RequestIDHeader, "req-"+tt.name)
			rec := httptest.NewRecorder()

			if err := chain(zerolog.New(&buf), tt.handler)(e.NewContext(req, rec)); err != nil {
				t.Fatalf("expected the error to be rendered, got %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("expected %d written, got %d", tt.status, rec.Code)
			}

			lines := logLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("expected one log line, got %d", len(lines))
			}
			line := lines[0]
			if line["level"] != tt.level || line["status"] != float64(tt.status) {
				t.Errorf("unexpected log line %v", line)
			}
			if line["request_id"] != "req-"+tt.name || line["path"] != "/fhir/Patient/p1" {
				t.Errorf("expected request id and path in %v", line)
			}
		})
	}
}

func TestRecovery_PanicBecomesOutcome(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/fhir/Observation", nil)
	req.Header.Set(RequestIDHeader, "req-panic")
	rec := httptest.NewRecorder()

	h := chain(zerolog.New(&buf), func(c echo.Context) error {
		panic("index entry without a parameter name")
	})
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if outcome.Issue[0].Severity != fhir.IssueSeverityFatal || outcome.Issue[0].Code != fhir.IssueTypeException {
		t.Errorf("unexpected issue %+v", outcome.Issue[0])
	}
	if strings.Contains(rec.Body.String(), "parameter name") {
		t.Error("panic value leaked into the response")
	}

	var recovered map[string]any
	for _, line := range logLines(t, &buf) {
		if line["message"] == "panic recovered" {
			recovered = line
		}
	}
	if recovered == nil {
		t.Fatalf("expected a panic log line in %s", buf.String())
	}
	if recovered["request_id"] != "req-panic" || recovered["panic"] != "index entry without a parameter name" {
		t.Errorf("unexpected panic log %v", recovered)
	}
	if stack, _ := recovered["stack"].(string); stack == "" {
		t.Error("expected a stack trace")
	}
}

func TestRecovery_KeepsCommittedResponse(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	rec := httptest.NewRecorder()

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		if err := c.String(http.StatusOK, `{"resourceType":"Bundle"`); err != nil {
			return err
		}
		panic("writer failed mid-bundle")
	})
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected the partial response untouched, got %d %q", rec.Code, rec.Body.String())
	}
}
