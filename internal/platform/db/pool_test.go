package db

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("expected unsupported driver error, got %v", err)
	}
}

func TestOpen_InvalidPostgresURL(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: DriverPostgres, DSN: "postgres://%zz"})
	if err == nil {
		t.Error("expected parse error")
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fhir.db")
	db, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected sqlite to be capped at 1 connection, got %d", got)
	}
}

func TestSqliteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "file::memory:?"},
		{":memory:", "file::memory:?"},
		{"fhir.db", "file:fhir.db?"},
	}
	for _, tt := range tests {
		got, err := sqliteDSN(tt.in)
		if err != nil {
			t.Fatalf("sqliteDSN(%q) error: %v", tt.in, err)
		}
		if !strings.HasPrefix(got, tt.want) || !strings.Contains(got, "foreign_keys(1)") {
			t.Errorf("sqliteDSN(%q) = %q", tt.in, got)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	db, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	e := echo.New()
	handler := HealthHandler(db)

	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}

	db.Close()
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after close, got %d", rec.Code)
	}
}
