package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/store/memory"
	"github.com/ehr/fhirengine/internal/store/sqlstore"
)

func TestDBOptions(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		ok     bool
		driver string
	}{
		{"memory", config.Config{StoreBackend: config.BackendMemory}, false, ""},
		{"sqlite", config.Config{StoreBackend: config.BackendSQLite, SQLitePath: "x.db"}, true, db.DriverSQLite},
		{"postgres", config.Config{StoreBackend: config.BackendPostgres, DatabaseURL: "postgres://h/db", DBMaxConns: 7}, true, db.DriverPostgres},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, ok := dbOptions(&tt.cfg)
			if ok != tt.ok || opts.Driver != tt.driver {
				t.Errorf("dbOptions = %+v, %v", opts, ok)
			}
		})
	}
}

func TestOpenBackend_Memory(t *testing.T) {
	backend, conn, err := openBackend(context.Background(), &config.Config{StoreBackend: config.BackendMemory}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := backend.(*memory.Backend); !ok {
		t.Errorf("expected the memory backend, got %T", backend)
	}
	if conn != nil {
		t.Error("expected no database handle for memory")
	}
}

func TestOpenBackend_SQLiteMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "fhir.db")
	cfg := &config.Config{StoreBackend: config.BackendSQLite, SQLitePath: path}

	backend, conn, err := openBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*sqlstore.Backend); !ok {
		t.Errorf("expected the sql backend, got %T", backend)
	}

	statuses, err := db.NewSchemaMigrator(conn).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d not applied", s.Version)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected the database file to exist: %v", err)
	}
}

func TestCatalogCmd_PrintsYAML(t *testing.T) {
	t.Setenv("SEARCH_PARAMS_FILE", "")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"catalog"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("catalog: %v", err)
	}

	var f catalog.File
	if err := yaml.Unmarshal(out.Bytes(), &f); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if _, ok := f.Resources["Patient"]; !ok {
		t.Errorf("expected Patient in the printed catalog:\n%s", out.String())
	}
}

func TestCatalogCmd_MissingFile(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"catalog", "--file", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "read search parameter file") {
		t.Fatalf("expected a read error, got %v", err)
	}
}

func TestMigrateCmd_RejectsMemory(t *testing.T) {
	t.Setenv("STORE_BACKEND", config.BackendMemory)

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "up"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected migrate to refuse the memory backend")
	}
}
