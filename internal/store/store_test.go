package store_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/fhirengine/internal/platform/metrics"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/store/memory"
	"github.com/ehr/fhirengine/internal/store/storetest"
)

func TestWriteMetrics(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(memory.New(), store.Options{})

	ok := metrics.WritesTotal.WithLabelValues("Device", "create", metrics.OutcomeOK)
	failed := metrics.WritesTotal.WithLabelValues("Device", "update", metrics.OutcomeError)
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	r, err := s.Create(ctx, "Device", storetest.Doc(t, `{"resourceType":"Device"}`))
	if err != nil {
		t.Fatal(err)
	}
	stale := 7
	if _, _, err := s.Update(ctx, "Device", r.ID, &stale, storetest.Doc(t, `{"resourceType":"Device"}`)); err == nil {
		t.Fatal("expected conflict")
	}

	if got := testutil.ToFloat64(ok) - okBefore; got != 1 {
		t.Errorf("ok creates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(failed) - failedBefore; got != 1 {
		t.Errorf("failed updates = %v, want 1", got)
	}
}

func TestExtractionWarningsCounted(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(memory.New(), store.Options{})
	c := metrics.ExtractionWarnings.WithLabelValues("Observation", "subject")
	before := testutil.ToFloat64(c)

	_, err := s.Create(ctx, "Observation", storetest.Doc(t, `{"resourceType":"Observation","subject":{"reference":"urn:uuid:0b7e7a1c-1111-4e3b-9a5d-000000000001"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("warnings = %v, want 1", got)
	}
}

func TestWritesLeaveCallerContentAlone(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(memory.New(), store.Options{})

	doc := storetest.Doc(t, `{"resourceType":"Patient","meta":{"tag":[{"code":"x"}]}}`)
	r, err := s.Create(ctx, "Patient", doc)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["id"]; ok {
		t.Errorf("create stamped the caller's map: %v", doc)
	}
	if meta := doc["meta"].(map[string]any); meta["versionId"] != nil {
		t.Errorf("create stamped the caller's meta: %v", meta)
	}

	again, err := s.Create(ctx, "Patient", doc)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID == r.ID || again.Version != 1 {
		t.Errorf("reused content produced %s v%d after %s", again.ID, again.Version, r.ID)
	}
}
