// Package storetest holds the behavioural suite every store backend must
// pass. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) store.Backend

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"RoundTrip", testRoundTrip},
		{"Versioning", testVersioning},
		{"VersionConflict", testVersionConflict},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"Delete", testDelete},
		{"UpdateMissing", testUpdateMissing},
		{"UpdateCreate", testUpdateCreate},
		{"IndexConsistency", testIndexConsistency},
		{"Compartments", testCompartments},
		{"Rollback", testRollback},
		{"CancelledContext", testCancelledContext},
		{"Validation", testValidation},
		{"Reindex", testReindex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

// NewStore builds a store over b with a fixed-step clock and sequential ids.
func NewStore(b store.Backend, opts store.Options) *store.Store {
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	if opts.Now == nil {
		opts.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}
	}
	if opts.NewID == nil {
		opts.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%04d", seq)
		}
	}
	return store.New(b, catalog.Default(), zerolog.Nop(), opts)
}

// Doc decodes a JSON literal, failing the test on error.
func Doc(t *testing.T, body string) map[string]any {
	t.Helper()
	m, err := extract.Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return m
}

func decode(t *testing.T, r *store.Resource) map[string]any {
	t.Helper()
	m, err := extract.Decode(r.Content)
	if err != nil {
		t.Fatalf("stored content is not a JSON object: %v", err)
	}
	return m
}

func testRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	created, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient","id":"ignored","name":[{"family":"Smith","given":["Jo"]}],"birthDate":"1970-01-01"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Version != 1 || created.ID == "ignored" || created.Deleted {
		t.Fatalf("unexpected created resource %+v", created)
	}

	got, err := s.Read(ctx, "Patient", created.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(decode(t, got), decode(t, created)) {
		t.Errorf("read content differs from created content")
	}
	if !got.LastUpdated.Equal(created.LastUpdated) {
		t.Errorf("lastUpdated %v != %v", got.LastUpdated, created.LastUpdated)
	}

	content := decode(t, got)
	meta, _ := content["meta"].(map[string]any)
	if content["id"] != created.ID || meta["versionId"] != "1" || meta["lastUpdated"] == nil {
		t.Errorf("server fields not stamped: %v", content)
	}
	name := content["name"].([]any)[0].(map[string]any)
	if name["family"] != "Smith" || content["birthDate"] != "1970-01-01" {
		t.Errorf("client content altered: %v", content)
	}

	if _, err := s.Read(ctx, "Patient", "nope"); !errors.Is(err, fhir.ErrNotFound) || errors.Is(err, fhir.ErrGone) {
		t.Errorf("expected plain not found, got %v", err)
	}
}

func testVersioning(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	r, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient","gender":"male"}`))
	if err != nil {
		t.Fatal(err)
	}
	for i, g := range []string{"female", "other"} {
		up, created, err := s.Update(ctx, "Patient", r.ID, nil, Doc(t, `{"resourceType":"Patient","gender":"`+g+`"}`))
		if err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		if created {
			t.Error("update of an existing resource reported created")
		}
		if up.Version != i+2 {
			t.Errorf("expected version %d, got %d", i+2, up.Version)
		}
	}

	rows, total, err := s.History(ctx, "Patient", r.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(rows) != 3 {
		t.Fatalf("expected 3 history rows, got %d/%d", len(rows), total)
	}
	for i, row := range rows {
		if row.Version != i+1 {
			t.Errorf("history row %d has version %d", i, row.Version)
		}
	}
	if rows[0].Action != store.ActionCreate || rows[2].Action != store.ActionUpdate {
		t.Errorf("unexpected actions %s, %s", rows[0].Action, rows[2].Action)
	}

	page, total, err := s.History(ctx, "Patient", r.ID, 1, 1)
	if err != nil || total != 3 || len(page) != 1 || page[0].Version != 2 {
		t.Errorf("unexpected history page %v %d %v", page, total, err)
	}

	v1, err := s.ReadVersion(ctx, "Patient", r.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if decode(t, v1)["gender"] != "male" {
		t.Errorf("vread returned wrong content")
	}
	if _, err := s.ReadVersion(ctx, "Patient", r.ID, 9); !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("expected not found for missing version, got %v", err)
	}
}

func testVersionConflict(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	r, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient"}`))
	if err != nil {
		t.Fatal(err)
	}
	stale := 0
	if _, _, err := s.Update(ctx, "Patient", r.ID, &stale, Doc(t, `{"resourceType":"Patient","active":true}`)); !errors.Is(err, fhir.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	one := 1
	up, _, err := s.Update(ctx, "Patient", r.ID, &one, Doc(t, `{"resourceType":"Patient","active":true}`))
	if err != nil {
		t.Fatalf("update with matching version: %v", err)
	}
	if up.Version != 2 {
		t.Errorf("expected version 2, got %d", up.Version)
	}
	if _, err := s.Delete(ctx, "Patient", r.ID, &one); !errors.Is(err, fhir.ErrVersionConflict) {
		t.Errorf("expected delete conflict, got %v", err)
	}
}

func testConcurrentUpdates(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	r, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient"}`))
	if err != nil {
		t.Fatal(err)
	}

	const writers = 2
	var wg sync.WaitGroup
	errs := make([]error, writers)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			expected := 1
			body := map[string]any{"resourceType": "Patient", "gender": fmt.Sprintf("writer-%d", i)}
			_, _, errs[i] = s.Update(ctx, "Patient", r.ID, &expected, body)
		}(i)
	}
	close(start)
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, fhir.ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", ok, conflicts)
	}
	cur, err := s.Read(ctx, "Patient", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 2 {
		t.Errorf("expected version 2, got %d", cur.Version)
	}
}

func testDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	r, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient","name":[{"family":"Gone"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	tomb, err := s.Delete(ctx, "Patient", r.ID, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !tomb.Deleted || tomb.Version != 2 {
		t.Errorf("unexpected tombstone %+v", tomb)
	}
	if decode(t, tomb)["name"] == nil {
		t.Error("tombstone should keep the last content")
	}

	_, err = s.Read(ctx, "Patient", r.ID)
	if !errors.Is(err, fhir.ErrGone) || !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("expected gone, got %v", err)
	}
	if _, err := s.Delete(ctx, "Patient", r.ID, nil); !errors.Is(err, fhir.ErrGone) {
		t.Errorf("expected gone on second delete, got %v", err)
	}
	if _, err := s.Delete(ctx, "Patient", "missing", nil); !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	rows, total, err := s.History(ctx, "Patient", r.ID, 0, 0)
	if err != nil || total != 2 || rows[1].Action != store.ActionDelete || !rows[1].Deleted {
		t.Errorf("expected history to keep both versions, got %v %d %v", rows, total, err)
	}

	clause := index.Clause{Param: "family", Type: catalog.String, Value: "gone"}
	ids, err := b.Match(ctx, index.Scope{Type: "Patient"}, clause)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("deleted resource still matched: %v", ids)
	}
	ids, err = b.Match(ctx, index.Scope{Type: "Patient", IncludeDeleted: true}, clause)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("expected deleted resource when including deleted, got %v", ids)
	}
}

func testUpdateMissing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})
	_, _, err := s.Update(ctx, "Patient", "nobody", nil, Doc(t, `{"resourceType":"Patient"}`))
	if !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if r, _ := b.Get(ctx, index.Key{Type: "Patient", ID: "nobody"}); r != nil {
		t.Error("failed update left a row behind")
	}
}

func testUpdateCreate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{UpdateCreate: true})

	r, created, err := s.Update(ctx, "Patient", "client-id", nil, Doc(t, `{"resourceType":"Patient","id":"client-id"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !created || r.Version != 1 || r.ID != "client-id" {
		t.Errorf("unexpected update-as-create result %+v created=%v", r, created)
	}
	if _, err := s.Delete(ctx, "Patient", "client-id", nil); err != nil {
		t.Fatal(err)
	}
	revived, created, err := s.Update(ctx, "Patient", "client-id", nil, Doc(t, `{"resourceType":"Patient"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !created || revived.Version != 3 || revived.Deleted {
		t.Errorf("expected revival at version 3, got %+v created=%v", revived, created)
	}
}

func testIndexConsistency(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})
	x := extract.New(catalog.Default())

	r, err := s.Create(ctx, "Observation", Doc(t, `{"resourceType":"Observation","status":"final","code":{"coding":[{"system":"http://loinc.org","code":"1"}]},"valueQuantity":{"value":5.4,"code":"mg","system":"http://unitsofmeasure.org"},"effectiveDateTime":"2024-02-03"}`))
	if err != nil {
		t.Fatal(err)
	}
	r, _, err = s.Update(ctx, "Observation", r.ID, nil, Doc(t, `{"resourceType":"Observation","status":"amended","code":{"coding":[{"system":"http://loinc.org","code":"2"}]}}`))
	if err != nil {
		t.Fatal(err)
	}

	check := func() {
		t.Helper()
		got, err := b.Entries(ctx, r.Key())
		if err != nil {
			t.Fatal(err)
		}
		want, _ := x.Extract("Observation", decode(t, r))
		if len(got) != len(want) {
			t.Fatalf("index has %d entries, extractor %d\n got: %v\nwant: %v", len(got), len(want), debug(got), debug(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d: got %s, want %s", i, got[i].DebugString(), want[i].DebugString())
			}
		}
	}
	check()

	old := index.Clause{Param: "status", Type: catalog.Token, Code: "final"}
	if ids, _ := b.Match(ctx, index.Scope{Type: "Observation"}, old); len(ids) != 0 {
		t.Errorf("stale entries survived the update: %v", ids)
	}
	if ids, _ := b.WithParam(ctx, index.Scope{Type: "Observation"}, "value-quantity"); len(ids) != 0 {
		t.Errorf("removed field still indexed: %v", ids)
	}

	n, err := s.Reindex(ctx, "Observation")
	if err != nil || n != 1 {
		t.Fatalf("Reindex = %d, %v", n, err)
	}
	check()
}

func debug(entries []index.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.DebugString()
	}
	return out
}

func testCompartments(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{UpdateCreate: true})

	put := func(rt, id, body string) {
		t.Helper()
		if _, _, err := s.Update(ctx, rt, id, nil, Doc(t, body)); err != nil {
			t.Fatalf("put %s/%s: %v", rt, id, err)
		}
	}
	members := func(p string) []index.Key {
		t.Helper()
		keys, err := b.CompartmentMembers(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		return keys
	}

	put("Patient", "P", `{"resourceType":"Patient"}`)
	put("Patient", "Q", `{"resourceType":"Patient"}`)
	put("Encounter", "E", `{"resourceType":"Encounter","subject":{"reference":"Patient/P"}}`)
	put("Observation", "O", `{"resourceType":"Observation","encounter":{"reference":"Encounter/E"}}`)
	put("Observation", "D", `{"resourceType":"Observation","subject":{"reference":"Patient/Q"}}`)

	want := []index.Key{{Type: "Encounter", ID: "E"}, {Type: "Observation", ID: "O"}, {Type: "Patient", ID: "P"}}
	if got := members("P"); !reflect.DeepEqual(got, want) {
		t.Errorf("compartment P = %v, want %v", got, want)
	}

	// Moving the encounter moves the observation with it.
	put("Encounter", "E", `{"resourceType":"Encounter","subject":{"reference":"Patient/Q"}}`)
	if got := members("P"); !reflect.DeepEqual(got, []index.Key{{Type: "Patient", ID: "P"}}) {
		t.Errorf("compartment P after move = %v", got)
	}
	want = []index.Key{{Type: "Encounter", ID: "E"}, {Type: "Observation", ID: "D"}, {Type: "Observation", ID: "O"}, {Type: "Patient", ID: "Q"}}
	if got := members("Q"); !reflect.DeepEqual(got, want) {
		t.Errorf("compartment Q = %v, want %v", got, want)
	}
}

func testRollback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})

	boom := errors.New("boom")
	var first string
	err := s.InTx(ctx, func(w *store.Writer) error {
		r, err := w.Create(ctx, "Patient", "", Doc(t, `{"resourceType":"Patient","name":[{"family":"Rollback"}]}`))
		if err != nil {
			return err
		}
		first = r.ID
		if _, err := w.Create(ctx, "Observation", "", Doc(t, `{"resourceType":"Observation","subject":{"reference":"Patient/`+r.ID+`"}}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if r, _ := b.Get(ctx, index.Key{Type: "Patient", ID: first}); r != nil {
		t.Error("rolled back create is visible")
	}
	if ids, _ := b.All(ctx, index.Scope{Type: "Observation", IncludeDeleted: true}); len(ids) != 0 {
		t.Errorf("rolled back observation is visible: %v", ids)
	}
	if ids, _ := b.Match(ctx, index.Scope{Type: "Patient", IncludeDeleted: true}, index.Clause{Param: "family", Type: catalog.String, Value: "rollback"}); len(ids) != 0 {
		t.Errorf("rolled back index entries are visible: %v", ids)
	}
	if keys, _ := b.CompartmentMembers(ctx, first); len(keys) != 0 {
		t.Errorf("rolled back compartment rows are visible: %v", keys)
	}
	if _, total, _ := b.History(ctx, index.Key{Type: "Patient", ID: first}, 0, 0); total != 0 {
		t.Errorf("rolled back history is visible")
	}
}

func testCancelledContext(t *testing.T, b store.Backend) {
	s := NewStore(b, store.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient"}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ids, _ := b.All(context.Background(), index.Scope{Type: "Patient", IncludeDeleted: true}); len(ids) != 0 {
		t.Errorf("cancelled write persisted: %v", ids)
	}
}

func testValidation(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{UpdateCreate: true})
	tests := []struct {
		name string
		fn   func() error
	}{
		{"type mismatch", func() error {
			_, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Observation"}`))
			return err
		}},
		{"missing type", func() error {
			_, err := s.Create(ctx, "Patient", Doc(t, `{"name":[]}`))
			return err
		}},
		{"unsupported type", func() error {
			_, err := s.Create(ctx, "Spaceship", Doc(t, `{"resourceType":"Spaceship"}`))
			return err
		}},
		{"id mismatch", func() error {
			_, _, err := s.Update(ctx, "Patient", "a", nil, Doc(t, `{"resourceType":"Patient","id":"b"}`))
			return err
		}},
	}
	for _, tt := range tests {
		if err := tt.fn(); !errors.Is(err, fhir.ErrInvalidResource) {
			t.Errorf("%s: expected invalid resource, got %v", tt.name, err)
		}
	}
}

func testReindex(t *testing.T, b store.Backend) {
	ctx := context.Background()
	s := NewStore(b, store.Options{})
	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, "Patient", Doc(t, `{"resourceType":"Patient"}`)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Reindex(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 reindexed resources, got %d", n)
	}
	if _, err := s.Reindex(ctx, "Spaceship"); !errors.Is(err, fhir.ErrInvalidResource) {
		t.Errorf("expected invalid resource for unknown type, got %v", err)
	}
}
