package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Backend { return New() })
}

func TestPutRejectsStalePrevVersion(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := &store.Resource{Type: "Patient", ID: "a", Version: 1, Content: []byte(`{}`)}
	if err := b.WithTx(ctx, func(tx store.Tx) error { return tx.Put(ctx, r, 0) }); err != nil {
		t.Fatalf("first put: %v", err)
	}
	err := b.WithTx(ctx, func(tx store.Tx) error { return tx.Put(ctx, r, 0) })
	if !errors.Is(err, fhir.ErrVersionConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestWithTxUndoesOnPanic(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := index.Key{Type: "Patient", ID: "p"}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = b.WithTx(ctx, func(tx store.Tx) error {
			_ = tx.Put(ctx, &store.Resource{Type: "Patient", ID: "p", Version: 1}, 0)
			_ = tx.ReplaceCompartments(ctx, key, []string{"p"})
			_ = tx.ReplaceReferences(ctx, key, []index.Reference{{SourceType: "Patient", SourceID: "p", Path: "link.other", TargetType: "Patient", TargetID: "q"}})
			panic("boom")
		})
	}()

	if r, _ := b.Get(ctx, key); r != nil {
		t.Error("put survived the panic")
	}
	if keys, _ := b.CompartmentMembers(ctx, "p"); len(keys) != 0 {
		t.Errorf("membership survived the panic: %v", keys)
	}
	if len(b.st.referrers) != 0 || len(b.st.refs) != 0 {
		t.Errorf("reference rows survived the panic")
	}
}

func TestReplaceReferencesRestoresPrevious(t *testing.T) {
	b := New()
	ctx := context.Background()
	src := index.Key{Type: "Observation", ID: "o"}
	ref := func(id string) []index.Reference {
		return []index.Reference{{SourceType: "Observation", SourceID: "o", Path: "subject", TargetType: "Patient", TargetID: id}}
	}
	if err := b.WithTx(ctx, func(tx store.Tx) error { return tx.ReplaceReferences(ctx, src, ref("a")) }); err != nil {
		t.Fatal(err)
	}
	_ = b.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.ReplaceReferences(ctx, src, ref("b"))
		return errors.New("abort")
	})

	err := b.WithTx(ctx, func(tx store.Tx) error {
		got, _ := tx.Referrers(ctx, index.Key{Type: "Patient", ID: "a"})
		if len(got) != 1 || got[0] != src {
			t.Errorf("referrers of Patient/a = %v", got)
		}
		if got, _ := tx.Referrers(ctx, index.Key{Type: "Patient", ID: "b"}); len(got) != 0 {
			t.Errorf("referrers of Patient/b = %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCancelledContextRollsBack(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	err := b.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.Put(ctx, &store.Resource{Type: "Patient", ID: "x", Version: 1}, 0)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if r, _ := b.Get(context.Background(), index.Key{Type: "Patient", ID: "x"}); r != nil {
		t.Error("write survived cancellation")
	}
}
