// Package memory is an in-process store backend. A transaction holds the
// write lock for its whole duration and records an undo step for every
// mutation, replayed in reverse on rollback.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

type state struct {
	current      map[index.Key]*store.Resource
	history      map[index.Key][]*store.Resource
	entries      map[index.Key][]index.Entry
	refs         map[index.Key][]index.Reference
	referrers    map[index.Key]map[index.Key]struct{}
	compartments map[index.Key][]string
	members      map[string]map[index.Key]struct{}
	byType       map[string]map[string]struct{}
}

// Backend is safe for concurrent use.
type Backend struct {
	mu sync.RWMutex
	st state
}

var _ store.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{st: state{
		current:      map[index.Key]*store.Resource{},
		history:      map[index.Key][]*store.Resource{},
		entries:      map[index.Key][]index.Entry{},
		refs:         map[index.Key][]index.Reference{},
		referrers:    map[index.Key]map[index.Key]struct{}{},
		compartments: map[index.Key][]string{},
		members:      map[string]map[index.Key]struct{}{},
		byType:       map[string]map[string]struct{}{},
	}}
}

func (b *Backend) Close() error { return nil }

// WithTx runs fn under the write lock. If fn fails, or ctx is done when it
// returns, every mutation is undone.
func (b *Backend) WithTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &tx{st: &b.st}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return ctx.Err()
}

type tx struct {
	st   *state
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) Get(_ context.Context, key index.Key) (*store.Resource, error) {
	return clone(t.st.current[key]), nil
}

func (t *tx) Put(_ context.Context, r *store.Resource, prevVersion int) error {
	key := r.Key()
	prev, existed := t.st.current[key]
	have := 0
	if existed {
		have = prev.Version
	}
	if have != prevVersion {
		return fhir.ErrVersionConflict
	}
	t.st.current[key] = clone(r)
	ids := t.st.byType[key.Type]
	if ids == nil {
		ids = map[string]struct{}{}
		t.st.byType[key.Type] = ids
	}
	ids[key.ID] = struct{}{}
	t.undo = append(t.undo, func() {
		if existed {
			t.st.current[key] = prev
			return
		}
		delete(t.st.current, key)
		delete(t.st.byType[key.Type], key.ID)
	})
	return nil
}

func (t *tx) AppendHistory(_ context.Context, r *store.Resource) error {
	key := r.Key()
	rows := t.st.history[key]
	if n := len(rows); n > 0 && rows[n-1].Version >= r.Version {
		return fhir.ErrVersionConflict
	}
	t.st.history[key] = append(rows, clone(r))
	t.undo = append(t.undo, func() {
		if len(rows) == 0 {
			delete(t.st.history, key)
			return
		}
		t.st.history[key] = rows
	})
	return nil
}

func (t *tx) ReplaceEntries(_ context.Context, key index.Key, entries []index.Entry) error {
	prev, existed := t.st.entries[key]
	t.st.entries[key] = append([]index.Entry(nil), entries...)
	t.undo = append(t.undo, func() {
		if existed {
			t.st.entries[key] = prev
			return
		}
		delete(t.st.entries, key)
	})
	return nil
}

func (t *tx) References(_ context.Context, key index.Key) ([]index.Reference, error) {
	return append([]index.Reference(nil), t.st.refs[key]...), nil
}

func (t *tx) ReplaceReferences(_ context.Context, key index.Key, refs []index.Reference) error {
	prev, existed := t.st.refs[key]
	t.unlinkReferrers(key, prev)
	t.st.refs[key] = append([]index.Reference(nil), refs...)
	t.linkReferrers(key, refs)
	t.undo = append(t.undo, func() {
		t.unlinkReferrers(key, refs)
		if existed {
			t.st.refs[key] = prev
		} else {
			delete(t.st.refs, key)
		}
		t.linkReferrers(key, prev)
	})
	return nil
}

func (t *tx) linkReferrers(src index.Key, refs []index.Reference) {
	for _, r := range refs {
		target := r.Target()
		set := t.st.referrers[target]
		if set == nil {
			set = map[index.Key]struct{}{}
			t.st.referrers[target] = set
		}
		set[src] = struct{}{}
	}
}

func (t *tx) unlinkReferrers(src index.Key, refs []index.Reference) {
	for _, r := range refs {
		target := r.Target()
		if set := t.st.referrers[target]; set != nil {
			delete(set, src)
			if len(set) == 0 {
				delete(t.st.referrers, target)
			}
		}
	}
}

func (t *tx) Referrers(_ context.Context, target index.Key) ([]index.Key, error) {
	return sortedKeys(t.st.referrers[target]), nil
}

func (t *tx) ReplaceCompartments(_ context.Context, key index.Key, patientIDs []string) error {
	prev, existed := t.st.compartments[key]
	t.setMembership(key, prev, patientIDs)
	ids := append([]string(nil), patientIDs...)
	t.st.compartments[key] = ids
	t.undo = append(t.undo, func() {
		t.setMembership(key, ids, prev)
		if existed {
			t.st.compartments[key] = prev
		} else {
			delete(t.st.compartments, key)
		}
	})
	return nil
}

func (t *tx) setMembership(key index.Key, from, to []string) {
	for _, p := range from {
		if set := t.st.members[p]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(t.st.members, p)
			}
		}
	}
	for _, p := range to {
		set := t.st.members[p]
		if set == nil {
			set = map[index.Key]struct{}{}
			t.st.members[p] = set
		}
		set[key] = struct{}{}
	}
}

func clone(r *store.Resource) *store.Resource {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func sortedKeys(set map[index.Key]struct{}) []index.Key {
	out := make([]index.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
