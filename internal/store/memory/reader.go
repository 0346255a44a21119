package memory

import (
	"context"
	"sort"

	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/store"
)

func (b *Backend) Get(_ context.Context, key index.Key) (*store.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.st.current[key]), nil
}

func (b *Backend) GetMany(_ context.Context, keys []index.Key) ([]*store.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*store.Resource, 0, len(keys))
	for _, k := range keys {
		if r := b.st.current[k]; r != nil {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (b *Backend) Version(_ context.Context, key index.Key, version int) (*store.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.st.history[key] {
		if r.Version == version {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (b *Backend) History(_ context.Context, key index.Key, count, offset int) ([]*store.Resource, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows := b.st.history[key]
	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]*store.Resource, 0, end-offset)
	for _, r := range rows[offset:end] {
		out = append(out, clone(r))
	}
	return out, total, nil
}

// live reports whether the current row of key is visible in scope.
func (b *Backend) live(scope index.Scope, key index.Key) bool {
	r := b.st.current[key]
	return r != nil && (scope.IncludeDeleted || !r.Deleted)
}

func (b *Backend) scan(scope index.Scope, keep func(index.Key) bool) []string {
	var out []string
	for id := range b.st.byType[scope.Type] {
		key := index.Key{Type: scope.Type, ID: id}
		if b.live(scope, key) && keep(key) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Backend) Match(_ context.Context, scope index.Scope, c index.Clause) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(scope, func(key index.Key) bool {
		for _, e := range b.st.entries[key] {
			if c.Matches(e) {
				return true
			}
		}
		return false
	}), nil
}

func (b *Backend) WithParam(_ context.Context, scope index.Scope, param string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(scope, func(key index.Key) bool {
		for _, e := range b.st.entries[key] {
			if e.Param == param {
				return true
			}
		}
		return false
	}), nil
}

func (b *Backend) All(_ context.Context, scope index.Scope) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(scope, func(index.Key) bool { return true }), nil
}

func (b *Backend) EntriesFor(_ context.Context, resourceType string, ids []string, param string) (map[string][]index.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]index.Entry, len(ids))
	for _, id := range ids {
		for _, e := range b.st.entries[index.Key{Type: resourceType, ID: id}] {
			if e.Param == param {
				out[id] = append(out[id], e)
			}
		}
	}
	return out, nil
}

func (b *Backend) Entries(_ context.Context, key index.Key) ([]index.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]index.Entry(nil), b.st.entries[key]...)
	index.SortEntries(out)
	return out, nil
}

func (b *Backend) CompartmentMembers(_ context.Context, patientID string) ([]index.Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.st.members[patientID]), nil
}
