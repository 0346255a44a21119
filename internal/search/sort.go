package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
)

// sortValue is the comparable value of one resource for one sort key.
type sortValue struct {
	present bool
	s       string
	n       float64
	i       int64
}

// sortIDs orders ids by keys. A resource contributes its lowest value to an
// ascending key and its highest to a descending one. Resources without a
// value sort last in either direction; ties fall back to id.
func (e *Engine) sortIDs(ctx context.Context, resourceType string, ids []string, keys []SortKey) ([]string, error) {
	values := make([]map[string]sortValue, len(keys))
	for k, key := range keys {
		byID, err := e.r.EntriesFor(ctx, resourceType, ids, key.Def.Name)
		if err != nil {
			return nil, fmt.Errorf("_sort %s: %w", key.Def.Name, err)
		}
		values[k] = make(map[string]sortValue, len(byID))
		for id, entries := range byID {
			values[k][id] = pick(key, entries)
		}
	}

	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(a, b int) bool {
		for k, key := range keys {
			va, vb := values[k][out[a]], values[k][out[b]]
			if va.present != vb.present {
				return va.present
			}
			if !va.present {
				continue
			}
			c := compare(key.Def.Type, va, vb)
			if key.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return out[a] < out[b]
	})
	return out, nil
}

func pick(key SortKey, entries []index.Entry) sortValue {
	var best sortValue
	for _, en := range entries {
		v := valueOf(key, en)
		if !best.present {
			best = v
			continue
		}
		c := compare(key.Def.Type, v, best)
		if (!key.Desc && c < 0) || (key.Desc && c > 0) {
			best = v
		}
	}
	return best
}

func valueOf(key SortKey, en index.Entry) sortValue {
	v := sortValue{present: true}
	switch key.Def.Type {
	case catalog.Token:
		v.s = en.Code
	case catalog.String:
		v.s = en.Norm
	case catalog.URI:
		v.s = en.Value
	case catalog.Date:
		if key.Desc {
			v.i = en.High
		} else {
			v.i = en.Low
		}
	case catalog.Number:
		v.n = en.Number
	case catalog.Quantity:
		v.n = en.Number
		if en.CanonicalUnit != "" {
			v.n = en.Canonical
		}
	case catalog.Reference:
		v.s = en.TargetType + "/" + en.TargetID
	}
	return v
}

func compare(t catalog.ParamType, a, b sortValue) int {
	switch t {
	case catalog.Date:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	case catalog.Number, catalog.Quantity:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		}
		return 0
	}
	return strings.Compare(a.s, b.s)
}
