// Package index defines the search index row model and the clause
// semantics that every storage backend must honour.
package index

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/ehr/fhirengine/internal/catalog"
)

// Unbounded date limits used for open Period ends.
const (
	MinTime int64 = math.MinInt64
	MaxTime int64 = math.MaxInt64
)

// Key identifies a resource.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string { return k.Type + "/" + k.ID }

// Entry is one search index row. Which columns are meaningful depends on Type.
type Entry struct {
	ResourceType string
	ResourceID   string
	Param        string
	Type         catalog.ParamType

	// token, quantity
	System string
	Code   string
	// token display text, normalized
	Display string

	// string (original), uri
	Value string
	// string, normalized for prefix and contains matching
	Norm string

	// date, half-open [Low, High) in Unix milliseconds
	Low  int64
	High int64

	// number, quantity
	Number        float64
	Unit          string
	Canonical     float64
	CanonicalUnit string

	// reference
	TargetType string
	TargetID   string
	URL        string
}

// Reference is one outgoing reference of a resource.
type Reference struct {
	SourceType string
	SourceID   string
	Path       string
	TargetType string
	TargetID   string
}

// Target returns the referenced key.
func (r Reference) Target() Key { return Key{Type: r.TargetType, ID: r.TargetID} }

// Scope restricts index lookups to one resource type.
type Scope struct {
	Type           string
	IncludeDeleted bool
}

// Reader is the lookup surface the query engine plans against. Id slices are
// returned in ascending order.
type Reader interface {
	// Match returns ids of resources with at least one entry satisfying c.
	Match(ctx context.Context, scope Scope, c Clause) ([]string, error)
	// WithParam returns ids of resources with at least one entry for param.
	WithParam(ctx context.Context, scope Scope, param string) ([]string, error)
	// All returns every id of the scoped type.
	All(ctx context.Context, scope Scope) ([]string, error)
	// EntriesFor returns the entries of param for the given ids, keyed by id.
	EntriesFor(ctx context.Context, resourceType string, ids []string, param string) (map[string][]Entry, error)
	// Entries returns every entry of one resource in SortEntries order.
	Entries(ctx context.Context, key Key) ([]Entry, error)
	// CompartmentMembers returns the keys in a patient's compartment ordered
	// by type then id.
	CompartmentMembers(ctx context.Context, patientID string) ([]Key, error)
}

// SortEntries orders entries deterministically. Extraction output and
// backend reads both use this order so they compare equal.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return lessEntry(entries[i], entries[j])
	})
}

func lessEntry(a, b Entry) bool {
	if a.Param != b.Param {
		return a.Param < b.Param
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.System != b.System {
		return a.System < b.System
	}
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	if a.Low != b.Low {
		return a.Low < b.Low
	}
	if a.High != b.High {
		return a.High < b.High
	}
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	if a.Unit != b.Unit {
		return a.Unit < b.Unit
	}
	if a.TargetType != b.TargetType {
		return a.TargetType < b.TargetType
	}
	if a.TargetID != b.TargetID {
		return a.TargetID < b.TargetID
	}
	return a.Display < b.Display
}

// Dedupe removes adjacent identical entries from a sorted slice.
func Dedupe(entries []Entry) []Entry {
	if len(entries) < 2 {
		return entries
	}
	out := entries[:1]
	for _, e := range entries[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

// DebugString renders an entry compactly for logs and test failures.
func (e Entry) DebugString() string {
	switch e.Type {
	case catalog.Token:
		return e.Param + "=" + e.System + "|" + e.Code
	case catalog.String:
		return e.Param + "=" + e.Value
	case catalog.Date:
		return e.Param + "=[" + strconv.FormatInt(e.Low, 10) + "," + strconv.FormatInt(e.High, 10) + ")"
	case catalog.Number:
		return e.Param + "=" + strconv.FormatFloat(e.Number, 'g', -1, 64)
	case catalog.Quantity:
		return e.Param + "=" + strconv.FormatFloat(e.Number, 'g', -1, 64) + " " + e.Code
	case catalog.Reference:
		return e.Param + "=" + e.TargetType + "/" + e.TargetID
	default:
		return e.Param + "=" + e.Value
	}
}
