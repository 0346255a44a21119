// Package compartment computes Patient compartment membership from a
// resource's outgoing references.
package compartment

import (
	"context"
	"sort"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
)

// PatientType is the compartment owner type.
const PatientType = "Patient"

// Lookup fetches the stored outgoing references of another resource. The
// store passes its open transaction so membership reflects uncommitted
// writes of the same transaction.
type Lookup interface {
	References(ctx context.Context, key index.Key) ([]index.Reference, error)
}

// Resolver applies the catalog's compartment rules.
type Resolver struct {
	cat *catalog.Catalog
}

func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// IsIntermediate reports whether membership of other resources may depend
// on resources of this type.
func (r *Resolver) IsIntermediate(resourceType string) bool {
	return r.cat.IsIntermediate(resourceType)
}

// Compute returns the sorted ids of the patients whose compartment key
// belongs to, given its current references. Traversal stops after one hop
// through an intermediate, so reference cycles terminate.
func (r *Resolver) Compute(ctx context.Context, lookup Lookup, key index.Key, refs []index.Reference) ([]string, error) {
	set := map[string]struct{}{}
	if key.Type == PatientType {
		set[key.ID] = struct{}{}
	}
	oneHop := r.cat.OneHopAllowed(key.Type)
	seen := map[index.Key]bool{}
	for _, ref := range refs {
		target := ref.Target()
		if target.Type == PatientType {
			set[target.ID] = struct{}{}
			continue
		}
		if !oneHop || !r.cat.IsIntermediate(target.Type) || target == key || seen[target] {
			continue
		}
		seen[target] = true
		hop, err := lookup.References(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, h := range hop {
			if h.TargetType == PatientType {
				set[h.TargetID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Changed reports whether two sorted reference sets differ in their targets.
func Changed(before, after []index.Reference) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].Target() != after[i].Target() || before[i].Path != after[i].Path {
			return true
		}
	}
	return false
}
