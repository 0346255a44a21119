package compartment

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
)

type fakeLookup map[index.Key][]index.Reference

func (f fakeLookup) References(_ context.Context, key index.Key) ([]index.Reference, error) {
	return f[key], nil
}

func ref(src index.Key, path, targetType, targetID string) index.Reference {
	return index.Reference{SourceType: src.Type, SourceID: src.ID, Path: path, TargetType: targetType, TargetID: targetID}
}

func TestCompute_PatientOwnsItself(t *testing.T) {
	r := NewResolver(catalog.Default())
	key := index.Key{Type: "Patient", ID: "P1"}
	got, err := r.Compute(context.Background(), fakeLookup{}, key, []index.Reference{ref(key, "link.other", "Patient", "P2")})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"P1", "P2"}) {
		t.Errorf("got %v", got)
	}
}

func TestCompute_DirectAndOneHop(t *testing.T) {
	r := NewResolver(catalog.Default())
	enc := index.Key{Type: "Encounter", ID: "E1"}
	lookup := fakeLookup{
		enc: {ref(enc, "subject", "Patient", "P2")},
	}
	obs := index.Key{Type: "Observation", ID: "O1"}

	got, err := r.Compute(context.Background(), lookup, obs, []index.Reference{
		ref(obs, "encounter", "Encounter", "E1"),
		ref(obs, "subject", "Patient", "P1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"P1", "P2"}) {
		t.Errorf("expected direct and one-hop members, got %v", got)
	}
}

func TestCompute_NoSecondHop(t *testing.T) {
	r := NewResolver(catalog.Default())
	eoc := index.Key{Type: "EpisodeOfCare", ID: "EOC1"}
	enc := index.Key{Type: "Encounter", ID: "E1"}
	lookup := fakeLookup{
		// The encounter reaches the patient only through the episode.
		enc: {ref(enc, "episodeOfCare", "EpisodeOfCare", "EOC1")},
		eoc: {ref(eoc, "patient", "Patient", "P1")},
	}
	obs := index.Key{Type: "Observation", ID: "O1"}
	got, err := r.Compute(context.Background(), lookup, obs, []index.Reference{ref(obs, "encounter", "Encounter", "E1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected traversal to stop after one hop, got %v", got)
	}
}

func TestCompute_TypeNotEligibleForOneHop(t *testing.T) {
	r := NewResolver(catalog.Default())
	enc := index.Key{Type: "Encounter", ID: "E1"}
	lookup := fakeLookup{enc: {ref(enc, "subject", "Patient", "P1")}}
	med := index.Key{Type: "Medication", ID: "M1"}
	got, _ := r.Compute(context.Background(), lookup, med, []index.Reference{ref(med, "x", "Encounter", "E1")})
	if len(got) != 0 {
		t.Errorf("Medication is not configured for one-hop membership, got %v", got)
	}
}

func TestCompute_Cycle(t *testing.T) {
	r := NewResolver(catalog.Default())
	e1 := index.Key{Type: "Encounter", ID: "E1"}
	e2 := index.Key{Type: "Encounter", ID: "E2"}
	lookup := fakeLookup{
		e1: {ref(e1, "partOf", "Encounter", "E2")},
		e2: {ref(e2, "partOf", "Encounter", "E1"), ref(e2, "subject", "Patient", "P9")},
	}
	got, err := r.Compute(context.Background(), lookup, e1, []index.Reference{ref(e1, "partOf", "Encounter", "E2")})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"P9"}) {
		t.Errorf("got %v", got)
	}
}

type failingLookup struct{}

func (failingLookup) References(context.Context, index.Key) ([]index.Reference, error) {
	return nil, errors.New("boom")
}

func TestCompute_PropagatesLookupErrors(t *testing.T) {
	r := NewResolver(catalog.Default())
	obs := index.Key{Type: "Observation", ID: "O1"}
	if _, err := r.Compute(context.Background(), failingLookup{}, obs, []index.Reference{ref(obs, "encounter", "Encounter", "E1")}); err == nil {
		t.Error("expected lookup error")
	}
}

func TestChanged(t *testing.T) {
	k := index.Key{Type: "Observation", ID: "O1"}
	a := []index.Reference{ref(k, "subject", "Patient", "P1")}
	b := []index.Reference{ref(k, "subject", "Patient", "P2")}
	if Changed(a, a) {
		t.Error("identical sets reported as changed")
	}
	if !Changed(a, b) || !Changed(a, nil) {
		t.Error("expected change")
	}
}
