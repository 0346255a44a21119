package search

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

// EverythingOptions filters and pages a Patient $everything request.
type EverythingOptions struct {
	// Since keeps compartment members updated at or after this instant.
	Since *time.Time
	// Types keeps compartment members of these types. Empty keeps all.
	Types  []string
	Count  int
	Offset int
}

// Everything returns the patient followed by the live members of its
// compartment ordered by type then id. The filters apply to members only;
// the patient itself always leads the first page.
func (e *Engine) Everything(ctx context.Context, patientID string, opts EverythingOptions) (*Result, error) {
	start := time.Now()
	res, err := e.everything(ctx, patientID, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("patient_id", patientID).
		Int("total", res.Total).
		Dur("elapsed", time.Since(start)).
		Msg("everything")
	return res, nil
}

func (e *Engine) everything(ctx context.Context, patientID string, opts EverythingOptions) (*Result, error) {
	pkey := index.Key{Type: compartment.PatientType, ID: patientID}
	patient, err := e.r.Get(ctx, pkey)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", pkey, err)
	}
	if patient == nil {
		return nil, fmt.Errorf("%s: %w", pkey, fhir.ErrNotFound)
	}
	if patient.Deleted {
		return nil, fmt.Errorf("%s: %w", pkey, fhir.ErrGone)
	}

	keys, err := e.r.CompartmentMembers(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("compartment of %s: %w", pkey, err)
	}
	allowed := map[string]bool{}
	for _, t := range opts.Types {
		allowed[t] = true
	}
	filtered := keys[:0]
	for _, k := range keys {
		if k == pkey || (len(allowed) > 0 && !allowed[k.Type]) {
			continue
		}
		filtered = append(filtered, k)
	}
	members, err := e.r.GetMany(ctx, filtered)
	if err != nil {
		return nil, fmt.Errorf("load compartment of %s: %w", pkey, err)
	}

	all := []*store.Resource{patient}
	for _, m := range members {
		if m.Deleted {
			continue
		}
		if opts.Since != nil && m.LastUpdated.Before(*opts.Since) {
			continue
		}
		all = append(all, m)
	}

	res := &Result{Total: len(all)}
	if opts.Offset >= len(all) {
		return res, nil
	}
	end := len(all)
	if opts.Count > 0 && opts.Offset+opts.Count < end {
		end = opts.Offset + opts.Count
	}
	res.Matches = all[opts.Offset:end]
	return res, nil
}
