package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// LastUpdatedLayout is the meta.lastUpdated format written by the store.
const LastUpdatedLayout = "2006-01-02T15:04:05.000Z07:00"

// Writer performs writes inside one backend transaction. It is only valid
// inside the InTx callback that created it.
type Writer struct {
	s        *Store
	tx       Tx
	attempts []attempt
	warnings []extract.Warning
}

type attempt struct {
	key     index.Key
	action  Action
	version int
}

// Create stores content as a new resource. An empty id asks the store to
// assign one; transactions pass the id they pre-assigned for placeholder
// rewriting.
func (w *Writer) Create(ctx context.Context, resourceType, id string, content map[string]any) (*Resource, error) {
	if id == "" {
		id = w.s.opts.NewID()
	}
	res, _, err := w.write(ctx, ActionCreate, resourceType, id, nil, content)
	return res, err
}

// Update replaces the current version of resourceType/id.
func (w *Writer) Update(ctx context.Context, resourceType, id string, expected *int, content map[string]any) (*Resource, bool, error) {
	return w.write(ctx, ActionUpdate, resourceType, id, expected, content)
}

// Delete writes a tombstone version carrying the last live content.
func (w *Writer) Delete(ctx context.Context, resourceType, id string, expected *int) (*Resource, error) {
	res, _, err := w.write(ctx, ActionDelete, resourceType, id, expected, nil)
	return res, err
}

func (w *Writer) write(ctx context.Context, action Action, resourceType, id string, expected *int, content map[string]any) (*Resource, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !w.s.cat.Supports(resourceType) {
		return nil, false, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	if action != ActionDelete {
		if err := validateContent(action, resourceType, id, content); err != nil {
			return nil, false, err
		}
	}

	key := index.Key{Type: resourceType, ID: id}
	w.attempts = append(w.attempts, attempt{key: key, action: action})

	cur, err := w.tx.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := w.check(action, key, cur, expected); err != nil {
		return nil, false, err
	}

	version, prev := 1, 0
	if cur != nil {
		version, prev = cur.Version+1, cur.Version
	}
	if action == ActionDelete {
		content, err = extract.Decode(cur.Content)
		if err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", key, err)
		}
	}

	now := w.s.opts.Now().UTC().Truncate(time.Millisecond)
	content = stamp(content, resourceType, id, version, now)
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s: %w", key, err)
	}
	res := &Resource{
		Type:        resourceType,
		ID:          id,
		Version:     version,
		LastUpdated: now,
		Deleted:     action == ActionDelete,
		Action:      action,
		Content:     raw,
	}

	if err := w.tx.Put(ctx, res, prev); err != nil {
		return nil, false, fmt.Errorf("store %s: %w", key, err)
	}
	if err := w.tx.AppendHistory(ctx, res); err != nil {
		return nil, false, fmt.Errorf("history %s: %w", key, err)
	}
	revived := cur == nil || cur.Deleted
	if err := w.maintain(ctx, key, content, revived); err != nil {
		return nil, false, err
	}
	w.attempts[len(w.attempts)-1].version = version
	return res, revived, nil
}

func (w *Writer) check(action Action, key index.Key, cur *Resource, expected *int) error {
	mismatch := func() error {
		have := 0
		if cur != nil {
			have = cur.Version
		}
		return fmt.Errorf("%w: %s is at version %d, expected %d", fhir.ErrVersionConflict, key, have, *expected)
	}
	switch action {
	case ActionCreate:
		if cur != nil {
			return fmt.Errorf("%w: %s already exists", fhir.ErrVersionConflict, key)
		}
	case ActionUpdate:
		if (cur == nil || cur.Deleted) && !w.s.opts.UpdateCreate {
			return fmt.Errorf("%s: %w", key, fhir.ErrNotFound)
		}
		if expected != nil && (cur == nil || cur.Version != *expected) {
			return mismatch()
		}
	case ActionDelete:
		if cur == nil {
			return fmt.Errorf("%s: %w", key, fhir.ErrNotFound)
		}
		if cur.Deleted {
			return fmt.Errorf("%s: %w", key, fhir.ErrGone)
		}
		if expected != nil && cur.Version != *expected {
			return mismatch()
		}
	}
	return nil
}

// maintain refreshes the derived rows of key from content. A delete passes
// the last live content, so a tombstone keeps its index entries, references
// and compartment rows for _includeDeleted; an Encounter tombstone therefore
// still carries one-hop membership for the resources that reference it.
func (w *Writer) maintain(ctx context.Context, key index.Key, content map[string]any, force bool) error {
	entries, warnings := w.s.x.Extract(key.Type, content)
	w.warnings = append(w.warnings, warnings...)
	if err := w.tx.ReplaceEntries(ctx, key, entries); err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}

	refs := w.s.x.References(key.Type, content)
	old, err := w.tx.References(ctx, key)
	if err != nil {
		return fmt.Errorf("load references of %s: %w", key, err)
	}
	changed := compartment.Changed(old, refs)
	if changed {
		if err := w.tx.ReplaceReferences(ctx, key, refs); err != nil {
			return fmt.Errorf("references of %s: %w", key, err)
		}
	}
	if !changed && !force {
		return nil
	}
	if err := w.recompute(ctx, key, refs); err != nil {
		return err
	}
	if !changed || !w.s.comp.IsIntermediate(key.Type) {
		return nil
	}
	referrers, err := w.tx.Referrers(ctx, key)
	if err != nil {
		return fmt.Errorf("referrers of %s: %w", key, err)
	}
	for _, r := range referrers {
		if r == key {
			continue
		}
		rrefs, err := w.tx.References(ctx, r)
		if err != nil {
			return fmt.Errorf("load references of %s: %w", r, err)
		}
		if err := w.recompute(ctx, r, rrefs); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) recompute(ctx context.Context, key index.Key, refs []index.Reference) error {
	patients, err := w.s.comp.Compute(ctx, w.tx, key, refs)
	if err != nil {
		return fmt.Errorf("compartments of %s: %w", key, err)
	}
	if err := w.tx.ReplaceCompartments(ctx, key, patients); err != nil {
		return fmt.Errorf("compartments of %s: %w", key, err)
	}
	return nil
}

// reindex rebuilds the derived rows of the current version of key.
func (w *Writer) reindex(ctx context.Context, key index.Key) error {
	cur, err := w.tx.Get(ctx, key)
	if err != nil || cur == nil {
		return err
	}
	content, err := extract.Decode(cur.Content)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return w.maintain(ctx, key, content, true)
}

func validateContent(action Action, resourceType, id string, content map[string]any) error {
	if content == nil {
		return fhir.Invalid("empty resource body")
	}
	rt, _ := content["resourceType"].(string)
	if rt != resourceType {
		return fhir.Invalid("resourceType %q does not match %s", rt, resourceType)
	}
	if action == ActionUpdate {
		if bodyID, ok := content["id"]; ok && bodyID != id {
			return fhir.Invalid("body id %v does not match %s", bodyID, id)
		}
	}
	return nil
}

// stamp returns a copy of content carrying the server-managed fields. The
// caller's map is not modified.
func stamp(content map[string]any, resourceType, id string, version int, now time.Time) map[string]any {
	out := make(map[string]any, len(content)+2)
	for k, v := range content {
		out[k] = v
	}
	meta := map[string]any{}
	if m, ok := content["meta"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.Format(LastUpdatedLayout)
	out["resourceType"] = resourceType
	out["id"] = id
	out["meta"] = meta
	return out
}
