// Package extract derives search index entries and outgoing references from
// resource content, driven by the catalog's path table.
package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
)

// Warning reports a field that could not be indexed. Extraction carries on
// past warnings.
type Warning struct {
	ResourceType string
	ResourceID   string
	Param        string
	Path         string
	Reason       string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s/%s %s (%s): %s", w.ResourceType, w.ResourceID, w.Param, w.Path, w.Reason)
}

// Extractor is stateless apart from its catalog and safe for concurrent use.
type Extractor struct {
	cat *catalog.Catalog
}

func New(cat *catalog.Catalog) *Extractor {
	return &Extractor{cat: cat}
}

// Extract returns the index entries for content, sorted and deduplicated,
// together with any warnings. The same input always yields the same output.
func (x *Extractor) Extract(resourceType string, content map[string]any) ([]index.Entry, []Warning) {
	id, _ := content["id"].(string)
	run := &run{resourceType: resourceType, resourceID: id}
	for _, def := range x.cat.Params(resourceType) {
		for _, path := range def.Paths {
			for _, v := range Values(content, path) {
				run.emit(def, path, v)
			}
		}
	}
	index.SortEntries(run.entries)
	return index.Dedupe(run.entries), run.warnings
}

type run struct {
	resourceType string
	resourceID   string
	entries      []index.Entry
	warnings     []Warning
}

func (r *run) entry(def catalog.ParamDef) index.Entry {
	return index.Entry{
		ResourceType: r.resourceType,
		ResourceID:   r.resourceID,
		Param:        def.Name,
		Type:         def.Type,
	}
}

func (r *run) warn(def catalog.ParamDef, path, format string, args ...any) {
	r.warnings = append(r.warnings, Warning{
		ResourceType: r.resourceType,
		ResourceID:   r.resourceID,
		Param:        def.Name,
		Path:         path,
		Reason:       fmt.Sprintf(format, args...),
	})
}

func (r *run) emit(def catalog.ParamDef, path string, v any) {
	switch def.Type {
	case catalog.Token:
		r.token(def, path, v)
	case catalog.String:
		r.str(def, path, v)
	case catalog.Date:
		r.date(def, path, v)
	case catalog.Number:
		r.number(def, path, v)
	case catalog.Quantity:
		r.quantity(def, path, v)
	case catalog.Reference:
		r.reference(def, path, v)
	case catalog.URI:
		s, ok := v.(string)
		if !ok {
			r.warn(def, path, "expected uri string, got %T", v)
			return
		}
		e := r.entry(def)
		e.Value = s
		r.entries = append(r.entries, e)
	}
}

func (r *run) token(def catalog.ParamDef, path string, v any) {
	switch t := v.(type) {
	case string:
		e := r.entry(def)
		e.Code = t
		r.entries = append(r.entries, e)
	case bool:
		e := r.entry(def)
		e.Code = strconv.FormatBool(t)
		r.entries = append(r.entries, e)
	case json.Number:
		e := r.entry(def)
		e.Code = t.String()
		r.entries = append(r.entries, e)
	case map[string]any:
		if codings, ok := t["coding"]; ok || t["text"] != nil && t["code"] == nil && t["value"] == nil {
			text, _ := t["text"].(string)
			list, _ := codings.([]any)
			emitted := false
			for _, c := range list {
				cm, ok := c.(map[string]any)
				if !ok {
					r.warn(def, path, "coding is not an object")
					continue
				}
				if r.coding(def, cm, text) {
					emitted = true
				}
			}
			if !emitted && text != "" {
				e := r.entry(def)
				e.Display = Normalize(text)
				r.entries = append(r.entries, e)
			}
			return
		}
		if _, ok := t["value"]; ok {
			// Identifier and ContactPoint.
			value, _ := t["value"].(string)
			if value == "" {
				r.warn(def, path, "identifier without string value")
				return
			}
			e := r.entry(def)
			e.System, _ = t["system"].(string)
			e.Code = value
			if tt, ok := t["type"].(map[string]any); ok {
				if text, ok := tt["text"].(string); ok {
					e.Display = Normalize(text)
				}
			}
			r.entries = append(r.entries, e)
			return
		}
		if _, ok := t["code"]; ok {
			r.coding(def, t, "")
			return
		}
		if _, ok := t["system"]; ok {
			r.coding(def, t, "")
			return
		}
		r.warn(def, path, "unrecognised token shape")
	default:
		r.warn(def, path, "unsupported token value %T", v)
	}
}

func (r *run) coding(def catalog.ParamDef, c map[string]any, conceptText string) bool {
	code, _ := c["code"].(string)
	system, _ := c["system"].(string)
	if code == "" && system == "" {
		return false
	}
	display, _ := c["display"].(string)
	e := r.entry(def)
	e.System = system
	e.Code = code
	e.Display = Normalize(strings.TrimSpace(display + " " + conceptText))
	r.entries = append(r.entries, e)
	return true
}

// String parts of HumanName and Address indexed for a complex value.
var nameParts = []string{"text", "family", "given", "prefix", "suffix", "line", "city", "district", "state", "postalCode", "country"}

func (r *run) str(def catalog.ParamDef, path string, v any) {
	switch t := v.(type) {
	case string:
		r.addString(def, t)
	case map[string]any:
		found := false
		for _, part := range nameParts {
			switch pv := t[part].(type) {
			case string:
				r.addString(def, pv)
				found = true
			case []any:
				for _, item := range pv {
					if s, ok := item.(string); ok {
						r.addString(def, s)
						found = true
					}
				}
			}
		}
		if !found {
			r.warn(def, path, "no string content in object")
		}
	default:
		r.warn(def, path, "unsupported string value %T", v)
	}
}

func (r *run) addString(def catalog.ParamDef, s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	e := r.entry(def)
	e.Value = s
	e.Norm = Normalize(s)
	r.entries = append(r.entries, e)
}

func (r *run) date(def catalog.ParamDef, path string, v any) {
	var (
		low, high int64
		err       error
	)
	switch t := v.(type) {
	case string:
		low, high, err = ParseDateRange(t)
	case map[string]any:
		start, _ := t["start"].(string)
		end, _ := t["end"].(string)
		if start == "" && end == "" {
			r.warn(def, path, "period without start or end")
			return
		}
		low, high, err = ParsePeriod(start, end)
	default:
		err = fmt.Errorf("unsupported date value %T", v)
	}
	if err != nil {
		r.warn(def, path, "%v", err)
		return
	}
	e := r.entry(def)
	e.Low, e.High = low, high
	r.entries = append(r.entries, e)
}

func (r *run) number(def catalog.ParamDef, path string, v any) {
	n, err := toFloat(v)
	if err != nil {
		r.warn(def, path, "%v", err)
		return
	}
	e := r.entry(def)
	e.Number = n
	r.entries = append(r.entries, e)
}

func (r *run) quantity(def catalog.ParamDef, path string, v any) {
	m, ok := v.(map[string]any)
	if !ok {
		r.warn(def, path, "expected Quantity object, got %T", v)
		return
	}
	raw, ok := m["value"]
	if !ok {
		r.warn(def, path, "quantity without value")
		return
	}
	n, err := toFloat(raw)
	if err != nil {
		r.warn(def, path, "%v", err)
		return
	}
	e := r.entry(def)
	e.Number = n
	e.Unit, _ = m["unit"].(string)
	e.System, _ = m["system"].(string)
	e.Code, _ = m["code"].(string)
	unit := e.Code
	if unit == "" {
		unit = e.Unit
	}
	if c, base, ok := Canonicalize(n, e.System, unit); ok {
		e.Canonical, e.CanonicalUnit = c, base
	}
	r.entries = append(r.entries, e)
}

func (r *run) reference(def catalog.ParamDef, path string, v any) {
	var ref string
	switch t := v.(type) {
	case string:
		ref = t
	case map[string]any:
		s, ok := t["reference"].(string)
		if !ok {
			// Logical (identifier-only) references are not indexed.
			return
		}
		ref = s
	default:
		r.warn(def, path, "unsupported reference value %T", v)
		return
	}
	if IsPlaceholder(ref) {
		r.warn(def, path, "unresolved placeholder reference %s", ref)
		return
	}
	if strings.HasPrefix(ref, "#") {
		return
	}
	key, ok := ParseReference(ref)
	if !ok {
		r.warn(def, path, "unparseable reference %q", ref)
		return
	}
	if !def.AllowsTarget(key.Type) {
		return
	}
	e := r.entry(def)
	e.TargetType, e.TargetID, e.URL = key.Type, key.ID, ref
	r.entries = append(r.entries, e)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// References returns every literal reference in content outside contained
// resources, sorted by path then target. Placeholders and unparseable
// references are skipped.
func (x *Extractor) References(resourceType string, content map[string]any) []index.Reference {
	id, _ := content["id"].(string)
	var out []index.Reference
	add := func(path, ref string) {
		key, ok := ParseReference(ref)
		if !ok {
			return
		}
		out = append(out, index.Reference{
			SourceType: resourceType,
			SourceID:   id,
			Path:       path,
			TargetType: key.Type,
			TargetID:   key.ID,
		})
	}
	walkReferences(content, "", add)
	// Plain-string references are only recognised at catalogued reference
	// paths, matching what the search index holds.
	for _, def := range x.cat.Params(resourceType) {
		if def.Type != catalog.Reference {
			continue
		}
		for _, path := range def.Paths {
			for _, v := range Values(content, path) {
				if s, ok := v.(string); ok {
					add(fieldPath(path), s)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.TargetType != b.TargetType {
			return a.TargetType < b.TargetType
		}
		return a.TargetID < b.TargetID
	})
	dedup := out[:0]
	for i, ref := range out {
		if i == 0 || ref != out[i-1] {
			dedup = append(dedup, ref)
		}
	}
	return dedup
}

// fieldPath drops element filters from a catalog path so it names the same
// location walkReferences reports.
func fieldPath(path string) string {
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		segs[i], _, _ = splitSegment(seg)
	}
	return strings.Join(segs, ".")
}

func walkReferences(node any, path string, fn func(path, ref string)) {
	switch t := node.(type) {
	case map[string]any:
		if ref, ok := t["reference"].(string); ok {
			fn(path, ref)
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "contained" || k == "reference" {
				continue
			}
			child := k
			if path != "" {
				child = path + "." + k
			}
			walkReferences(t[k], child, fn)
		}
	case []any:
		for _, item := range t {
			walkReferences(item, path, fn)
		}
	}
}
