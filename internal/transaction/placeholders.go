package transaction

import (
	"net/http"

	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// placeholders maps transaction-local fullUrls to persisted references.
type placeholders map[string]string

// assign pre-allocates ids. A POST entry with a urn:uuid fullUrl gets a new
// id; a PUT entry maps its fullUrl to the url it writes. It returns the id
// chosen for each POST entry by index.
func assign(entries []Entry, newID func() string) (placeholders, map[int]string) {
	ph := placeholders{}
	ids := map[int]string{}
	for i, e := range entries {
		switch e.Method {
		case http.MethodPost:
			rt, _ := e.Resource["resourceType"].(string)
			if rt == "" {
				continue
			}
			id := newID()
			ids[i] = id
			if extract.IsPlaceholder(e.FullURL) {
				ph[e.FullURL] = rt + "/" + id
			}
		case http.MethodPut:
			if extract.IsPlaceholder(e.FullURL) && !extract.IsPlaceholder(e.URL) {
				ph[e.FullURL] = e.URL
			}
		}
	}
	return ph, ids
}

// rewriteURL resolves a placeholder used as a request url.
func (ph placeholders) rewriteURL(raw string) (string, error) {
	if !extract.IsPlaceholder(raw) {
		return raw, nil
	}
	if ref, ok := ph[raw]; ok {
		return ref, nil
	}
	return "", fhir.Invalid("unresolved placeholder %s in request url", raw)
}

// rewrite returns a copy of v with every placeholder string replaced. v is
// left untouched so a rolled-back bundle can be resubmitted as is. A
// reference field holding an unknown placeholder is an error.
func (ph placeholders) rewrite(v any, key string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			nv, err := ph.rewrite(child, k)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			nv, err := ph.rewrite(child, key)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case string:
		if !extract.IsPlaceholder(t) {
			return t, nil
		}
		if ref, ok := ph[t]; ok {
			return ref, nil
		}
		if key == "reference" {
			return nil, fhir.Invalid("unresolved placeholder reference %s", t)
		}
		return t, nil
	}
	return v, nil
}
