package extract

import (
	"regexp"
	"strings"

	"github.com/ehr/fhirengine/internal/index"
)

var (
	typePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// PlaceholderPrefix marks a transaction-local reference that has not been
// rewritten to a persisted id.
const PlaceholderPrefix = "urn:uuid:"

// ParseReference resolves a literal reference to a key. It accepts
// "Type/id", "Type/id/_history/n" and absolute URLs ending in one of those.
// Contained ("#id") and placeholder references are rejected.
func ParseReference(ref string) (index.Key, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, PlaceholderPrefix) || strings.HasPrefix(ref, "urn:") {
		return index.Key{}, false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if n := len(parts); n >= 4 && parts[n-2] == "_history" {
		parts = parts[:n-2]
	}
	n := len(parts)
	if n < 2 {
		return index.Key{}, false
	}
	rt, id := parts[n-2], parts[n-1]
	if !typePattern.MatchString(rt) || !idPattern.MatchString(id) {
		return index.Key{}, false
	}
	if n > 2 && !strings.Contains(ref, "://") {
		return index.Key{}, false
	}
	return index.Key{Type: rt, ID: id}, true
}

// IsPlaceholder reports whether ref is a transaction-local urn:uuid reference.
func IsPlaceholder(ref string) bool {
	return strings.HasPrefix(ref, PlaceholderPrefix)
}
