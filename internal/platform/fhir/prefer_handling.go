package fhir

import "strings"

// HandlingPreference represents the FHIR Prefer handling directive value.
// With handling=strict unknown search parameters are rejected; with
// handling=lenient they are ignored.
type HandlingPreference string

const (
	HandlingStrict  HandlingPreference = "strict"
	HandlingLenient HandlingPreference = "lenient"
)

// ParsePreferHandling extracts the handling preference from a Prefer header
// value. Directives may be separated by semicolons or commas. The server
// default is strict.
func ParsePreferHandling(prefer string) HandlingPreference {
	fields := strings.FieldsFunc(prefer, func(r rune) bool { return r == ',' || r == ';' })
	for _, part := range fields {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "handling=") {
			continue
		}
		switch HandlingPreference(strings.TrimSpace(part[len("handling="):])) {
		case HandlingLenient:
			return HandlingLenient
		case HandlingStrict:
			return HandlingStrict
		}
	}
	return HandlingStrict
}
