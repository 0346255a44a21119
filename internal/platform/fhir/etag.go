package fhir

import (
	"strconv"
	"strings"
)

// WeakETag renders a version id as a weak entity tag, W/"3".
func WeakETag(version int) string {
	return `W/"` + strconv.Itoa(version) + `"`
}

// ParseETag extracts the version from an If-Match style value. It accepts
// W/"3", "3" and 3. An empty header yields (nil, nil).
func ParseETag(header string) (*int, error) {
	v := strings.TrimSpace(header)
	if v == "" {
		return nil, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return nil, Invalid("malformed version tag %q", header)
	}
	return &n, nil
}
