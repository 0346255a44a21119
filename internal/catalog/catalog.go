// Package catalog holds the immutable table of search parameter definitions
// that drives extraction, query parsing and compartment membership.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ParamType is the search parameter type.
type ParamType string

const (
	Token     ParamType = "token"
	String    ParamType = "string"
	Date      ParamType = "date"
	Number    ParamType = "number"
	Quantity  ParamType = "quantity"
	Reference ParamType = "reference"
	URI       ParamType = "uri"
)

// Valid reports whether t is one of the supported parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case Token, String, Date, Number, Quantity, Reference, URI:
		return true
	}
	return false
}

// Modifiers accepted per parameter type when a definition does not list its own.
var defaultModifiers = map[ParamType][]string{
	Token:     {"missing", "not", "text"},
	String:    {"missing", "exact", "contains"},
	Date:      {"missing"},
	Number:    {"missing"},
	Quantity:  {"missing"},
	Reference: {"missing"},
	URI:       {"missing", "below"},
}

// ParamDef defines one search parameter for a resource type.
type ParamDef struct {
	Name      string    `yaml:"name"`
	Type      ParamType `yaml:"type"`
	Paths     []string  `yaml:"paths"`
	Targets   []string  `yaml:"targets,omitempty"`
	Modifiers []string  `yaml:"modifiers,omitempty"`
}

// AllowsModifier reports whether mod may be applied to the parameter. Typed
// reference modifiers (":Patient") are checked against Targets by the caller.
func (d ParamDef) AllowsModifier(mod string) bool {
	mods := d.Modifiers
	if len(mods) == 0 {
		mods = defaultModifiers[d.Type]
	}
	for _, m := range mods {
		if m == mod {
			return true
		}
	}
	return false
}

// AllowsTarget reports whether a reference parameter may point at resourceType.
// An empty target list accepts any type.
func (d ParamDef) AllowsTarget(resourceType string) bool {
	if len(d.Targets) == 0 {
		return true
	}
	for _, t := range d.Targets {
		if t == resourceType {
			return true
		}
	}
	return false
}

// CompartmentRules configures Patient compartment membership.
type CompartmentRules struct {
	// Intermediates are resource types through which membership propagates
	// one hop, e.g. an Observation referencing an Encounter of the patient.
	Intermediates []string `yaml:"intermediates"`
	// OneHop lists the resource types eligible for one-hop membership.
	// "*" admits every type.
	OneHop []string `yaml:"oneHop"`
}

// File is the YAML layout of a catalog overlay and of the `catalog` command
// output.
type File struct {
	Version     string                `yaml:"version"`
	Common      []ParamDef            `yaml:"common,omitempty"`
	Resources   map[string][]ParamDef `yaml:"resources"`
	Compartment *CompartmentRules     `yaml:"compartment,omitempty"`
}

var (
	ErrInvalidDefinition = errors.New("invalid search parameter definition")
	ErrUnknownType       = errors.New("unsupported resource type")
)

var (
	typeNamePattern  = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	paramNamePattern = regexp.MustCompile(`^_?[a-z][A-Za-z0-9-]*$`)
)

// Catalog is built once at startup and never mutated afterwards, so it is
// safe for concurrent use.
type Catalog struct {
	version      string
	common       map[string]ParamDef
	types        map[string]map[string]ParamDef
	intermediate map[string]bool
	oneHop       map[string]bool
	rules        CompartmentRules
}

// New validates f and builds a Catalog from it.
func New(f File) (*Catalog, error) {
	c := &Catalog{
		version:      f.Version,
		common:       make(map[string]ParamDef, len(f.Common)),
		types:        make(map[string]map[string]ParamDef, len(f.Resources)),
		intermediate: map[string]bool{},
		oneHop:       map[string]bool{},
	}
	for _, d := range f.Common {
		if err := validateDef("*", d); err != nil {
			return nil, err
		}
		c.common[d.Name] = d
	}
	for rt, defs := range f.Resources {
		if !typeNamePattern.MatchString(rt) {
			return nil, fmt.Errorf("%w: resource type %q", ErrInvalidDefinition, rt)
		}
		m := make(map[string]ParamDef, len(defs))
		for _, d := range defs {
			if err := validateDef(rt, d); err != nil {
				return nil, err
			}
			if _, dup := m[d.Name]; dup {
				return nil, fmt.Errorf("%w: %s.%s defined twice", ErrInvalidDefinition, rt, d.Name)
			}
			m[d.Name] = d
		}
		c.types[rt] = m
	}
	if f.Compartment != nil {
		c.rules = *f.Compartment
	}
	for _, t := range c.rules.Intermediates {
		c.intermediate[t] = true
	}
	for _, t := range c.rules.OneHop {
		c.oneHop[t] = true
	}
	return c, nil
}

func validateDef(rt string, d ParamDef) error {
	if !paramNamePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %s: bad name %q", ErrInvalidDefinition, rt, d.Name)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalidDefinition, rt, d.Name, d.Type)
	}
	if len(d.Paths) == 0 {
		return fmt.Errorf("%w: %s.%s: no paths", ErrInvalidDefinition, rt, d.Name)
	}
	if len(d.Targets) > 0 && d.Type != Reference {
		return fmt.Errorf("%w: %s.%s: targets on a %s parameter", ErrInvalidDefinition, rt, d.Name, d.Type)
	}
	return nil
}

func (c *Catalog) Version() string { return c.version }

// Supports reports whether resourceType is known to the catalog.
func (c *Catalog) Supports(resourceType string) bool {
	_, ok := c.types[resourceType]
	return ok
}

// Param looks up a parameter for resourceType, falling back to the common
// parameters shared by every type.
func (c *Catalog) Param(resourceType, name string) (ParamDef, bool) {
	if m, ok := c.types[resourceType]; ok {
		if d, ok := m[name]; ok {
			return d, true
		}
		if d, ok := c.common[name]; ok {
			return d, true
		}
	}
	return ParamDef{}, false
}

// Params returns every parameter of resourceType, common ones included,
// sorted by name.
func (c *Catalog) Params(resourceType string) []ParamDef {
	m, ok := c.types[resourceType]
	if !ok {
		return nil
	}
	out := make([]ParamDef, 0, len(m)+len(c.common))
	for name, d := range c.common {
		if _, shadowed := m[name]; !shadowed {
			out = append(out, d)
		}
	}
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResourceTypes returns the supported resource types in lexical order.
func (c *Catalog) ResourceTypes() []string {
	out := make([]string, 0, len(c.types))
	for rt := range c.types {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// Compartment returns the compartment rule set.
func (c *Catalog) Compartment() CompartmentRules {
	return c.rules
}

// IsIntermediate reports whether membership propagates through resourceType.
func (c *Catalog) IsIntermediate(resourceType string) bool {
	return c.intermediate[resourceType]
}

// OneHopAllowed reports whether resourceType may join a compartment through
// an intermediate.
func (c *Catalog) OneHopAllowed(resourceType string) bool {
	return c.oneHop["*"] || c.oneHop[resourceType]
}

// File renders the catalog back into its YAML layout.
func (c *Catalog) File() File {
	f := File{
		Version:   c.version,
		Resources: make(map[string][]ParamDef, len(c.types)),
	}
	for _, d := range c.common {
		f.Common = append(f.Common, d)
	}
	sort.Slice(f.Common, func(i, j int) bool { return f.Common[i].Name < f.Common[j].Name })
	for rt, m := range c.types {
		defs := make([]ParamDef, 0, len(m))
		for _, d := range m {
			defs = append(defs, d)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		f.Resources[rt] = defs
	}
	rules := c.rules
	f.Compartment = &rules
	return f
}
