package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load returns the built-in catalog, overlaid with the definitions in the
// YAML file at path when path is non-empty. Overlay definitions replace
// built-in ones with the same resource type and name; new resource types
// are added; a compartment section replaces the built-in rules.
func Load(path string) (*Catalog, error) {
	base := DefaultFile()
	if path == "" {
		return New(base)
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read search parameter file: %w", err)
	}
	var overlay File
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return nil, fmt.Errorf("parse search parameter file %s: %w", path, err)
	}
	if len(overlay.Resources) == 0 && len(overlay.Common) == 0 && overlay.Compartment == nil {
		return nil, fmt.Errorf("search parameter file %s is empty", path)
	}
	return New(Merge(base, overlay))
}

// Merge applies overlay on top of base and returns the result.
func Merge(base, overlay File) File {
	out := File{
		Version:     base.Version,
		Common:      mergeDefs(base.Common, overlay.Common),
		Resources:   make(map[string][]ParamDef, len(base.Resources)+len(overlay.Resources)),
		Compartment: base.Compartment,
	}
	if overlay.Version != "" {
		out.Version = overlay.Version
	}
	for rt, defs := range base.Resources {
		out.Resources[rt] = defs
	}
	for rt, defs := range overlay.Resources {
		out.Resources[rt] = mergeDefs(out.Resources[rt], defs)
	}
	if overlay.Compartment != nil {
		out.Compartment = overlay.Compartment
	}
	return out
}

func mergeDefs(base, overlay []ParamDef) []ParamDef {
	idx := make(map[string]int, len(base))
	out := make([]ParamDef, len(base), len(base)+len(overlay))
	copy(out, base)
	for i, d := range out {
		idx[d.Name] = i
	}
	for _, d := range overlay {
		if i, ok := idx[d.Name]; ok {
			out[i] = d
			continue
		}
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	return out
}

// Marshal renders the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c.File())
}
