// Package search plans FHIR search requests onto the index lookups of a
// store.Reader: parameter groups, chains, reverse chains, includes, sorting
// and pagination.
package search

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
)

// Result-control parameters handled by the engine rather than the catalog.
const (
	ParamCount          = "_count"
	ParamOffset         = "_offset"
	ParamSort           = "_sort"
	ParamInclude        = "_include"
	ParamRevInclude     = "_revinclude"
	ParamSummary        = "_summary"
	ParamIncludeDeleted = "_includeDeleted"
	ParamHas            = "_has"
)

// ignored are accepted and have no effect on the result set.
var ignored = map[string]bool{"_format": true, "_pretty": true}

// Options controls request parsing.
type Options struct {
	// Lenient drops unknown parameters and unsupported modifiers instead of
	// failing the request.
	Lenient      bool
	DefaultCount int
	MaxCount     int
}

// GroupKind selects how a Group is evaluated.
type GroupKind int

const (
	// KindMatch ORs Clauses over one parameter.
	KindMatch GroupKind = iota
	// KindMissing tests for the absence (or presence) of any entry.
	KindMissing
	// KindChain filters on parameters of the referenced resource.
	KindChain
	// KindHas filters on resources referencing the candidate.
	KindHas
)

// Group is one AND-term of a request. Values within a group are OR'd.
type Group struct {
	Kind  GroupKind
	Param string // query key, used in error messages
	Def   catalog.ParamDef

	Clauses []index.Clause
	// Not inverts a token match: resources with no matching entry.
	Not bool
	// Missing is the :missing value for KindMissing.
	Missing bool

	// Chain holds the target-side group of a KindChain or KindHas group.
	Chain *Chain
}

// Chain describes one hop between resource types.
type Chain struct {
	// RefParam is the reference parameter. For a forward chain it lives on the
	// searched type, for _has on SourceType.
	RefParam string
	// Types are the resource types searched by Inner: the chain targets, or
	// the single _has source type.
	Types []string
	Inner *Group
}

// Include is one _include or _revinclude directive.
type Include struct {
	SourceType string
	Param      string
	TargetType string
	Reverse    bool
}

// SortKey is one _sort component.
type SortKey struct {
	Def  catalog.ParamDef
	Desc bool
}

// Request is a parsed search.
type Request struct {
	Type           string
	Groups         []Group
	Includes       []Include
	Sort           []SortKey
	Count          int
	Offset         int
	SummaryCount   bool
	IncludeDeleted bool
}

// ParseRequest validates values against the catalog and builds a Request.
// Keys are processed in sorted order so the same query always yields the
// same plan.
func ParseRequest(cat *catalog.Catalog, resourceType string, values url.Values, opts Options) (*Request, error) {
	if !cat.Supports(resourceType) {
		return nil, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = 20
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 100
	}
	if opts.DefaultCount > opts.MaxCount {
		opts.DefaultCount = opts.MaxCount
	}
	p := &parser{cat: cat, opts: opts}
	req := &Request{Type: resourceType, Count: opts.DefaultCount}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		if err := p.apply(req, key, vals); err != nil {
			var ipe *fhir.InvalidParamError
			if opts.Lenient && errors.As(err, &ipe) && ipe.Unsupported {
				continue
			}
			return nil, err
		}
	}
	return req, nil
}

type parser struct {
	cat  *catalog.Catalog
	opts Options
}

func (p *parser) apply(req *Request, key string, vals []string) error {
	base, mod := splitModifier(key)
	switch base {
	case ParamCount:
		n, err := singleInt(key, vals)
		if err != nil {
			return err
		}
		if n > p.opts.MaxCount {
			n = p.opts.MaxCount
		}
		req.Count = n
		return nil
	case ParamOffset:
		n, err := singleInt(key, vals)
		if err != nil {
			return err
		}
		req.Offset = n
		return nil
	case ParamSummary:
		for _, v := range vals {
			if v != "count" {
				return fhir.UnsupportedParam(key, "only _summary=count is supported")
			}
			req.SummaryCount = true
		}
		return nil
	case ParamIncludeDeleted:
		for _, v := range vals {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fhir.InvalidParam(key, "expected true or false, got %q", v)
			}
			req.IncludeDeleted = b
		}
		return nil
	case ParamSort:
		return p.parseSort(req, key, vals)
	case ParamInclude, ParamRevInclude:
		if mod != "" {
			return fhir.UnsupportedParam(key, "modifier %q is not supported on %s", mod, base)
		}
		for _, v := range vals {
			inc, err := p.parseInclude(req.Type, key, v, base == ParamRevInclude)
			if err != nil {
				return err
			}
			req.Includes = append(req.Includes, inc)
		}
		return nil
	}
	if ignored[base] {
		return nil
	}

	values := splitValues(vals)
	if len(values) == 0 {
		return fhir.InvalidParam(key, "no value")
	}

	var (
		g   *Group
		err error
	)
	switch {
	case base == ParamHas:
		g, err = p.parseHas(req.Type, key, values)
	case strings.Contains(key, "."):
		g, err = p.parseChain(req.Type, key, values)
	default:
		g, err = p.parseGroup(req.Type, key, values)
	}
	if err != nil {
		return err
	}
	req.Groups = append(req.Groups, *g)
	return nil
}

// parseGroup handles a plain "name[:modifier]" key on resourceType.
func (p *parser) parseGroup(resourceType, key string, values []string) (*Group, error) {
	name, mod := splitModifier(key)
	def, ok := p.cat.Param(resourceType, name)
	if !ok {
		return nil, fhir.UnsupportedParam(key, "unknown search parameter for %s", resourceType)
	}
	g := &Group{Kind: KindMatch, Param: key, Def: def}

	switch {
	case mod == "missing":
		if len(values) != 1 {
			return nil, fhir.InvalidParam(key, ":missing takes a single true or false")
		}
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return nil, fhir.InvalidParam(key, ":missing takes true or false, got %q", values[0])
		}
		g.Kind, g.Missing = KindMissing, b
		return g, nil
	case mod == "not" && def.AllowsModifier(mod):
		g.Not = true
		mod = ""
	case mod != "" && def.Type == catalog.Reference && isTypeName(mod):
		if !p.cat.Supports(mod) || !def.AllowsTarget(mod) {
			return nil, fhir.InvalidParam(key, "%s is not a target of %s", mod, name)
		}
	case mod != "" && !def.AllowsModifier(mod):
		return nil, fhir.UnsupportedParam(key, "modifier %q is not supported for %s parameters", mod, def.Type)
	}

	for _, v := range values {
		c, err := parseValue(def, mod, v)
		if err != nil {
			return nil, fhir.InvalidParam(key, "%v", err)
		}
		g.Clauses = append(g.Clauses, c)
	}
	return g, nil
}

// parseChain handles "ref[:Type].param[:modifier]".
func (p *parser) parseChain(resourceType, key string, values []string) (*Group, error) {
	dot := strings.Index(key, ".")
	head, tail := key[:dot], key[dot+1:]
	if strings.Contains(tail, ".") {
		return nil, fhir.InvalidParam(key, "chains deeper than one reference are not supported")
	}
	refName, targetType := splitModifier(head)
	def, ok := p.cat.Param(resourceType, refName)
	if !ok {
		return nil, fhir.UnsupportedParam(key, "unknown search parameter for %s", resourceType)
	}
	if def.Type != catalog.Reference {
		return nil, fhir.InvalidParam(key, "%s is not a reference parameter", refName)
	}

	var types []string
	switch {
	case targetType != "":
		if !p.cat.Supports(targetType) || !def.AllowsTarget(targetType) {
			return nil, fhir.InvalidParam(key, "%s is not a target of %s", targetType, refName)
		}
		types = []string{targetType}
	case len(def.Targets) == 1:
		types = def.Targets
	default:
		return nil, fhir.InvalidParam(key, "chain on %s needs an explicit target type", refName)
	}

	inner, err := p.parseInner(types[0], key, tail, values)
	if err != nil {
		return nil, err
	}
	return &Group{
		Kind:  KindChain,
		Param: key,
		Def:   def,
		Chain: &Chain{RefParam: refName, Types: types, Inner: inner},
	}, nil
}

// parseHas handles "_has:SourceType:refParam:filterParam[:modifier]".
func (p *parser) parseHas(resourceType, key string, values []string) (*Group, error) {
	parts := strings.Split(key, ":")
	for _, part := range parts[1:] {
		if part == ParamHas {
			return nil, fhir.InvalidParam(key, "nested _has is not supported")
		}
	}
	if len(parts) < 4 || len(parts) > 5 {
		return nil, fhir.InvalidParam(key, "expected _has:Type:reference:parameter")
	}
	source, refName, filter := parts[1], parts[2], parts[3]
	if len(parts) == 5 {
		filter += ":" + parts[4]
	}
	if !p.cat.Supports(source) {
		return nil, fhir.InvalidParam(key, "unsupported resource type %s", source)
	}
	def, ok := p.cat.Param(source, refName)
	if !ok {
		return nil, fhir.UnsupportedParam(key, "unknown search parameter %s for %s", refName, source)
	}
	if def.Type != catalog.Reference || !def.AllowsTarget(resourceType) {
		return nil, fhir.InvalidParam(key, "%s.%s cannot reference %s", source, refName, resourceType)
	}
	inner, err := p.parseInner(source, key, filter, values)
	if err != nil {
		return nil, err
	}
	return &Group{
		Kind:  KindHas,
		Param: key,
		Def:   def,
		Chain: &Chain{RefParam: refName, Types: []string{source}, Inner: inner},
	}, nil
}

// parseInner parses the target side of a chain, reporting errors against
// the outer key.
func (p *parser) parseInner(resourceType, key, param string, values []string) (*Group, error) {
	if strings.HasPrefix(param, ParamHas) || isControl(param) {
		return nil, fhir.UnsupportedParam(key, "%s cannot be used inside a chain", param)
	}
	g, err := p.parseGroup(resourceType, param, values)
	if err != nil {
		var ipe *fhir.InvalidParamError
		if errors.As(err, &ipe) {
			return nil, &fhir.InvalidParamError{Param: key, Reason: ipe.Reason, Unsupported: ipe.Unsupported}
		}
		return nil, err
	}
	return g, nil
}

func (p *parser) parseSort(req *Request, key string, vals []string) error {
	for _, v := range splitValues(vals) {
		desc := strings.HasPrefix(v, "-")
		name := strings.TrimPrefix(v, "-")
		def, ok := p.cat.Param(req.Type, name)
		if !ok {
			return fhir.UnsupportedParam(key, "cannot sort %s by %q", req.Type, name)
		}
		req.Sort = append(req.Sort, SortKey{Def: def, Desc: desc})
	}
	return nil
}

// parseInclude reads "SourceType:param[:TargetType]".
func (p *parser) parseInclude(resourceType, key, v string, reverse bool) (Include, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Include{}, fhir.InvalidParam(key, "expected Type:parameter[:Target], got %q", v)
	}
	inc := Include{SourceType: parts[0], Param: parts[1], Reverse: reverse}
	if len(parts) == 3 {
		inc.TargetType = parts[2]
		if !p.cat.Supports(inc.TargetType) {
			return Include{}, fhir.InvalidParam(key, "unsupported resource type %s", inc.TargetType)
		}
	}
	if !reverse && inc.SourceType != resourceType {
		return Include{}, fhir.InvalidParam(key, "_include source must be %s", resourceType)
	}
	if !p.cat.Supports(inc.SourceType) {
		return Include{}, fhir.InvalidParam(key, "unsupported resource type %s", inc.SourceType)
	}
	def, ok := p.cat.Param(inc.SourceType, inc.Param)
	if !ok {
		return Include{}, fhir.UnsupportedParam(key, "unknown search parameter %s for %s", inc.Param, inc.SourceType)
	}
	if def.Type != catalog.Reference {
		return Include{}, fhir.InvalidParam(key, "%s is not a reference parameter", inc.Param)
	}
	if reverse && !def.AllowsTarget(resourceType) {
		return Include{}, fhir.InvalidParam(key, "%s.%s cannot reference %s", inc.SourceType, inc.Param, resourceType)
	}
	if inc.TargetType != "" && !def.AllowsTarget(inc.TargetType) {
		return Include{}, fhir.InvalidParam(key, "%s is not a target of %s", inc.TargetType, inc.Param)
	}
	return inc, nil
}

// splitModifier splits "name:modifier" at the first colon.
func splitModifier(key string) (string, string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// splitValues splits every value on unescaped commas. "\," is a literal
// comma.
func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		var cur strings.Builder
		for i := 0; i < len(v); i++ {
			switch {
			case v[i] == '\\' && i+1 < len(v) && v[i+1] == ',':
				cur.WriteByte(',')
				i++
			case v[i] == ',':
				if cur.Len() > 0 {
					out = append(out, cur.String())
				}
				cur.Reset()
			default:
				cur.WriteByte(v[i])
			}
		}
		if cur.Len() > 0 {
			out = append(out, cur.String())
		}
	}
	return out
}

func singleInt(key string, vals []string) (int, error) {
	if len(vals) != 1 {
		return 0, fhir.InvalidParam(key, "expected a single value")
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, fhir.InvalidParam(key, "expected a non-negative integer, got %q", vals[0])
	}
	return n, nil
}

func isTypeName(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

func isControl(name string) bool {
	switch name {
	case ParamCount, ParamOffset, ParamSort, ParamInclude, ParamRevInclude, ParamSummary, ParamIncludeDeleted:
		return true
	}
	return false
}
