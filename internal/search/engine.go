package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/metrics"
	"github.com/ehr/fhirengine/internal/store"
)

// Result is one page of a search.
type Result struct {
	Matches  []*store.Resource
	Included []*store.Resource
	// Total counts every match, not just this page.
	Total int
}

// Engine answers searches from a store.Reader. It holds no mutable state.
type Engine struct {
	r      store.Reader
	cat    *catalog.Catalog
	logger zerolog.Logger
}

func NewEngine(r store.Reader, cat *catalog.Catalog, logger zerolog.Logger) *Engine {
	return &Engine{
		r:      r,
		cat:    cat,
		logger: logger.With().Str("component", "search").Logger(),
	}
}

// Search evaluates req.
func (e *Engine) Search(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	res, err := e.search(ctx, req)
	metrics.SearchesTotal.WithLabelValues(req.Type, metrics.OutcomeLabel(err)).Inc()
	metrics.SearchLatency.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("resource_type", req.Type).
		Int("groups", len(req.Groups)).
		Int("total", res.Total).
		Dur("elapsed", time.Since(start)).
		Msg("search")
	return res, nil
}

func (e *Engine) search(ctx context.Context, req *Request) (*Result, error) {
	scope := index.Scope{Type: req.Type, IncludeDeleted: req.IncludeDeleted}
	ids, err := e.Match(ctx, scope, req.Groups)
	if err != nil {
		return nil, err
	}
	res := &Result{Total: len(ids)}
	if req.SummaryCount || req.Count == 0 {
		return res, nil
	}

	if len(req.Sort) > 0 {
		if ids, err = e.sortIDs(ctx, req.Type, ids, req.Sort); err != nil {
			return nil, err
		}
	}
	page := paginate(ids, req.Offset, req.Count)
	if len(page) == 0 {
		return res, nil
	}

	keys := make([]index.Key, len(page))
	for i, id := range page {
		keys[i] = index.Key{Type: req.Type, ID: id}
	}
	if res.Matches, err = e.r.GetMany(ctx, keys); err != nil {
		return nil, fmt.Errorf("load matches: %w", err)
	}
	if len(req.Includes) > 0 {
		if res.Included, err = e.includes(ctx, req, keys); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Match returns the ids of scope.Type satisfying every group, ascending.
func (e *Engine) Match(ctx context.Context, scope index.Scope, groups []Group) ([]string, error) {
	if len(groups) == 0 {
		return e.r.All(ctx, scope)
	}
	var ids []string
	for i := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := e.evalGroup(ctx, scope, &groups[i])
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ids = got
		} else {
			ids = intersect(ids, got)
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}
	return ids, nil
}

func (e *Engine) evalGroup(ctx context.Context, scope index.Scope, g *Group) ([]string, error) {
	switch g.Kind {
	case KindMissing:
		with, err := e.r.WithParam(ctx, scope, g.Def.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.Param, err)
		}
		if !g.Missing {
			return with, nil
		}
		all, err := e.r.All(ctx, scope)
		if err != nil {
			return nil, err
		}
		return subtract(all, with), nil

	case KindChain:
		return e.evalChain(ctx, scope, g)

	case KindHas:
		return e.evalHas(ctx, scope, g)
	}

	var ids []string
	for _, c := range g.Clauses {
		got, err := e.r.Match(ctx, scope, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.Param, err)
		}
		ids = union(ids, got)
	}
	if !g.Not {
		return ids, nil
	}
	all, err := e.r.All(ctx, scope)
	if err != nil {
		return nil, err
	}
	return subtract(all, ids), nil
}

// evalChain searches each target type for the inner group, then keeps the
// outer resources whose reference points at one of the hits.
func (e *Engine) evalChain(ctx context.Context, scope index.Scope, g *Group) ([]string, error) {
	var targets []index.Key
	for _, t := range g.Chain.Types {
		ids, err := e.evalGroup(ctx, index.Scope{Type: t}, g.Chain.Inner)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			targets = append(targets, index.Key{Type: t, ID: id})
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}
	c := index.Clause{Param: g.Chain.RefParam, Type: catalog.Reference, Targets: targets}
	ids, err := e.r.Match(ctx, scope, c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Param, err)
	}
	return ids, nil
}

// evalHas searches the source type for the inner group and collects the
// outer-type resources those sources reference.
func (e *Engine) evalHas(ctx context.Context, scope index.Scope, g *Group) ([]string, error) {
	source := g.Chain.Types[0]
	ids, err := e.evalGroup(ctx, index.Scope{Type: source}, g.Chain.Inner)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	refs, err := e.r.EntriesFor(ctx, source, ids, g.Chain.RefParam)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Param, err)
	}
	seen := map[string]struct{}{}
	for _, entries := range refs {
		for _, en := range entries {
			if en.TargetType == scope.Type {
				seen[en.TargetID] = struct{}{}
			}
		}
	}
	referenced := make([]string, 0, len(seen))
	for id := range seen {
		referenced = append(referenced, id)
	}
	sort.Strings(referenced)

	// Restrict to live resources of the outer type.
	all, err := e.r.All(ctx, scope)
	if err != nil {
		return nil, err
	}
	return intersect(all, referenced), nil
}

// includes resolves every directive against the page concurrently.
func (e *Engine) includes(ctx context.Context, req *Request, page []index.Key) ([]*store.Resource, error) {
	found := make([][]index.Key, len(req.Includes))
	g, gctx := errgroup.WithContext(ctx)
	for i, inc := range req.Includes {
		i, inc := i, inc
		g.Go(func() error {
			var err error
			if inc.Reverse {
				found[i], err = e.revInclude(gctx, inc, page)
			} else {
				found[i], err = e.include(gctx, inc, page)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[index.Key]struct{}, len(page))
	for _, k := range page {
		seen[k] = struct{}{}
	}
	var keys []index.Key
	for _, set := range found {
		for _, k := range set {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sortKeys(keys)

	rows, err := e.r.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load included: %w", err)
	}
	out := rows[:0]
	for _, r := range rows {
		if !r.Deleted || req.IncludeDeleted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) include(ctx context.Context, inc Include, page []index.Key) ([]index.Key, error) {
	ids := make([]string, len(page))
	for i, k := range page {
		ids[i] = k.ID
	}
	byID, err := e.r.EntriesFor(ctx, inc.SourceType, ids, inc.Param)
	if err != nil {
		return nil, fmt.Errorf("_include %s:%s: %w", inc.SourceType, inc.Param, err)
	}
	var out []index.Key
	for _, entries := range byID {
		for _, en := range entries {
			if inc.TargetType != "" && en.TargetType != inc.TargetType {
				continue
			}
			if e.cat.Supports(en.TargetType) {
				out = append(out, index.Key{Type: en.TargetType, ID: en.TargetID})
			}
		}
	}
	return out, nil
}

func (e *Engine) revInclude(ctx context.Context, inc Include, page []index.Key) ([]index.Key, error) {
	if inc.TargetType != "" && inc.TargetType != page[0].Type {
		return nil, nil
	}
	c := index.Clause{Param: inc.Param, Type: catalog.Reference, Targets: page}
	ids, err := e.r.Match(ctx, index.Scope{Type: inc.SourceType}, c)
	if err != nil {
		return nil, fmt.Errorf("_revinclude %s:%s: %w", inc.SourceType, inc.Param, err)
	}
	out := make([]index.Key, len(ids))
	for i, id := range ids {
		out[i] = index.Key{Type: inc.SourceType, ID: id}
	}
	return out, nil
}

func paginate(ids []string, offset, count int) []string {
	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	return ids[offset:end]
}

// intersect, union and subtract operate on ascending id slices.
func intersect(a, b []string) []string {
	var out []string
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func subtract(a, b []string) []string {
	var out []string
	j := 0
	for _, id := range a {
		for j < len(b) && b[j] < id {
			j++
		}
		if j < len(b) && b[j] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}

func sortKeys(keys []index.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
}
