package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/store"
)

// maxBatch bounds IN lists so SQLite stays under its variable limit.
const maxBatch = 500

func (b *Backend) Get(ctx context.Context, key index.Key) (*store.Resource, error) {
	return getResource(ctx, b.db, key)
}

func (b *Backend) GetMany(ctx context.Context, keys []index.Key) ([]*store.Resource, error) {
	byType := map[string][]string{}
	var types []string
	for _, k := range keys {
		if _, ok := byType[k.Type]; !ok {
			types = append(types, k.Type)
		}
		byType[k.Type] = append(byType[k.Type], k.ID)
	}

	found := make(map[index.Key]*store.Resource, len(keys))
	for _, rt := range types {
		err := batches(byType[rt], func(ids []string) error {
			var a args
			typeArg := a.add(rt)
			query := `SELECT resource_id, ` + resourceColumns + ` FROM resource
WHERE resource_type = ` + typeArg + ` AND resource_id IN (` + a.list(ids) + `)`
			rows, err := b.db.QueryContext(ctx, query, a...)
			if err != nil {
				return fmt.Errorf("query resources: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var id string
				r, err := scanResource(index.Key{Type: rt}, func(dest ...any) error {
					return rows.Scan(append([]any{&id}, dest...)...)
				})
				if err != nil {
					return fmt.Errorf("scan resource: %w", err)
				}
				r.ID = id
				found[r.Key()] = r
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]*store.Resource, 0, len(found))
	for _, k := range keys {
		if r, ok := found[k]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *Backend) Version(ctx context.Context, key index.Key, version int) (*store.Resource, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource_history
WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`, key.Type, key.ID, version)
	r, err := scanResource(key, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s version %d: %w", key, version, err)
	}
	return r, nil
}

func (b *Backend) History(ctx context.Context, key index.Key, count, offset int) ([]*store.Resource, int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_history
WHERE resource_type = $1 AND resource_id = $2`, key.Type, key.ID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history of %s: %w", key, err)
	}
	if offset >= total {
		return nil, total, nil
	}

	query := `SELECT ` + resourceColumns + ` FROM resource_history
WHERE resource_type = $1 AND resource_id = $2
ORDER BY version_id`
	queryArgs := []any{key.Type, key.ID}
	if count > 0 {
		query += ` LIMIT $3 OFFSET $4`
		queryArgs = append(queryArgs, count, offset)
	}
	rows, err := b.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query history of %s: %w", key, err)
	}
	defer rows.Close()

	var out []*store.Resource
	for rows.Next() {
		r, err := scanResource(key, rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history: %w", err)
	}
	if count <= 0 {
		out = out[offset:]
	}
	return out, total, nil
}

// scoped joins an index query to the current rows of its type, hiding
// tombstones unless the scope asks for them.
func scoped(scope index.Scope) string {
	join := ` JOIN resource r ON r.resource_type = si.resource_type AND r.resource_id = si.resource_id`
	if !scope.IncludeDeleted {
		join += ` AND r.deleted = 0`
	}
	return join
}

func (b *Backend) Match(ctx context.Context, scope index.Scope, c index.Clause) ([]string, error) {
	var a args
	cond, err := compile(c, &a)
	if err != nil {
		return nil, err
	}
	query := `SELECT DISTINCT si.resource_id FROM search_index si` + scoped(scope) + `
WHERE si.resource_type = ` + a.add(scope.Type) + ` AND si.param_name = ` + a.add(c.Param) +
		` AND si.param_type = ` + a.add(string(c.Type)) + ` AND (` + cond + `)`
	return queryIDs(ctx, b.db, query, a...)
}

func (b *Backend) WithParam(ctx context.Context, scope index.Scope, param string) ([]string, error) {
	query := `SELECT DISTINCT si.resource_id FROM search_index si` + scoped(scope) + `
WHERE si.resource_type = $1 AND si.param_name = $2`
	return queryIDs(ctx, b.db, query, scope.Type, param)
}

func (b *Backend) All(ctx context.Context, scope index.Scope) ([]string, error) {
	query := `SELECT resource_id FROM resource WHERE resource_type = $1`
	if !scope.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	return queryIDs(ctx, b.db, query, scope.Type)
}

const entryColumns = `resource_id, param_name, param_type,
    token_system, token_code, token_display, str_value, str_norm,
    date_low, date_high, num_value, num_unit, num_canonical, num_canonical_unit,
    ref_type, ref_id, ref_url`

func scanEntry(resourceType string, rows *sql.Rows) (index.Entry, error) {
	e := index.Entry{ResourceType: resourceType}
	var pt string
	err := rows.Scan(&e.ResourceID, &e.Param, &pt,
		&e.System, &e.Code, &e.Display, &e.Value, &e.Norm,
		&e.Low, &e.High, &e.Number, &e.Unit, &e.Canonical, &e.CanonicalUnit,
		&e.TargetType, &e.TargetID, &e.URL)
	e.Type = catalog.ParamType(pt)
	return e, err
}

func (b *Backend) EntriesFor(ctx context.Context, resourceType string, ids []string, param string) (map[string][]index.Entry, error) {
	out := make(map[string][]index.Entry, len(ids))
	err := batches(ids, func(chunk []string) error {
		var a args
		query := `SELECT ` + entryColumns + ` FROM search_index
WHERE resource_type = ` + a.add(resourceType) + ` AND param_name = ` + a.add(param) +
			` AND resource_id IN (` + a.list(chunk) + `)`
		rows, err := b.db.QueryContext(ctx, query, a...)
		if err != nil {
			return fmt.Errorf("query entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(resourceType, rows)
			if err != nil {
				return fmt.Errorf("scan entry: %w", err)
			}
			out[e.ResourceID] = append(out[e.ResourceID], e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for id := range out {
		index.SortEntries(out[id])
	}
	return out, nil
}

func (b *Backend) Entries(ctx context.Context, key index.Key) ([]index.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM search_index
WHERE resource_type = $1 AND resource_id = $2`, key.Type, key.ID)
	if err != nil {
		return nil, fmt.Errorf("query entries of %s: %w", key, err)
	}
	defer rows.Close()

	var out []index.Entry
	for rows.Next() {
		e, err := scanEntry(key.Type, rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	index.SortEntries(out)
	return out, nil
}

func (b *Backend) CompartmentMembers(ctx context.Context, patientID string) ([]index.Key, error) {
	return queryKeys(ctx, b.db, `SELECT resource_type, resource_id FROM compartment_member
WHERE patient_id = $1`, patientID)
}

// queryIDs returns the first column of every row in byte order. Sorting
// happens here rather than in SQL because collations differ between
// databases.
func queryIDs(ctx context.Context, q queryer, query string, queryArgs ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func queryKeys(ctx context.Context, q queryer, query string, queryArgs ...any) ([]index.Key, error) {
	rows, err := q.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var out []index.Key
	for rows.Next() {
		var k index.Key
		if err := rows.Scan(&k.Type, &k.ID); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortReferences(refs []index.Reference) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.TargetType != b.TargetType {
			return a.TargetType < b.TargetType
		}
		return a.TargetID < b.TargetID
	})
}

func batches(ids []string, fn func([]string) error) error {
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// args accumulates positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func (a *args) list(vals []string) string {
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = a.add(v)
	}
	return strings.Join(ph, ", ")
}
