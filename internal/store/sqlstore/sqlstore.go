// Package sqlstore is a store backend over database/sql. The same statements
// run on Postgres (pgx) and SQLite (modernc); the schema comes from the
// migrations embedded in internal/platform/db.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/store"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend owns db and closes it on Close.
type Backend struct {
	db *sql.DB
}

var _ store.Backend = (*Backend)(nil)

// New wraps a migrated database.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Close() error { return b.db.Close() }

// WithTx runs fn in one database transaction.
func (b *Backend) WithTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&tx{q: sqlTx}); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	q *sql.Tx
}

func (t *tx) Get(ctx context.Context, key index.Key) (*store.Resource, error) {
	return getResource(ctx, t.q, key)
}

func (t *tx) Put(ctx context.Context, r *store.Resource, prevVersion int) error {
	var (
		res sql.Result
		err error
	)
	if prevVersion == 0 {
		res, err = t.q.ExecContext(ctx, `INSERT INTO resource
    (resource_type, resource_id, version_id, last_updated, deleted, action, content)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (resource_type, resource_id) DO NOTHING`,
			r.Type, r.ID, r.Version, r.LastUpdated.UnixMilli(), boolInt(r.Deleted), string(r.Action), string(r.Content))
	} else {
		res, err = t.q.ExecContext(ctx, `UPDATE resource
SET version_id = $1, last_updated = $2, deleted = $3, action = $4, content = $5
WHERE resource_type = $6 AND resource_id = $7 AND version_id = $8`,
			r.Version, r.LastUpdated.UnixMilli(), boolInt(r.Deleted), string(r.Action), string(r.Content), r.Type, r.ID, prevVersion)
	}
	if err != nil {
		return fmt.Errorf("write resource: %w", err)
	}
	return expectOne(res)
}

func (t *tx) AppendHistory(ctx context.Context, r *store.Resource) error {
	res, err := t.q.ExecContext(ctx, `INSERT INTO resource_history
    (resource_type, resource_id, version_id, last_updated, deleted, action, content)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (resource_type, resource_id, version_id) DO NOTHING`,
		r.Type, r.ID, r.Version, r.LastUpdated.UnixMilli(), boolInt(r.Deleted), string(r.Action), string(r.Content))
	if err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return expectOne(res)
}

// expectOne maps a write that touched no row to a version conflict: another
// transaction got there first.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fhir.ErrVersionConflict
	}
	return nil
}

func (t *tx) ReplaceEntries(ctx context.Context, key index.Key, entries []index.Entry) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2`, key.Type, key.ID); err != nil {
		return fmt.Errorf("clear index rows: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.q.PrepareContext(ctx, `INSERT INTO search_index
    (resource_type, resource_id, param_name, param_type,
     token_system, token_code, token_display, str_value, str_norm,
     date_low, date_high, num_value, num_unit, num_canonical, num_canonical_unit,
     ref_type, ref_id, ref_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`)
	if err != nil {
		return fmt.Errorf("prepare index insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			key.Type, key.ID, e.Param, string(e.Type),
			e.System, e.Code, e.Display, e.Value, e.Norm,
			e.Low, e.High, e.Number, e.Unit, e.Canonical, e.CanonicalUnit,
			e.TargetType, e.TargetID, e.URL,
		); err != nil {
			return fmt.Errorf("insert index row %s: %w", e.DebugString(), err)
		}
	}
	return nil
}

func (t *tx) References(ctx context.Context, key index.Key) ([]index.Reference, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT path, target_type, target_id FROM resource_reference
WHERE source_type = $1 AND source_id = $2`, key.Type, key.ID)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	var out []index.Reference
	for rows.Next() {
		r := index.Reference{SourceType: key.Type, SourceID: key.ID}
		if err := rows.Scan(&r.Path, &r.TargetType, &r.TargetID); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	sortReferences(out)
	return out, nil
}

func (t *tx) ReplaceReferences(ctx context.Context, key index.Key, refs []index.Reference) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM resource_reference WHERE source_type = $1 AND source_id = $2`, key.Type, key.ID); err != nil {
		return fmt.Errorf("clear references: %w", err)
	}
	for _, r := range refs {
		if _, err := t.q.ExecContext(ctx, `INSERT INTO resource_reference
    (source_type, source_id, path, target_type, target_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`, key.Type, key.ID, r.Path, r.TargetType, r.TargetID); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
	}
	return nil
}

func (t *tx) Referrers(ctx context.Context, target index.Key) ([]index.Key, error) {
	return queryKeys(ctx, t.q, `SELECT DISTINCT source_type, source_id FROM resource_reference
WHERE target_type = $1 AND target_id = $2`, target.Type, target.ID)
}

func (t *tx) ReplaceCompartments(ctx context.Context, key index.Key, patientIDs []string) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM compartment_member WHERE resource_type = $1 AND resource_id = $2`, key.Type, key.ID); err != nil {
		return fmt.Errorf("clear compartments: %w", err)
	}
	for _, p := range patientIDs {
		if _, err := t.q.ExecContext(ctx, `INSERT INTO compartment_member (patient_id, resource_type, resource_id)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`, p, key.Type, key.ID); err != nil {
			return fmt.Errorf("insert compartment member: %w", err)
		}
	}
	return nil
}

const resourceColumns = `version_id, last_updated, deleted, action, content`

func scanResource(key index.Key, scan func(...any) error) (*store.Resource, error) {
	var (
		r       = &store.Resource{Type: key.Type, ID: key.ID}
		updated int64
		deleted int
		action  string
		content string
	)
	if err := scan(&r.Version, &updated, &deleted, &action, &content); err != nil {
		return nil, err
	}
	r.LastUpdated = time.UnixMilli(updated).UTC()
	r.Deleted = deleted != 0
	r.Action = store.Action(action)
	r.Content = []byte(content)
	return r, nil
}

func getResource(ctx context.Context, q queryer, key index.Key) (*store.Resource, error) {
	row := q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource
WHERE resource_type = $1 AND resource_id = $2`, key.Type, key.ID)
	r, err := scanResource(key, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
