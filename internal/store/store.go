// Package store implements the versioned resource store. Every write runs
// extraction, reference and compartment maintenance inside the same backend
// transaction as the document write, so the index never describes a version
// other than the current one.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/index"
	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/platform/metrics"
)

// Options tune write behaviour.
type Options struct {
	// UpdateCreate lets an update of an absent or deleted resource create it
	// under the client-supplied id.
	UpdateCreate bool
	Now          func() time.Time
	NewID        func() string
}

// Store is safe for concurrent use.
type Store struct {
	backend Backend
	cat     *catalog.Catalog
	x       *extract.Extractor
	comp    *compartment.Resolver
	logger  zerolog.Logger
	opts    Options
}

func New(backend Backend, cat *catalog.Catalog, logger zerolog.Logger, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Store{
		backend: backend,
		cat:     cat,
		x:       extract.New(cat),
		comp:    compartment.NewResolver(cat),
		logger:  logger.With().Str("component", "store").Logger(),
		opts:    opts,
	}
}

// Reader exposes the backend read surface to the query engine.
func (s *Store) Reader() Reader { return s.backend }

func (s *Store) Catalog() *catalog.Catalog { return s.cat }

// UpdateCreate reports whether update-as-create is enabled.
func (s *Store) UpdateCreate() bool { return s.opts.UpdateCreate }

// Create stores content as version 1 of a new resource with a server
// assigned id.
func (s *Store) Create(ctx context.Context, resourceType string, content map[string]any) (*Resource, error) {
	var res *Resource
	err := s.InTx(ctx, func(w *Writer) error {
		var err error
		res, err = w.Create(ctx, resourceType, "", content)
		return err
	})
	return res, err
}

// Update replaces the current version. created is true when the write
// created or revived the resource.
func (s *Store) Update(ctx context.Context, resourceType, id string, expected *int, content map[string]any) (*Resource, bool, error) {
	var (
		res     *Resource
		created bool
	)
	err := s.InTx(ctx, func(w *Writer) error {
		var err error
		res, created, err = w.Update(ctx, resourceType, id, expected, content)
		return err
	})
	return res, created, err
}

// Delete writes a tombstone version.
func (s *Store) Delete(ctx context.Context, resourceType, id string, expected *int) (*Resource, error) {
	var res *Resource
	err := s.InTx(ctx, func(w *Writer) error {
		var err error
		res, err = w.Delete(ctx, resourceType, id, expected)
		return err
	})
	return res, err
}

// Read returns the current version. A tombstoned resource yields
// fhir.ErrGone.
func (s *Store) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	if !s.cat.Supports(resourceType) {
		return nil, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	r, err := s.backend.Get(ctx, index.Key{Type: resourceType, ID: id})
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrGone)
	}
	return r, nil
}

// ReadVersion returns one historical version.
func (s *Store) ReadVersion(ctx context.Context, resourceType, id string, version int) (*Resource, error) {
	if !s.cat.Supports(resourceType) {
		return nil, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	r, err := s.backend.Version(ctx, index.Key{Type: resourceType, ID: id}, version)
	if err != nil {
		return nil, fmt.Errorf("vread %s/%s/_history/%d: %w", resourceType, id, version, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrNotFound)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrGone)
	}
	return r, nil
}

// History returns the versions of one resource in ascending order. Deleted
// resources keep their history.
func (s *Store) History(ctx context.Context, resourceType, id string, count, offset int) ([]*Resource, int, error) {
	if !s.cat.Supports(resourceType) {
		return nil, 0, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	rows, total, err := s.backend.History(ctx, index.Key{Type: resourceType, ID: id}, count, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	return rows, total, nil
}

// InTx runs fn with a Writer bound to one backend transaction. Any error
// from fn, or cancellation of ctx, rolls back every write made through the
// Writer.
func (s *Store) InTx(ctx context.Context, fn func(*Writer) error) error {
	start := time.Now()
	var w *Writer
	err := s.backend.WithTx(ctx, func(tx Tx) error {
		w = &Writer{s: s, tx: tx}
		if err := fn(w); err != nil {
			return err
		}
		return ctx.Err()
	})
	if w != nil {
		s.record(w, err, time.Since(start))
	}
	return err
}

// record publishes metrics and logs for the writes of a finished
// transaction.
func (s *Store) record(w *Writer, err error, elapsed time.Duration) {
	outcome := metrics.OutcomeLabel(err)
	for _, a := range w.attempts {
		metrics.WritesTotal.WithLabelValues(a.key.Type, string(a.action), outcome).Inc()
		if err == nil {
			metrics.WriteLatency.WithLabelValues(string(a.action)).Observe(elapsed.Seconds())
			s.logger.Debug().
				Str("resource_type", a.key.Type).
				Str("resource_id", a.key.ID).
				Str("action", string(a.action)).
				Int("version", a.version).
				Msg("resource written")
		}
	}
	if err != nil {
		return
	}
	for _, warn := range w.warnings {
		metrics.ExtractionWarnings.WithLabelValues(warn.ResourceType, warn.Param).Inc()
		s.logger.Warn().
			Str("resource_type", warn.ResourceType).
			Str("resource_id", warn.ResourceID).
			Str("param", warn.Param).
			Str("path", warn.Path).
			Msg(warn.Reason)
	}
}

// Reindex re-runs extraction, reference and compartment maintenance for
// every stored resource of resourceType (all types when empty) without
// creating new versions. It is used after the catalog changes.
func (s *Store) Reindex(ctx context.Context, resourceType string) (int, error) {
	types := []string{resourceType}
	if resourceType == "" {
		types = s.cat.ResourceTypes()
	} else if !s.cat.Supports(resourceType) {
		return 0, fhir.Invalid("unsupported resource type %s", resourceType)
	}
	n := 0
	for _, rt := range types {
		ids, err := s.backend.All(ctx, index.Scope{Type: rt, IncludeDeleted: true})
		if err != nil {
			return n, fmt.Errorf("list %s: %w", rt, err)
		}
		for _, id := range ids {
			key := index.Key{Type: rt, ID: id}
			err := s.InTx(ctx, func(w *Writer) error {
				return w.reindex(ctx, key)
			})
			if err != nil {
				return n, fmt.Errorf("reindex %s: %w", key, err)
			}
			n++
		}
		s.logger.Info().Str("resource_type", rt).Int("resources", len(ids)).Msg("reindexed")
	}
	return n, nil
}
