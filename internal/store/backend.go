package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ehr/fhirengine/internal/index"
)

// Action records how a version came to be.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Resource is one version of a stored document. The current row and every
// history row share this shape.
type Resource struct {
	Type        string
	ID          string
	Version     int
	LastUpdated time.Time
	Deleted     bool
	Action      Action
	Content     json.RawMessage
}

func (r *Resource) Key() index.Key { return index.Key{Type: r.Type, ID: r.ID} }

// Tx is one backend transaction. Every method sees the writes made earlier
// in the same transaction. A Tx is not safe for concurrent use.
type Tx interface {
	// Get returns the current row, including tombstones, or (nil, nil).
	Get(ctx context.Context, key index.Key) (*Resource, error)
	// Put writes the current row. prevVersion is the version the caller read
	// (0 for none); a backend that observes a different stored version
	// returns fhir.ErrVersionConflict.
	Put(ctx context.Context, r *Resource, prevVersion int) error
	AppendHistory(ctx context.Context, r *Resource) error
	ReplaceEntries(ctx context.Context, key index.Key, entries []index.Entry) error
	References(ctx context.Context, key index.Key) ([]index.Reference, error)
	ReplaceReferences(ctx context.Context, key index.Key, refs []index.Reference) error
	// Referrers returns the resources with a stored reference to target.
	Referrers(ctx context.Context, target index.Key) ([]index.Key, error)
	ReplaceCompartments(ctx context.Context, key index.Key, patientIDs []string) error
}

// Reader is the read surface shared by the query engine and the API.
type Reader interface {
	index.Reader
	// Get returns the current row, including tombstones, or (nil, nil).
	Get(ctx context.Context, key index.Key) (*Resource, error)
	// GetMany returns current rows in the order of keys, skipping absent ones.
	GetMany(ctx context.Context, keys []index.Key) ([]*Resource, error)
	// Version returns one history row or (nil, nil).
	Version(ctx context.Context, key index.Key, version int) (*Resource, error)
	// History returns history rows in ascending version order and the total.
	History(ctx context.Context, key index.Key, count, offset int) ([]*Resource, int, error)
}

// Backend persists resources and their derived rows.
type Backend interface {
	Reader
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
