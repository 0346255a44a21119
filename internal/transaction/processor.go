package transaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/platform/fhir"
	"github.com/ehr/fhirengine/internal/platform/metrics"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
)

// EntryResult is the outcome of one entry, reported in the entry's original
// position.
type EntryResult struct {
	Status int
	// Resource is the written or read version. It is nil for searches and
	// failed entries.
	Resource *store.Resource
	// Search and SearchRequest are set for GET entries that searched.
	Search        *search.Result
	SearchRequest *search.Request
	// Outcome describes a failed entry, or the deletion of a resource.
	Outcome *fhir.OperationOutcome
	Err     error
}

// Location is the versioned url of a written resource, or "".
func (r EntryResult) Location() string {
	if r.Resource == nil || r.Search != nil {
		return ""
	}
	return fmt.Sprintf("%s/%s/_history/%d", r.Resource.Type, r.Resource.ID, r.Resource.Version)
}

// TransactionError reports the entry that aborted a transaction. Nothing
// from the transaction was committed. Index is -1 when the failure is not
// attributable to one entry, such as a failed commit.
type TransactionError struct {
	Index   int
	Status  int
	Outcome *fhir.OperationOutcome
	Err     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed at entry %d: %v", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func newTransactionError(index int, err error) *TransactionError {
	location := "Bundle"
	if index >= 0 {
		location = fmt.Sprintf("Bundle.entry[%d]", index)
	}
	return &TransactionError{
		Index:  index,
		Status: fhir.StatusFor(err),
		Outcome: fhir.NewOutcomeBuilder().
			AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeProcessing, err.Error(), location).
			Build(),
		Err: err,
	}
}

func entryOutcome(index int, err error) *fhir.OperationOutcome {
	out := fhir.OutcomeFor(err)
	for i := range out.Issue {
		if out.Issue[i].Expression == nil {
			out.Issue[i].Expression = []string{fmt.Sprintf("Bundle.entry[%d]", index)}
		}
	}
	return out
}

// Options configure a Processor.
type Options struct {
	// Search applies to GET entries that search.
	Search search.Options
	// NewID allocates ids for POST entries. Defaults to uuid.NewString.
	NewID func() string
}

// Processor submits Bundles. It is safe for concurrent use.
type Processor struct {
	store  *store.Store
	engine *search.Engine
	logger zerolog.Logger
	opts   Options
}

func NewProcessor(s *store.Store, engine *search.Engine, logger zerolog.Logger, opts Options) *Processor {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Processor{
		store:  s,
		engine: engine,
		logger: logger.With().Str("component", "transaction").Logger(),
		opts:   opts,
	}
}

// Submit validates b and dispatches on its type.
func (p *Processor) Submit(ctx context.Context, b *Bundle) ([]EntryResult, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Type == TypeTransaction {
		return p.SubmitTransaction(ctx, b.Entries)
	}
	return p.SubmitBatch(ctx, b.Entries)
}

// op is an entry prepared for execution.
type op struct {
	index    int
	method   string
	target   target
	id       string
	expected *int
	resource map[string]any
}

// prepare resolves placeholders and parses the url and headers of one entry.
func (p *Processor) prepare(i int, e Entry, ph placeholders, ids map[int]string) (op, error) {
	o := op{index: i, method: e.Method, id: ids[i]}
	if _, ok := methodOrder[e.Method]; !ok {
		return o, fmt.Errorf("%w: method %s in a bundle", fhir.ErrNotSupported, e.Method)
	}
	if e.IfNoneExist != "" {
		return o, fmt.Errorf("%w: conditional create", fhir.ErrNotSupported)
	}
	raw, err := ph.rewriteURL(e.URL)
	if err != nil {
		return o, err
	}
	if o.target, err = parseTarget(p.store.Catalog(), raw); err != nil {
		return o, err
	}
	if o.expected, err = fhir.ParseETag(e.IfMatch); err != nil {
		return o, err
	}

	switch e.Method {
	case http.MethodPost:
		if o.target.ID != "" {
			return o, fhir.Invalid("POST url must name a resource type, got %q", e.URL)
		}
	case http.MethodPut, http.MethodDelete:
		if o.target.ID == "" || o.target.Version != 0 {
			return o, fhir.Invalid("%s url must be Type/id, got %q", e.Method, e.URL)
		}
	}
	if e.Method == http.MethodPost || e.Method == http.MethodPut {
		if e.Resource == nil {
			return o, fhir.Invalid("%s entry without a resource", e.Method)
		}
		rewritten, err := ph.rewrite(e.Resource, "")
		if err != nil {
			return o, err
		}
		o.resource = rewritten.(map[string]any)
	}
	return o, nil
}

// SubmitTransaction applies every write entry in one store transaction, in
// DELETE, POST, PUT order, then evaluates GET entries against the committed
// state. Any failure rolls back every write and is returned as a
// *TransactionError.
func (p *Processor) SubmitTransaction(ctx context.Context, entries []Entry) ([]EntryResult, error) {
	start := time.Now()
	results, err := p.transaction(ctx, entries)
	p.record(TypeTransaction, len(entries), err)
	if err != nil {
		p.logger.Info().Err(err).Int("entries", len(entries)).Msg("transaction rolled back")
		return nil, err
	}
	p.logger.Debug().
		Int("entries", len(entries)).
		Dur("elapsed", time.Since(start)).
		Msg("transaction committed")
	return results, nil
}

func (p *Processor) transaction(ctx context.Context, entries []Entry) ([]EntryResult, error) {
	ph, ids := assign(entries, p.opts.NewID)
	ops := make([]op, len(entries))
	written := map[string]int{}
	for i, e := range entries {
		o, err := p.prepare(i, e, ph, ids)
		if err != nil {
			return nil, newTransactionError(i, err)
		}
		if o.method != http.MethodGet {
			key := o.target.Type + "/" + o.target.ID
			if o.method == http.MethodPost {
				key = o.target.Type + "/" + o.id
			}
			if first, dup := written[key]; dup {
				return nil, newTransactionError(i, fhir.Invalid("%s is also written by entry %d", key, first))
			}
			written[key] = i
		}
		ops[i] = o
	}

	order := make([]int, len(ops))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return methodOrder[ops[order[a]].method] < methodOrder[ops[order[b]].method]
	})

	results := make([]EntryResult, len(ops))
	err := p.store.InTx(ctx, func(w *store.Writer) error {
		for _, i := range order {
			o := ops[i]
			if o.method == http.MethodGet {
				continue
			}
			if err := ctx.Err(); err != nil {
				return newTransactionError(i, err)
			}
			res, err := p.write(ctx, w, o)
			if err != nil {
				return newTransactionError(i, err)
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		var te *TransactionError
		if !errors.As(err, &te) {
			return nil, newTransactionError(-1, err)
		}
		return nil, err
	}

	for _, i := range order {
		if ops[i].method == http.MethodGet {
			results[i] = p.read(ctx, ops[i])
		}
	}
	return results, nil
}

// SubmitBatch runs every entry independently in its original order. Each
// write uses its own store transaction; failures are reported per entry.
// Placeholders are not resolved between batch entries.
func (p *Processor) SubmitBatch(ctx context.Context, entries []Entry) ([]EntryResult, error) {
	start := time.Now()
	results := make([]EntryResult, len(entries))
	failed := 0
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			p.record(TypeBatch, len(entries), err)
			return nil, err
		}
		results[i] = p.batchEntry(ctx, i, e)
		if results[i].Err != nil {
			failed++
		}
	}
	p.record(TypeBatch, len(entries), nil)
	p.logger.Debug().
		Int("entries", len(entries)).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("batch processed")
	return results, nil
}

func (p *Processor) batchEntry(ctx context.Context, i int, e Entry) EntryResult {
	var ids map[int]string
	if e.Method == http.MethodPost {
		ids = map[int]string{i: p.opts.NewID()}
	}
	o, err := p.prepare(i, e, placeholders{}, ids)
	if err != nil {
		return failure(i, err)
	}
	if o.method == http.MethodGet {
		return p.read(ctx, o)
	}
	var res EntryResult
	err = p.store.InTx(ctx, func(w *store.Writer) error {
		var err error
		res, err = p.write(ctx, w, o)
		return err
	})
	if err != nil {
		return failure(i, err)
	}
	return res
}

func (p *Processor) write(ctx context.Context, w *store.Writer, o op) (EntryResult, error) {
	switch o.method {
	case http.MethodPost:
		res, err := w.Create(ctx, o.target.Type, o.id, o.resource)
		if err != nil {
			return EntryResult{}, err
		}
		return EntryResult{Status: http.StatusCreated, Resource: res}, nil
	case http.MethodPut:
		res, created, err := w.Update(ctx, o.target.Type, o.target.ID, o.expected, o.resource)
		if err != nil {
			return EntryResult{}, err
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return EntryResult{Status: status, Resource: res}, nil
	case http.MethodDelete:
		res, err := w.Delete(ctx, o.target.Type, o.target.ID, o.expected)
		if err != nil {
			return EntryResult{}, err
		}
		return EntryResult{
			Status:   http.StatusOK,
			Resource: res,
			Outcome:  fhir.DeletedOutcome(res.Type, res.ID, res.Version),
		}, nil
	}
	return EntryResult{}, fmt.Errorf("%w: method %s", fhir.ErrNotSupported, o.method)
}

// read evaluates a GET entry: read, vread or search.
func (p *Processor) read(ctx context.Context, o op) EntryResult {
	t := o.target
	switch {
	case t.search():
		req, err := search.ParseRequest(p.store.Catalog(), t.Type, t.Query, p.opts.Search)
		if err != nil {
			return failure(o.index, err)
		}
		sr, err := p.engine.Search(ctx, req)
		if err != nil {
			return failure(o.index, err)
		}
		return EntryResult{Status: http.StatusOK, Search: sr, SearchRequest: req}
	case t.Version > 0:
		res, err := p.store.ReadVersion(ctx, t.Type, t.ID, t.Version)
		if err != nil {
			return failure(o.index, err)
		}
		return EntryResult{Status: http.StatusOK, Resource: res}
	default:
		res, err := p.store.Read(ctx, t.Type, t.ID)
		if err != nil {
			return failure(o.index, err)
		}
		return EntryResult{Status: http.StatusOK, Resource: res}
	}
}

func failure(i int, err error) EntryResult {
	return EntryResult{Status: fhir.StatusFor(err), Outcome: entryOutcome(i, err), Err: err}
}

func (p *Processor) record(bundleType string, n int, err error) {
	metrics.BundlesTotal.WithLabelValues(bundleType, metrics.OutcomeLabel(err)).Inc()
	metrics.BundleEntries.WithLabelValues(bundleType).Observe(float64(n))
}
