package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OpKind is the kind of write in a batch operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Operation is one write in an atomic batch. FullURL, when set on a create,
// is a synthetic token (urn:uuid:...) other operations in the same batch may
// reference; it resolves to the server-assigned id.
type Operation struct {
	Kind OpKind
	Type string
	ID   string // required for update and delete; assigned for create
	Body map[string]interface{}

	FullURL string
	// ExpectedVersion enables optimistic concurrency: the write fails unless
	// the current version matches. -1 skips the check.
	ExpectedVersion int
	// IfNoneExist makes a create conditional on a search returning nothing.
	IfNoneExist string
}

// OpResult is the per-operation outcome of a committed batch.
type OpResult struct {
	Resource *Resource
	Created  bool
	// NoOp is set when a conditional create matched an existing resource and
	// nothing was written.
	NoOp bool
}

// Coordinator applies batches of writes atomically: every operation commits
// or none do, and readers never observe intermediate state. Single writes go
// through the same path as one-element batches.
type Coordinator struct {
	registry     *SearchParamRegistry
	extractor    *Extractor
	compartments *CompartmentManager
	codec        *CursorCodec

	// RejectDanglingRefs fails writes whose references resolve to nothing
	// instead of recording them as dangling edges.
	RejectDanglingRefs bool

	log zerolog.Logger
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(registry *SearchParamRegistry, extractor *Extractor, compartments *CompartmentManager, codec *CursorCodec, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry:     registry,
		extractor:    extractor,
		compartments: compartments,
		codec:        codec,
		log:          log,
	}
}

// Apply runs the batch in submission order inside one storage transaction.
// On failure the returned error wraps the index of the operation that failed
// and no effects are visible.
func (c *Coordinator) Apply(ctx context.Context, store Storage, ops []Operation) ([]OpResult, error) {
	// Pre-pass: allocate ids for creates so synthetic tokens resolve even
	// when the referencing entry precedes the referenced one.
	ictx := NewImportContext()
	assigned := make([]string, len(ops))
	for i, op := range ops {
		id := op.ID
		if op.Kind == OpCreate && id == "" {
			id = uuid.NewString()
		}
		assigned[i] = id
		if op.FullURL != "" && op.Kind != OpDelete {
			ictx.Map(op.FullURL, Ref{Type: op.Type, ID: id})
		}
	}

	results := make([]OpResult, len(ops))
	err := store.RunTx(ctx, func(tx Storage) error {
		var deferred []DeferredHop
		for i, op := range ops {
			res, hops, err := c.applyOne(ctx, tx, op, assigned[i], ictx)
			if err != nil {
				return &AtomicFailureError{OpIndex: i, Err: err}
			}
			results[i] = res
			deferred = append(deferred, hops...)
		}

		// Intermediates written later in the batch exist now; settle the
		// one-hop memberships that were waiting on them.
		if err := c.compartments.RetryDeferred(ctx, tx, deferred); err != nil {
			return err
		}

		return ictx.Each(func(token string, ref Ref) error {
			return tx.PutSyntheticID(ctx, token, ref)
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Int("operations", len(ops)).Msg("batch committed")
	return results, nil
}

func (c *Coordinator) applyOne(ctx context.Context, tx Storage, op Operation, id string, ictx *ImportContext) (OpResult, []DeferredHop, error) {
	switch op.Kind {
	case OpDelete:
		return c.applyDelete(ctx, tx, op)
	case OpCreate:
		if op.IfNoneExist != "" {
			existing, err := c.findConditional(ctx, tx, op)
			if err != nil {
				return OpResult{}, nil, err
			}
			if existing != nil {
				return OpResult{Resource: existing, NoOp: true}, nil, nil
			}
		}
		return c.applyWrite(ctx, tx, op, id, 0, ictx)
	case OpUpdate:
		if id == "" {
			return OpResult{}, nil, &ValidationError{Diagnostics: "update requires a resource id"}
		}
		return c.applyWrite(ctx, tx, op, id, op.ExpectedVersion, ictx)
	}
	return OpResult{}, nil, &ValidationError{Diagnostics: fmt.Sprintf("unsupported operation kind %d", int(op.Kind))}
}

// applyWrite persists a new version and regenerates every piece of derived
// state for it in the same transaction.
func (c *Coordinator) applyWrite(ctx context.Context, tx Storage, op Operation, id string, expectedVersion int, ictx *ImportContext) (OpResult, []DeferredHop, error) {
	body := CloneBody(op.Body)
	RewriteReferences(body, ictx)

	if err := ValidateBody(op.Type, body, c.registry.KnownTypes()); err != nil {
		return OpResult{}, nil, err
	}

	res, err := tx.PutVersion(ctx, op.Type, id, body, false, expectedVersion)
	if err != nil {
		return OpResult{}, nil, err
	}

	extracted, err := c.extractor.Extract(res, ictx)
	if err != nil {
		return OpResult{}, nil, err
	}
	if c.RejectDanglingRefs {
		for _, edge := range extracted.Edges {
			if edge.Dangling {
				return OpResult{}, nil, &UnresolvedReferenceError{Reference: edge.ToID, Path: edge.Path}
			}
		}
	}

	if err := tx.ReplaceIndex(ctx, res.Type, res.ID, extracted.Entries); err != nil {
		return OpResult{}, nil, err
	}
	if err := tx.ReplaceEdges(ctx, res.Type, res.ID, extracted.Edges); err != nil {
		return OpResult{}, nil, err
	}

	deferred, err := c.compartments.UpdateMembership(ctx, tx, res, extracted.Edges)
	if err != nil {
		return OpResult{}, nil, err
	}
	return OpResult{Resource: res, Created: res.VersionID == 1}, deferred, nil
}

// applyDelete appends a tombstone and clears the derived index and edge rows.
// Compartment membership survives deletion so compartment queries can still
// surface historical members. Deleting something that never existed is a
// no-op.
func (c *Coordinator) applyDelete(ctx context.Context, tx Storage, op Operation) (OpResult, []DeferredHop, error) {
	cur, err := tx.GetCurrent(ctx, op.Type, op.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OpResult{NoOp: true}, nil, nil
		}
		return OpResult{}, nil, err
	}
	if cur.Deleted {
		return OpResult{Resource: cur, NoOp: true}, nil, nil
	}

	res, err := tx.PutVersion(ctx, op.Type, op.ID, nil, true, op.ExpectedVersion)
	if err != nil {
		return OpResult{}, nil, err
	}
	if err := tx.ReplaceIndex(ctx, op.Type, op.ID, nil); err != nil {
		return OpResult{}, nil, err
	}
	if err := tx.ReplaceEdges(ctx, op.Type, op.ID, nil); err != nil {
		return OpResult{}, nil, err
	}
	return OpResult{Resource: res}, nil, nil
}

// findConditional evaluates an If-None-Exist query inside the transaction.
// One match short-circuits the create; more than one is an error because the
// outcome would be ambiguous.
func (c *Coordinator) findConditional(ctx context.Context, tx Storage, op Operation) (*Resource, error) {
	values, err := url.ParseQuery(op.IfNoneExist)
	if err != nil {
		return nil, &QueryError{Param: "If-None-Exist", Diagnostics: err.Error()}
	}
	req, err := ParseSearchRequest(op.Type, values)
	if err != nil {
		return nil, err
	}

	searcher := NewSearcher(tx, c.registry, c.codec, SearchOptions{}, c.log)
	result, err := searcher.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	switch result.Total {
	case 0:
		return nil, nil
	case 1:
		return result.Matches[0], nil
	default:
		return nil, &ValidationError{
			Diagnostics: fmt.Sprintf("conditional create matched %d resources", result.Total),
		}
	}
}
