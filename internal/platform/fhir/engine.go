package fhir

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// EngineConfig bundles the tunables of the storage engine.
type EngineConfig struct {
	CursorSecret       []byte
	CursorTTL          time.Duration
	DefaultPageSize    int
	MaxPageSize        int
	ScanBudget         int
	RejectDanglingRefs bool
	Compartment        CompartmentPolicy
}

// Engine is the facade over versioned persistence, indexing, search and
// atomic batches. All single-resource writes run through the same
// coordinator path as batches, so derived state is maintained uniformly.
type Engine struct {
	store        Storage
	registry     *SearchParamRegistry
	extractor    *Extractor
	compartments *CompartmentManager
	coordinator  *Coordinator
	searcher     *Searcher
	transformer  *Transformer
	codec        *CursorCodec
	log          zerolog.Logger
}

// NewEngine assembles an engine over the given storage.
func NewEngine(store Storage, registry *SearchParamRegistry, cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.Compartment.Type == "" {
		cfg.Compartment = DefaultPatientCompartment()
	}
	codec := NewCursorCodec(cfg.CursorSecret, cfg.CursorTTL)
	extractor := NewExtractor(registry)
	compartments := NewCompartmentManager(cfg.Compartment)
	coordinator := NewCoordinator(registry, extractor, compartments, codec, log)
	coordinator.RejectDanglingRefs = cfg.RejectDanglingRefs

	return &Engine{
		store:        store,
		registry:     registry,
		extractor:    extractor,
		compartments: compartments,
		coordinator:  coordinator,
		searcher: NewSearcher(store, registry, codec, SearchOptions{
			DefaultCount: cfg.DefaultPageSize,
			MaxCount:     cfg.MaxPageSize,
			ScanBudget:   cfg.ScanBudget,
		}, log),
		transformer: NewTransformer(),
		codec:       codec,
		log:         log,
	}
}

// Registry exposes the engine's search parameter registry.
func (e *Engine) Registry() *SearchParamRegistry { return e.registry }

// Transformer exposes the version transform layer.
func (e *Engine) Transformer() *Transformer { return e.transformer }

// Create stores a new resource with a server-assigned id.
func (e *Engine) Create(ctx context.Context, resourceType string, body map[string]interface{}) (*Resource, error) {
	results, err := e.apply(ctx, Operation{Kind: OpCreate, Type: resourceType, Body: body})
	if err != nil {
		return nil, err
	}
	return results[0].Resource, nil
}

// CreateIfNoneExist is a conditional create: when the query matches exactly
// one existing resource that resource is returned unchanged.
func (e *Engine) CreateIfNoneExist(ctx context.Context, resourceType string, body map[string]interface{}, query string) (*Resource, bool, error) {
	results, err := e.apply(ctx, Operation{
		Kind:        OpCreate,
		Type:        resourceType,
		Body:        body,
		IfNoneExist: query,
	})
	if err != nil {
		return nil, false, err
	}
	return results[0].Resource, !results[0].NoOp, nil
}

// Read returns the current version. A tombstoned resource yields ErrGone,
// distinguishing "was deleted" from "never existed".
func (e *Engine) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	res, err := e.store.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return nil, ErrGone
	}
	return res, nil
}

// VRead returns one specific historical version, tombstones included.
func (e *Engine) VRead(ctx context.Context, resourceType, id string, version int) (*Resource, error) {
	return e.store.GetVersion(ctx, resourceType, id, version)
}

// Update writes a new version. expectedVersion >= 1 enables the optimistic
// concurrency check; pass -1 to write unconditionally. Updating an id that
// does not exist yet creates it (upsert, FHIR update-as-create).
func (e *Engine) Update(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion int) (*Resource, error) {
	results, err := e.apply(ctx, Operation{
		Kind:            OpUpdate,
		Type:            resourceType,
		ID:              id,
		Body:            body,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return results[0].Resource, nil
}

// Delete appends a tombstone version. expectedVersion >= 1 enables the
// optimistic concurrency check; pass -1 to delete unconditionally. Deleting a
// missing or already deleted resource succeeds without effect.
func (e *Engine) Delete(ctx context.Context, resourceType, id string, expectedVersion int) error {
	_, err := e.apply(ctx, Operation{Kind: OpDelete, Type: resourceType, ID: id, ExpectedVersion: expectedVersion})
	return err
}

// History returns every version of a resource as a history bundle, newest
// first.
func (e *Engine) History(ctx context.Context, resourceType, id string) (*Bundle, error) {
	versions, err := e.store.History(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return NewHistoryBundle(versions), nil
}

// Search executes a parsed search request.
func (e *Engine) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	start := time.Now()
	result, err := e.searcher.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.SearchDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())
	if result.Partial {
		metrics.SearchPartialTotal.Inc()
	}
	return result, nil
}

// ApplyBatch commits a multi-operation batch atomically.
func (e *Engine) ApplyBatch(ctx context.Context, ops []Operation) ([]OpResult, error) {
	return e.apply(ctx, ops...)
}

func (e *Engine) apply(ctx context.Context, ops ...Operation) ([]OpResult, error) {
	results, err := e.coordinator.Apply(ctx, e.store, ops)
	for _, op := range ops {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.WritesTotal.WithLabelValues(op.Type, outcome).Inc()
	}
	if err == nil && len(ops) > 1 {
		metrics.BatchSize.Observe(float64(len(ops)))
	}
	return results, err
}

// EverythingOptions filters a compartment export.
type EverythingOptions struct {
	// Types restricts the member resource types; empty means all.
	Types []string
	// Count caps the number of returned resources; zero means unlimited.
	Count int
}

// Everything returns the patient and every current member of the patient's
// compartment. The patient itself may be deleted; members collected while it
// was alive are still returned, since their own clinical content stands on
// its own.
func (e *Engine) Everything(ctx context.Context, patientID string, opts EverythingOptions) (*Bundle, error) {
	wantType := map[string]bool{}
	for _, t := range opts.Types {
		wantType[t] = true
	}
	include := func(typ string) bool {
		return len(wantType) == 0 || wantType[typ]
	}

	var out []*Resource
	seen := map[string]bool{}
	add := func(typ, id string) error {
		key := typ + "/" + id
		if seen[key] || !include(typ) {
			return nil
		}
		seen[key] = true
		res, err := e.store.GetCurrent(ctx, typ, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if res.Deleted {
			return nil
		}
		out = append(out, res)
		return nil
	}

	patientExisted := false
	if _, err := e.store.GetCurrent(ctx, "Patient", patientID); err == nil {
		patientExisted = true
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := add("Patient", patientID); err != nil {
		return nil, err
	}
	members, err := e.compartments.MembersOf(ctx, e.store, patientID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := add(m.MemberType, m.MemberID); err != nil {
			return nil, err
		}
	}

	if !patientExisted && len(out) == 0 {
		return nil, ErrNotFound
	}

	if opts.Count > 0 && len(out) > opts.Count {
		out = out[:opts.Count]
	}
	return NewSearchBundle(out, nil, len(out)), nil
}
