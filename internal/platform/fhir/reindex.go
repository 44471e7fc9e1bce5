package fhir

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// ReindexProgress is one progress report emitted while a reindex run walks
// the version store.
type ReindexProgress struct {
	ResourceType string
	Processed    int
	Failed       int
}

// ReindexStats summarizes a completed run.
type ReindexStats struct {
	Processed int
	Failed    int
}

// Reindexer rebuilds every piece of derived state (index entries, reference
// edges, compartment membership) from the current resource versions. Running
// it is always safe: derived tables are never a source of truth.
type Reindexer struct {
	store        Storage
	extractor    *Extractor
	compartments *CompartmentManager
	log          zerolog.Logger

	// ProgressEvery controls how often a progress report is emitted.
	ProgressEvery int
}

// NewReindexer creates a reindexer.
func NewReindexer(store Storage, extractor *Extractor, compartments *CompartmentManager, log zerolog.Logger) *Reindexer {
	return &Reindexer{
		store:         store,
		extractor:     extractor,
		compartments:  compartments,
		log:           log,
		ProgressEvery: 100,
	}
}

// Run reprocesses every current resource of the given type (empty means all
// types). Progress reports go to progress when non-nil; the channel is not
// closed. Extraction failures skip the resource and continue.
func (r *Reindexer) Run(ctx context.Context, resourceType string, progress chan<- ReindexProgress) (ReindexStats, error) {
	var stats ReindexStats
	var deferred []DeferredHop

	report := func() {
		if progress != nil {
			progress <- ReindexProgress{
				ResourceType: resourceType,
				Processed:    stats.Processed,
				Failed:       stats.Failed,
			}
		}
	}

	err := r.store.ForEachCurrent(ctx, resourceType, func(res *Resource) error {
		extracted, err := r.extractor.Extract(res, nil)
		if err != nil {
			stats.Failed++
			r.log.Warn().Err(err).Str("resource", res.Type+"/"+res.ID).Msg("reindex extraction failed")
			return nil
		}
		if err := r.store.ReplaceIndex(ctx, res.Type, res.ID, extracted.Entries); err != nil {
			return err
		}
		if err := r.store.ReplaceEdges(ctx, res.Type, res.ID, extracted.Edges); err != nil {
			return err
		}
		hops, err := r.compartments.UpdateMembership(ctx, r.store, res, extracted.Edges)
		if err != nil {
			return err
		}
		deferred = append(deferred, hops...)

		stats.Processed++
		metrics.ReindexedTotal.Inc()
		if r.ProgressEvery > 0 && stats.Processed%r.ProgressEvery == 0 {
			report()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	// Membership hops deferred during the walk settle now that every
	// intermediate has been visited.
	if err := r.compartments.RetryDeferred(ctx, r.store, deferred); err != nil {
		return stats, err
	}

	report()
	r.log.Info().
		Str("type", resourceType).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Msg("reindex complete")
	return stats, nil
}
