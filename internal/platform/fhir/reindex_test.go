package fhir

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func testReindexer(store Storage) *Reindexer {
	return NewReindexer(store, NewExtractor(MustDefaultRegistry()),
		NewCompartmentManager(DefaultPatientCompartment()), zerolog.Nop())
}

func TestReindexRebuildsDerivedState(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Rebuild"))
	obs := mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 88, "mg/dL", "2024-03-03"))

	// Wipe every derived table; versions stay authoritative.
	for _, r := range []*Resource{patient, obs} {
		store.ReplaceIndex(ctx, r.Type, r.ID, nil)
		store.ReplaceEdges(ctx, r.Type, r.ID, nil)
		store.ReplaceMembership(ctx, r.Type, r.ID, nil)
	}
	if got := mustSearch(t, engine, "Patient", map[string][]string{"family": {"Rebuild"}}); len(got.Matches) != 0 {
		t.Fatal("index wipe did not take effect")
	}

	stats, err := testReindexer(store).Run(ctx, "", nil)
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Processed != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 processed", stats)
	}

	if got := mustSearch(t, engine, "Patient", map[string][]string{"family": {"Rebuild"}}); len(got.Matches) != 1 {
		t.Error("search index was not rebuilt")
	}
	edges, _ := store.EdgesFrom(ctx, "Observation", obs.ID)
	if len(edges) == 0 {
		t.Error("reference edges were not rebuilt")
	}
	members, _ := store.MembersOf(ctx, "Patient", patient.ID)
	if !membershipKeys(members)[patient.ID+"<-Observation/"+obs.ID] {
		t.Error("compartment membership was not rebuilt")
	}
}

func TestReindexScopedToOneType(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Scoped"))
	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 88, "mg/dL", "2024-03-03"))

	stats, err := testReindexer(store).Run(ctx, "Observation", nil)
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("processed = %d, want only the observation", stats.Processed)
	}
}

func TestReindexSkipsTombstones(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Gone"))
	if err := engine.Delete(ctx, "Patient", patient.ID, -1); err != nil {
		t.Fatalf("Delete unexpected error: %v", err)
	}

	stats, err := testReindexer(store).Run(ctx, "Patient", nil)
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("processed = %d, tombstones should not be reindexed", stats.Processed)
	}
}

func TestReindexEmitsProgress(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Progress"))
	for i := 0; i < 3; i++ {
		mustCreate(t, engine, "Observation",
			glucoseObservation("Patient/"+patient.ID, float64(90+i), "mg/dL", "2024-03-03"))
	}

	r := testReindexer(store)
	r.ProgressEvery = 1

	progress := make(chan ReindexProgress, 16)
	stats, err := r.Run(ctx, "Observation", progress)
	close(progress)
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Processed != 3 {
		t.Fatalf("processed = %d, want 3", stats.Processed)
	}

	var reports []ReindexProgress
	for p := range progress {
		reports = append(reports, p)
	}
	// One report per resource plus the final summary.
	if len(reports) != 4 {
		t.Fatalf("reports = %d, want 4", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Processed != 3 || last.ResourceType != "Observation" {
		t.Errorf("final report = %+v", last)
	}
}
