package fhir

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseNDJSONBothLineForms(t *testing.T) {
	engine, _ := testEngine(t)
	im := NewImporter(engine, zerolog.Nop())

	input := strings.Join([]string{
		`{"resourceType":"Patient","name":[{"family":"Bare"}]}`,
		``,
		`{"fullUrl":"urn:uuid:aa11","resource":{"resourceType":"Patient","name":[{"family":"Wrapped"}]}}`,
		`{"resourceType":"Patient","id":"known-7","name":[{"family":"WithID"}]}`,
	}, "\n")

	ops, err := im.ParseNDJSON(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseNDJSON unexpected error: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("ops = %d, want 3 (blank line skipped)", len(ops))
	}

	if ops[0].Kind != OpCreate || ops[0].FullURL != "" {
		t.Errorf("bare line op = %+v", ops[0])
	}
	if ops[1].Kind != OpCreate || ops[1].FullURL != "urn:uuid:aa11" {
		t.Errorf("envelope line op = %+v", ops[1])
	}
	// Lines carrying an id become update-as-create upserts.
	if ops[2].Kind != OpUpdate || ops[2].ID != "known-7" || ops[2].ExpectedVersion != -1 {
		t.Errorf("id line op = %+v", ops[2])
	}
}

func TestParseNDJSONRejectsMalformedLines(t *testing.T) {
	engine, _ := testEngine(t)
	im := NewImporter(engine, zerolog.Nop())

	cases := map[string]string{
		"invalid json":        `{"resourceType":`,
		"no resource type":    `{"name":[{"family":"X"}]}`,
		"empty envelope body": `{"fullUrl":"urn:uuid:1"}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := im.ParseNDJSON(strings.NewReader(line))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestImportResolvesSyntheticReferencesAcrossLines(t *testing.T) {
	engine, store := testEngine(t)
	im := NewImporter(engine, zerolog.Nop())
	ctx := context.Background()

	// The observation references the patient declared on a later line.
	input := strings.Join([]string{
		`{"resourceType":"Observation","status":"final","code":{"coding":[{"system":"http://loinc.org","code":"2339-0"}]},"subject":{"reference":"urn:uuid:pat-1"}}`,
		`{"fullUrl":"urn:uuid:pat-1","resource":{"resourceType":"Patient","name":[{"family":"Imported"}]}}`,
	}, "\n")

	stats, err := im.Run(ctx, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Created != 2 || stats.Updated != 0 {
		t.Errorf("stats = %+v, want 2 created", stats)
	}

	result := mustSearch(t, engine, "Patient", map[string][]string{"family": {"Imported"}})
	if len(result.Matches) != 1 {
		t.Fatalf("imported patient not searchable")
	}
	patientID := result.Matches[0].ID

	byPatient := mustSearch(t, engine, "Observation", map[string][]string{"subject": {"Patient/" + patientID}})
	if len(byPatient.Matches) != 1 {
		t.Errorf("observation does not resolve to the imported patient")
	}

	// The synthetic token mapping persists for later arrivals.
	ref, ok, err := store.ResolveSyntheticID(ctx, "urn:uuid:pat-1")
	if err != nil || !ok || ref.ID != patientID {
		t.Errorf("ResolveSyntheticID = (%v, %v, %v)", ref, ok, err)
	}
}

func TestImportIsAtomic(t *testing.T) {
	engine, _ := testEngine(t)
	im := NewImporter(engine, zerolog.Nop())
	ctx := context.Background()

	input := strings.Join([]string{
		`{"resourceType":"Patient","name":[{"family":"ShouldNotLand"}]}`,
		`{"resourceType":"Widget","size":"large"}`,
	}, "\n")

	_, err := im.Run(ctx, strings.NewReader(input))
	var atomic *AtomicFailureError
	if !errors.As(err, &atomic) {
		t.Fatalf("expected AtomicFailureError, got %v", err)
	}
	if atomic.OpIndex != 1 {
		t.Errorf("OpIndex = %d, want 1", atomic.OpIndex)
	}

	result := mustSearch(t, engine, "Patient", map[string][]string{"family": {"ShouldNotLand"}})
	if len(result.Matches) != 0 {
		t.Error("failed import left partial state behind")
	}
}

func TestImportUpdatesExistingResources(t *testing.T) {
	engine, _ := testEngine(t)
	im := NewImporter(engine, zerolog.Nop())
	ctx := context.Background()

	existing := mustCreate(t, engine, "Patient", patientBody("Before"))

	input := `{"resourceType":"Patient","id":"` + existing.ID + `","name":[{"family":"After"}]}`
	stats, err := im.Run(ctx, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 1 {
		t.Errorf("stats = %+v, want 1 updated", stats)
	}

	cur, err := engine.Read(ctx, "Patient", existing.ID)
	if err != nil {
		t.Fatalf("Read unexpected error: %v", err)
	}
	if cur.VersionID != 2 {
		t.Errorf("version = %d, want 2", cur.VersionID)
	}
}
