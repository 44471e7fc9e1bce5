package fhir

import (
	"context"
	"testing"
)

func membershipKeys(ms []CompartmentMembership) map[string]bool {
	out := map[string]bool{}
	for _, m := range ms {
		out[m.CompartmentID+"<-"+m.MemberType+"/"+m.MemberID] = true
	}
	return out
}

func TestDirectCompartmentMembership(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Costa"))
	obs := mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 100, "mg/dL", "2024-01-01"))

	members, err := store.MembersOf(ctx, "Patient", patient.ID)
	if err != nil {
		t.Fatalf("MembersOf unexpected error: %v", err)
	}
	keys := membershipKeys(members)
	if !keys[patient.ID+"<-Patient/"+patient.ID] {
		t.Error("patient is not a member of its own compartment")
	}
	if !keys[patient.ID+"<-Observation/"+obs.ID] {
		t.Error("observation is not a member via its subject link")
	}
}

func TestMembershipFollowsSubjectChange(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	alice := mustCreate(t, engine, "Patient", patientBody("Alice"))
	bob := mustCreate(t, engine, "Patient", patientBody("Bob"))
	obs := mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+alice.ID, 100, "mg/dL", "2024-01-01"))

	moved := glucoseObservation("Patient/"+bob.ID, 100, "mg/dL", "2024-01-01")
	if _, err := engine.Update(ctx, "Observation", obs.ID, moved, -1); err != nil {
		t.Fatalf("Update unexpected error: %v", err)
	}

	aliceMembers, _ := store.MembersOf(ctx, "Patient", alice.ID)
	if membershipKeys(aliceMembers)[alice.ID+"<-Observation/"+obs.ID] {
		t.Error("observation still belongs to the old compartment after the subject changed")
	}
	bobMembers, _ := store.MembersOf(ctx, "Patient", bob.ID)
	if !membershipKeys(bobMembers)[bob.ID+"<-Observation/"+obs.ID] {
		t.Error("observation did not move to the new compartment")
	}
}

func TestOneHopMembershipThroughEncounter(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Hopper"))
	encounter := mustCreate(t, engine, "Encounter", map[string]interface{}{
		"resourceType": "Encounter",
		"status":       "finished",
		"subject":      map[string]interface{}{"reference": "Patient/" + patient.ID},
	})

	// References only the encounter; membership is inherited through it.
	obs := mustCreate(t, engine, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
			},
		},
		"encounter": map[string]interface{}{"reference": "Encounter/" + encounter.ID},
	})

	members, err := store.MembersOf(ctx, "Patient", patient.ID)
	if err != nil {
		t.Fatalf("MembersOf unexpected error: %v", err)
	}
	if !membershipKeys(members)[patient.ID+"<-Observation/"+obs.ID] {
		t.Error("observation did not inherit compartment membership through the encounter")
	}
}

func TestOneHopDeferredUntilIntermediateArrives(t *testing.T) {
	// The observation references an encounter that arrives later in the same
	// batch; the hop settles before commit.
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Lovelace"))
	encToken := "urn:uuid:0d4c9d8a-aaaa-bbbb-cccc-000000000001"

	results, err := engine.ApplyBatch(ctx, []Operation{
		{
			Kind: OpCreate,
			Type: "Observation",
			Body: map[string]interface{}{
				"resourceType": "Observation",
				"status":       "final",
				"code": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
					},
				},
				"encounter": map[string]interface{}{"reference": encToken},
			},
		},
		{
			Kind:    OpCreate,
			Type:    "Encounter",
			FullURL: encToken,
			Body: map[string]interface{}{
				"resourceType": "Encounter",
				"status":       "finished",
				"subject":      map[string]interface{}{"reference": "Patient/" + patient.ID},
			},
		},
	})
	if err != nil {
		t.Fatalf("ApplyBatch unexpected error: %v", err)
	}

	obsID := results[0].Resource.ID
	members, _ := store.MembersOf(ctx, "Patient", patient.ID)
	if !membershipKeys(members)[patient.ID+"<-Observation/"+obsID] {
		t.Error("deferred one-hop membership was not settled by the end of the batch")
	}
}

func TestTombstonedMemberKeepsMembership(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()

	patient := mustCreate(t, engine, "Patient", patientBody("Turing"))
	obs := mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 100, "mg/dL", "2024-01-01"))

	if err := engine.Delete(ctx, "Observation", obs.ID, -1); err != nil {
		t.Fatalf("Delete unexpected error: %v", err)
	}

	members, _ := store.MembersOf(ctx, "Patient", patient.ID)
	if !membershipKeys(members)[patient.ID+"<-Observation/"+obs.ID] {
		t.Error("tombstoned member lost its historical membership rows")
	}
}
