package fhir

import (
	"reflect"
	"testing"
	"time"
)

func extractBody(t *testing.T, resourceType string, body map[string]interface{}) *ExtractResult {
	t.Helper()
	x := NewExtractor(MustDefaultRegistry())
	res := &Resource{Type: resourceType, ID: "r1", VersionID: 1, Body: body}
	out, err := x.Extract(res, nil)
	if err != nil {
		t.Fatalf("Extract unexpected error: %v", err)
	}
	return out
}

func entriesFor(result *ExtractResult, param string) []IndexEntry {
	var out []IndexEntry
	for _, e := range result.Entries {
		if e.Param == param {
			out = append(out, e)
		}
	}
	return out
}

func TestExtractTokenFanOut(t *testing.T) {
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "2339-0"},
				map[string]interface{}{"system": "http://snomed.info/sct", "code": "33747003"},
			},
		},
	})

	codes := entriesFor(result, "code")
	if len(codes) != 2 {
		t.Fatalf("code entries = %d, want 2 (one per coding)", len(codes))
	}
	for _, e := range codes {
		if e.Type != SearchParamToken {
			t.Errorf("entry type = %v, want token", e.Type)
		}
	}
	if codes[0].System != "http://loinc.org" || codes[0].Value != "2339-0" {
		t.Errorf("first coding = %s|%s", codes[0].System, codes[0].Value)
	}
}

func TestExtractTokenLowercases(t *testing.T) {
	result := extractBody(t, "Encounter", map[string]interface{}{
		"resourceType": "Encounter",
		"status":       "FINISHED",
	})
	status := entriesFor(result, "status")
	if len(status) != 1 || status[0].Value != "finished" {
		t.Errorf("status entries = %v, want one lowercased value", status)
	}
}

func TestExtractStringLeaves(t *testing.T) {
	result := extractBody(t, "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": "Nkemelu",
				"given":  []interface{}{"Dan", "E"},
			},
		},
	})

	name := entriesFor(result, "name")
	got := map[string]bool{}
	for _, e := range name {
		got[e.Value] = true
	}
	// The whole HumanName flattens into its string leaves; "use" is skipped.
	for _, want := range []string{"Nkemelu", "Dan", "E"} {
		if !got[want] {
			t.Errorf("name entries miss %q: %v", want, got)
		}
	}
	if got["official"] {
		t.Error("name entries include the use code")
	}

	family := entriesFor(result, "family")
	if len(family) != 1 || family[0].Value != "Nkemelu" {
		t.Errorf("family entries = %v", family)
	}
}

func TestExtractDateWidensPartialPrecision(t *testing.T) {
	result := extractBody(t, "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "1990-06",
	})
	bd := entriesFor(result, "birthdate")
	if len(bd) != 1 {
		t.Fatalf("birthdate entries = %d, want 1", len(bd))
	}
	wantStart := time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(1990, 7, 1, 0, 0, 0, 0, time.UTC)
	if !bd[0].Start.Equal(wantStart) || !bd[0].End.Equal(wantEnd) {
		t.Errorf("birthdate range = [%v, %v), want [%v, %v)", bd[0].Start, bd[0].End, wantStart, wantEnd)
	}
}

func TestExtractPeriodRange(t *testing.T) {
	result := extractBody(t, "Encounter", map[string]interface{}{
		"resourceType": "Encounter",
		"period":       map[string]interface{}{"start": "2024-02-01", "end": "2024-02-03"},
	})
	date := entriesFor(result, "date")
	if len(date) != 1 {
		t.Fatalf("date entries = %d, want 1", len(date))
	}
	wantStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC) // day precision widens the end
	if !date[0].Start.Equal(wantStart) || !date[0].End.Equal(wantEnd) {
		t.Errorf("period range = [%v, %v)", date[0].Start, date[0].End)
	}
}

func TestExtractOpenEndedPeriod(t *testing.T) {
	result := extractBody(t, "Encounter", map[string]interface{}{
		"resourceType": "Encounter",
		"period":       map[string]interface{}{"start": "2024-02-01"},
	})
	date := entriesFor(result, "date")
	if len(date) != 1 {
		t.Fatalf("date entries = %d, want 1", len(date))
	}
	if date[0].End.Year() != 9999 {
		t.Errorf("open-ended period end = %v, want the representable maximum", date[0].End)
	}
}

func TestExtractQuantityCanonicalization(t *testing.T) {
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"valueQuantity": map[string]interface{}{
			"value":  5.0,
			"code":   "kg",
			"system": "http://unitsofmeasure.org",
		},
	})
	vq := entriesFor(result, "value-quantity")
	if len(vq) != 1 {
		t.Fatalf("value-quantity entries = %d, want 1", len(vq))
	}
	if vq[0].Number != 5000 || vq[0].Unit != "g" {
		t.Errorf("canonicalized quantity = %v %s, want 5000 g", vq[0].Number, vq[0].Unit)
	}
}

func TestExtractUnknownUnitKeptRaw(t *testing.T) {
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"valueQuantity": map[string]interface{}{
			"value":  12.0,
			"code":   "widgets",
			"system": "http://example.org/Units",
		},
	})
	vq := entriesFor(result, "value-quantity")
	if len(vq) != 1 {
		t.Fatalf("value-quantity entries = %d, want 1", len(vq))
	}
	if vq[0].Number != 12 || vq[0].Unit != "widgets" || vq[0].System != "http://example.org/units" {
		t.Errorf("raw quantity = %+v", vq[0])
	}
}

func TestExtractCompositeKeepsComponentsCorrelated(t *testing.T) {
	result := extractBody(t, "Observation",
		glucoseObservation("Patient/p1", 140, "mg/dL", "2024-01-01"))

	comps := entriesFor(result, "code-value-quantity")
	if len(comps) != 1 {
		t.Fatalf("composite entries = %d, want 1", len(comps))
	}
	if len(comps[0].Components) != 2 {
		t.Fatalf("composite components = %d, want 2", len(comps[0].Components))
	}
	if comps[0].Components[0].Value != "2339-0" {
		t.Errorf("composite code component = %q", comps[0].Components[0].Value)
	}
	if comps[0].Components[1].Number != 140 {
		t.Errorf("composite quantity component = %v", comps[0].Components[1].Number)
	}
}

func TestExtractCompositeDropsIncompleteNodes(t *testing.T) {
	// No valueQuantity: the composite must not appear with a partial tuple.
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "2339-0"},
			},
		},
	})
	if comps := entriesFor(result, "code-value-quantity"); len(comps) != 0 {
		t.Errorf("incomplete composite extracted: %v", comps)
	}
}

func TestExtractReferenceEdgeAndEntry(t *testing.T) {
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/p9"},
	})

	subj := entriesFor(result, "subject")
	if len(subj) != 1 || subj[0].Value != "Patient/p9" {
		t.Errorf("subject entries = %v", subj)
	}

	var subjectEdges []ReferenceEdge
	for _, e := range result.Edges {
		if e.Param == "subject" {
			subjectEdges = append(subjectEdges, e)
		}
	}
	if len(subjectEdges) != 1 {
		t.Fatalf("subject edges = %d, want 1", len(subjectEdges))
	}
	edge := subjectEdges[0]
	if edge.ToType != "Patient" || edge.ToID != "p9" || edge.Dangling {
		t.Errorf("subject edge = %+v", edge)
	}
}

func TestExtractSyntheticReferenceIsDanglingWithoutContext(t *testing.T) {
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "urn:uuid:feed-beef"},
	})

	if subj := entriesFor(result, "subject"); len(subj) != 0 {
		t.Errorf("dangling reference still produced index entries: %v", subj)
	}
	found := false
	for _, e := range result.Edges {
		if e.Param == "subject" && e.Dangling {
			found = true
		}
	}
	if !found {
		t.Error("dangling edge was not recorded")
	}
}

func TestExtractSyntheticReferenceResolvesThroughContext(t *testing.T) {
	x := NewExtractor(MustDefaultRegistry())
	ictx := NewImportContext()
	ictx.Map("urn:uuid:feed-beef", Ref{Type: "Patient", ID: "p7"})

	res := &Resource{Type: "Observation", ID: "o1", VersionID: 1, Body: map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "urn:uuid:feed-beef"},
	}}
	result, err := x.Extract(res, ictx)
	if err != nil {
		t.Fatalf("Extract unexpected error: %v", err)
	}

	subj := entriesFor(result, "subject")
	if len(subj) != 1 || subj[0].Value != "Patient/p7" {
		t.Errorf("resolved subject entries = %v", subj)
	}
}

func TestExtractReferenceTargetFilter(t *testing.T) {
	// "patient" only targets Patient; a Device subject indexes under
	// "subject" but not under "patient".
	result := extractBody(t, "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Device/d1"},
	})
	if subj := entriesFor(result, "subject"); len(subj) != 1 {
		t.Errorf("subject entries = %v, want the device reference", subj)
	}
	if pat := entriesFor(result, "patient"); len(pat) != 0 {
		t.Errorf("patient entries = %v, want none for a device subject", pat)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	body := glucoseObservation("Patient/p1", 99, "mg/dL", "2024-05-05")
	first := extractBody(t, "Observation", body)
	second := extractBody(t, "Observation", body)
	if !reflect.DeepEqual(first.Entries, second.Entries) {
		t.Error("repeated extraction produced different entry sequences")
	}
}
