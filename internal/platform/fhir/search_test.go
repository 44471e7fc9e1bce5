package fhir

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestStringSearchModifiers(t *testing.T) {
	engine, _ := testEngine(t)
	mustCreate(t, engine, "Patient", patientBody("Eriksson", "Sven"))
	mustCreate(t, engine, "Patient", patientBody("Eriks"))
	mustCreate(t, engine, "Patient", patientBody("Nilsson"))

	tests := []struct {
		name  string
		query map[string][]string
		want  int
	}{
		{"prefix default", map[string][]string{"family": {"erik"}}, 2},
		{"prefix full", map[string][]string{"family": {"eriksson"}}, 1},
		{"exact", map[string][]string{"family:exact": {"Eriks"}}, 1},
		{"exact case sensitive", map[string][]string{"family:exact": {"eriks"}}, 0},
		{"contains", map[string][]string{"name:contains": {"ssON"}}, 2},
		{"no match", map[string][]string{"family": {"berg"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := mustSearch(t, engine, "Patient", tt.query)
			if len(result.Matches) != tt.want {
				t.Errorf("got %d matches, want %d", len(result.Matches), tt.want)
			}
		})
	}
}

func TestTokenSearchForms(t *testing.T) {
	engine, _ := testEngine(t)
	mustCreate(t, engine, "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://hospital.example/mrn", "value": "A-1"},
		},
	})
	mustCreate(t, engine, "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://other.example/mrn", "value": "A-1"},
		},
	})

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"bare code any system", "A-1", 2},
		{"system and code", "http://hospital.example/mrn|A-1", 1},
		{"system only", "http://other.example/mrn|", 1},
		{"case folded", "a-1", 2},
		{"wrong system", "http://nowhere.example|A-1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := mustSearch(t, engine, "Patient", map[string][]string{"identifier": {tt.value}})
			if len(result.Matches) != tt.want {
				t.Errorf("identifier=%s: got %d matches, want %d", tt.value, len(result.Matches), tt.want)
			}
		})
	}
}

func TestOrValuesAndAndParams(t *testing.T) {
	engine, _ := testEngine(t)
	patient := mustCreate(t, engine, "Patient", patientBody("Tanaka"))

	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 90, "mg/dL", "2024-01-15"))

	amended := glucoseObservation("Patient/"+patient.ID, 91, "mg/dL", "2024-01-15")
	amended["status"] = "amended"
	mustCreate(t, engine, "Observation", amended)

	registered := glucoseObservation("Patient/"+patient.ID, 92, "mg/dL", "2024-01-15")
	registered["status"] = "registered"
	mustCreate(t, engine, "Observation", registered)

	// Comma values OR together.
	orResult := mustSearch(t, engine, "Observation", map[string][]string{"status": {"final,amended"}})
	if len(orResult.Matches) != 2 {
		t.Errorf("OR query: got %d matches, want 2", len(orResult.Matches))
	}

	// Distinct parameters AND together.
	andResult := mustSearch(t, engine, "Observation", map[string][]string{
		"status":         {"final,amended"},
		"value-quantity": {"lt91"},
	})
	if len(andResult.Matches) != 1 {
		t.Errorf("AND query: got %d matches, want 1", len(andResult.Matches))
	}
}

func TestQuantityUnitCanonicalization(t *testing.T) {
	engine, _ := testEngine(t)
	patient := mustCreate(t, engine, "Patient", patientBody("Weiss"))

	weight := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "29463-7"},
			},
		},
		"subject": map[string]interface{}{"reference": "Patient/" + patient.ID},
		"valueQuantity": map[string]interface{}{
			"value": 1.2, "code": "kg", "system": "http://unitsofmeasure.org",
		},
	}
	mustCreate(t, engine, "Observation", weight)

	// 1.2 kg is stored canonically as 1200 g; a query in grams finds it.
	result := mustSearch(t, engine, "Observation", map[string][]string{
		"value-quantity": {"gt1000|http://unitsofmeasure.org|g"},
	})
	if len(result.Matches) != 1 {
		t.Errorf("gram query over kg entry: got %d matches, want 1", len(result.Matches))
	}

	// And so does the original unit.
	result = mustSearch(t, engine, "Observation", map[string][]string{
		"value-quantity": {"eq1.2|http://unitsofmeasure.org|kg"},
	})
	if len(result.Matches) != 1 {
		t.Errorf("kg query: got %d matches, want 1", len(result.Matches))
	}
}

func TestCompositeSearchMatchesCorrelatedValues(t *testing.T) {
	engine, _ := testEngine(t)
	patient := mustCreate(t, engine, "Patient", patientBody("Haddad"))

	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 110, "mg/dL", "2024-03-01"))

	hit := mustSearch(t, engine, "Observation", map[string][]string{
		"code-value-quantity": {"http://loinc.org|2339-0$gt100"},
	})
	if len(hit.Matches) != 1 {
		t.Errorf("composite hit: got %d matches, want 1", len(hit.Matches))
	}

	miss := mustSearch(t, engine, "Observation", map[string][]string{
		"code-value-quantity": {"http://loinc.org|2339-0$gt200"},
	})
	if len(miss.Matches) != 0 {
		t.Errorf("composite miss: got %d matches, want 0", len(miss.Matches))
	}
}

func TestChainedSearch(t *testing.T) {
	engine, _ := testEngine(t)
	smith := mustCreate(t, engine, "Patient", patientBody("Smith"))
	jones := mustCreate(t, engine, "Patient", patientBody("Jones"))

	obsSmith := mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+smith.ID, 100, "mg/dL", "2024-01-01"))
	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+jones.ID, 100, "mg/dL", "2024-01-01"))

	result := mustSearch(t, engine, "Observation", map[string][]string{
		"subject.family": {"Smith"},
	})
	if len(result.Matches) != 1 || result.Matches[0].ID != obsSmith.ID {
		t.Fatalf("chained search: got %d matches, want the Smith observation", len(result.Matches))
	}

	typed := mustSearch(t, engine, "Observation", map[string][]string{
		"subject:Patient.family": {"Jones"},
	})
	if len(typed.Matches) != 1 {
		t.Errorf("typed chain: got %d matches, want 1", len(typed.Matches))
	}
}

func TestIncludeAndRevInclude(t *testing.T) {
	engine, _ := testEngine(t)
	patient := mustCreate(t, engine, "Patient", patientBody("Novak"))
	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 99, "mg/dL", "2024-04-04"))

	withInclude := mustSearch(t, engine, "Observation", map[string][]string{
		"status":   {"final"},
		"_include": {"Observation:subject"},
	})
	if len(withInclude.Included) != 1 {
		t.Fatalf("_include: got %d included, want 1", len(withInclude.Included))
	}
	if withInclude.Included[0].ID != patient.ID {
		t.Errorf("_include returned %s, want patient %s", withInclude.Included[0].ID, patient.ID)
	}

	withRev := mustSearch(t, engine, "Patient", map[string][]string{
		"family":      {"Novak"},
		"_revinclude": {"Observation:subject"},
	})
	if len(withRev.Included) != 1 {
		t.Errorf("_revinclude: got %d included, want 1", len(withRev.Included))
	}
}

func TestMissingModifier(t *testing.T) {
	engine, _ := testEngine(t)
	mustCreate(t, engine, "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "1985-02-20",
	})
	without := mustCreate(t, engine, "Patient", patientBody("Unknown"))

	missing := mustSearch(t, engine, "Patient", map[string][]string{"birthdate:missing": {"true"}})
	if len(missing.Matches) != 1 || missing.Matches[0].ID != without.ID {
		t.Errorf(":missing=true: got %d matches", len(missing.Matches))
	}

	present := mustSearch(t, engine, "Patient", map[string][]string{"birthdate:missing": {"false"}})
	if len(present.Matches) != 1 {
		t.Errorf(":missing=false: got %d matches, want 1", len(present.Matches))
	}
}

func TestSortAndKeysetPagination(t *testing.T) {
	engine, _ := testEngine(t)
	for _, family := range []string{"Adams", "Baker", "Clark", "Davis", "Evans"} {
		mustCreate(t, engine, "Patient", patientBody(family))
	}

	page1 := mustSearch(t, engine, "Patient", map[string][]string{
		"_sort":  {"family"},
		"_count": {"2"},
	})
	if len(page1.Matches) != 2 || page1.Total != 5 {
		t.Fatalf("page 1: %d matches, total %d", len(page1.Matches), page1.Total)
	}
	if page1.NextCursor == "" {
		t.Fatal("page 1 has no next cursor")
	}

	var families []string
	collect := func(r *SearchResult) {
		for _, m := range r.Matches {
			names, _ := m.Body["name"].([]interface{})
			first, _ := names[0].(map[string]interface{})
			families = append(families, first["family"].(string))
		}
	}
	collect(page1)

	cursor := page1.NextCursor
	for cursor != "" {
		page := mustSearch(t, engine, "Patient", map[string][]string{
			"_sort":   {"family"},
			"_count":  {"2"},
			"_cursor": {cursor},
		})
		collect(page)
		cursor = page.NextCursor
	}

	want := []string{"Adams", "Baker", "Clark", "Davis", "Evans"}
	if strings.Join(families, ",") != strings.Join(want, ",") {
		t.Errorf("paginated order = %v, want %v", families, want)
	}
}

func TestDescendingSort(t *testing.T) {
	engine, _ := testEngine(t)
	patient := mustCreate(t, engine, "Patient", patientBody("Petrov"))
	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 90, "mg/dL", "2024-01-01"))
	mustCreate(t, engine, "Observation",
		glucoseObservation("Patient/"+patient.ID, 95, "mg/dL", "2024-06-01"))

	result := mustSearch(t, engine, "Observation", map[string][]string{"_sort": {"-date"}})
	if len(result.Matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(result.Matches))
	}
	if result.Matches[0].Body["effectiveDateTime"] != "2024-06-01" {
		t.Errorf("descending date sort returned %v first", result.Matches[0].Body["effectiveDateTime"])
	}
}

func TestTamperedCursorRejected(t *testing.T) {
	engine, _ := testEngine(t)
	mustCreate(t, engine, "Patient", patientBody("Lindgren"))
	mustCreate(t, engine, "Patient", patientBody("Larsson"))

	page := mustSearch(t, engine, "Patient", map[string][]string{
		"_sort": {"family"}, "_count": {"1"},
	})
	if page.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	tampered := page.NextCursor[:len(page.NextCursor)-2] + "xx"
	req, err := ParseSearchRequest("Patient", map[string][]string{
		"_sort": {"family"}, "_count": {"1"}, "_cursor": {tampered},
	})
	if err != nil {
		t.Fatalf("ParseSearchRequest unexpected error: %v", err)
	}
	_, err = engine.Search(context.Background(), req)
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Param != "_cursor" {
		t.Fatalf("expected a _cursor QueryError, got %v", err)
	}
}

func TestScanBudgetMarksPartial(t *testing.T) {
	store := NewMemStorage()
	engine := NewEngine(store, MustDefaultRegistry(), EngineConfig{
		CursorSecret:    []byte("0123456789abcdef0123456789abcdef"),
		DefaultPageSize: 50,
		MaxPageSize:     500,
		ScanBudget:      3,
	}, zerolog.Nop())

	for _, family := range []string{"One", "Two", "Three", "Four", "Five", "Six"} {
		mustCreate(t, engine, "Patient", patientBody(family))
	}

	result := mustSearch(t, engine, "Patient", map[string][]string{})
	if !result.Partial {
		t.Error("expected a partial result under the scan budget")
	}
}

func TestMissingModifierHonorsScanBudget(t *testing.T) {
	store := NewMemStorage()
	engine := NewEngine(store, MustDefaultRegistry(), EngineConfig{
		CursorSecret:    []byte("0123456789abcdef0123456789abcdef"),
		DefaultPageSize: 50,
		MaxPageSize:     500,
		ScanBudget:      3,
	}, zerolog.Nop())

	for i := 0; i < 6; i++ {
		mustCreate(t, engine, "Patient", map[string]interface{}{
			"resourceType": "Patient",
			"birthDate":    "1990-01-01",
		})
	}

	result := mustSearch(t, engine, "Patient", map[string][]string{"birthdate:missing": {"false"}})
	if !result.Partial {
		t.Error("expected a partial result under the scan budget")
	}
	if len(result.Matches) > 3 {
		t.Errorf("scan stopped late: %d matches exceed the budget of 3", len(result.Matches))
	}
}

func TestUnknownSearchParameterRejected(t *testing.T) {
	engine, _ := testEngine(t)
	req, err := ParseSearchRequest("Patient", map[string][]string{"favorite-color": {"blue"}})
	if err != nil {
		t.Fatalf("ParseSearchRequest unexpected error: %v", err)
	}
	if _, err := engine.Search(context.Background(), req); err == nil {
		t.Fatal("expected an error for an unknown search parameter")
	}
}
