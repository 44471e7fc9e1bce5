package fhir

import (
	"fmt"
	"sort"
)

// SearchParamType defines the FHIR search parameter type.
type SearchParamType int

const (
	SearchParamToken     SearchParamType = iota // status, code, identifier (system|code)
	SearchParamDate                             // supports prefixes (gt, lt, ge, le, eq, ne)
	SearchParamString                           // case-insensitive prefix match, :exact, :contains
	SearchParamReference                        // "ResourceType/id" or bare id
	SearchParamNumber                           // numeric with prefixes
	SearchParamQuantity                         // number with unit, canonicalized where possible
	SearchParamURI                              // exact match
	SearchParamComposite                        // correlated sub-components of one node
)

func (t SearchParamType) String() string {
	switch t {
	case SearchParamToken:
		return "token"
	case SearchParamDate:
		return "date"
	case SearchParamString:
		return "string"
	case SearchParamReference:
		return "reference"
	case SearchParamNumber:
		return "number"
	case SearchParamQuantity:
		return "quantity"
	case SearchParamURI:
		return "uri"
	case SearchParamComposite:
		return "composite"
	}
	return "unknown"
}

// SearchComponent is one correlated sub-component of a composite parameter.
// The expression is evaluated relative to the composite root node, so
// components never cross-match between unrelated repeated elements.
type SearchComponent struct {
	Name       string
	Expression string
	Type       SearchParamType
}

// SearchParamDef declares one search parameter: the path expression that
// selects matching nodes and the value type extracted from them.
type SearchParamDef struct {
	Code       string   // name used in search queries
	Base       []string // resource types this applies to
	Type       SearchParamType
	Expression string   // path expression, relative to the resource root
	Targets    []string // allowed target types for reference params
	Components []SearchComponent
}

// SearchParamRegistry is an immutable lookup of search parameter definitions,
// injected into the extractor and planner at construction. There is no
// ambient global registry.
type SearchParamRegistry struct {
	byType map[string][]SearchParamDef
	byKey  map[string]SearchParamDef
}

// NewSearchParamRegistry builds a registry from definitions. Duplicate
// (base, code) pairs are rejected so configuration mistakes surface early.
func NewSearchParamRegistry(defs []SearchParamDef) (*SearchParamRegistry, error) {
	r := &SearchParamRegistry{
		byType: make(map[string][]SearchParamDef),
		byKey:  make(map[string]SearchParamDef),
	}
	for _, def := range defs {
		if def.Code == "" || def.Expression == "" && def.Type != SearchParamComposite {
			return nil, fmt.Errorf("search parameter %q: code and expression are required", def.Code)
		}
		for _, base := range def.Base {
			key := base + "|" + def.Code
			if _, exists := r.byKey[key]; exists {
				return nil, fmt.Errorf("duplicate search parameter %s on %s", def.Code, base)
			}
			r.byKey[key] = def
			r.byType[base] = append(r.byType[base], def)
		}
	}
	return r, nil
}

// Lookup returns the definition of code on resourceType.
func (r *SearchParamRegistry) Lookup(resourceType, code string) (SearchParamDef, bool) {
	def, ok := r.byKey[resourceType+"|"+code]
	return def, ok
}

// ForType returns all definitions applying to a resource type.
func (r *SearchParamRegistry) ForType(resourceType string) []SearchParamDef {
	return r.byType[resourceType]
}

// ResourceTypes returns the resource types with at least one definition,
// sorted for deterministic iteration.
func (r *SearchParamRegistry) ResourceTypes() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// KnownTypes returns the registry's resource types as a membership set for
// write-time validation.
func (r *SearchParamRegistry) KnownTypes() map[string]bool {
	known := make(map[string]bool, len(r.byType))
	for t := range r.byType {
		known[t] = true
	}
	return known
}

// DefaultSearchParams returns the built-in R4 search parameter definitions.
// Deployments append their own definitions before building the registry.
func DefaultSearchParams() []SearchParamDef {
	return []SearchParamDef{
		// Patient
		{Code: "identifier", Base: []string{"Patient"}, Type: SearchParamToken, Expression: "identifier"},
		{Code: "name", Base: []string{"Patient"}, Type: SearchParamString, Expression: "name"},
		{Code: "family", Base: []string{"Patient"}, Type: SearchParamString, Expression: "name.family"},
		{Code: "given", Base: []string{"Patient"}, Type: SearchParamString, Expression: "name.given"},
		{Code: "birthdate", Base: []string{"Patient"}, Type: SearchParamDate, Expression: "birthDate"},
		{Code: "gender", Base: []string{"Patient"}, Type: SearchParamToken, Expression: "gender"},
		{Code: "address-city", Base: []string{"Patient"}, Type: SearchParamString, Expression: "address.city"},
		{Code: "organization", Base: []string{"Patient"}, Type: SearchParamReference, Expression: "managingOrganization", Targets: []string{"Organization"}},

		// Observation
		{Code: "code", Base: []string{"Observation"}, Type: SearchParamToken, Expression: "code"},
		{Code: "status", Base: []string{"Observation"}, Type: SearchParamToken, Expression: "status"},
		{Code: "category", Base: []string{"Observation"}, Type: SearchParamToken, Expression: "category"},
		{Code: "date", Base: []string{"Observation"}, Type: SearchParamDate, Expression: "effectiveDateTime | effectivePeriod"},
		{Code: "value-quantity", Base: []string{"Observation"}, Type: SearchParamQuantity, Expression: "valueQuantity"},
		{Code: "subject", Base: []string{"Observation"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		{Code: "patient", Base: []string{"Observation"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Base: []string{"Observation"}, Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Code: "performer", Base: []string{"Observation"}, Type: SearchParamReference, Expression: "performer", Targets: []string{"Practitioner", "Organization"}},
		{Code: "code-value-quantity", Base: []string{"Observation"}, Type: SearchParamComposite, Expression: "Observation",
			Components: []SearchComponent{
				{Name: "code", Expression: "code", Type: SearchParamToken},
				{Name: "value-quantity", Expression: "valueQuantity", Type: SearchParamQuantity},
			}},

		// Condition
		{Code: "code", Base: []string{"Condition"}, Type: SearchParamToken, Expression: "code"},
		{Code: "clinical-status", Base: []string{"Condition"}, Type: SearchParamToken, Expression: "clinicalStatus"},
		{Code: "subject", Base: []string{"Condition"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Code: "patient", Base: []string{"Condition"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Base: []string{"Condition"}, Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Code: "recorded-date", Base: []string{"Condition"}, Type: SearchParamDate, Expression: "recordedDate"},

		// Encounter
		{Code: "status", Base: []string{"Encounter"}, Type: SearchParamToken, Expression: "status"},
		{Code: "class", Base: []string{"Encounter"}, Type: SearchParamToken, Expression: "class"},
		{Code: "date", Base: []string{"Encounter"}, Type: SearchParamDate, Expression: "period"},
		{Code: "subject", Base: []string{"Encounter"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Code: "patient", Base: []string{"Encounter"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "service-provider", Base: []string{"Encounter"}, Type: SearchParamReference, Expression: "serviceProvider", Targets: []string{"Organization"}},

		// MedicationRequest
		{Code: "status", Base: []string{"MedicationRequest"}, Type: SearchParamToken, Expression: "status"},
		{Code: "medication", Base: []string{"MedicationRequest"}, Type: SearchParamToken, Expression: "medicationCodeableConcept"},
		{Code: "subject", Base: []string{"MedicationRequest"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Code: "patient", Base: []string{"MedicationRequest"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Base: []string{"MedicationRequest"}, Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Code: "authoredon", Base: []string{"MedicationRequest"}, Type: SearchParamDate, Expression: "authoredOn"},

		// Procedure
		{Code: "code", Base: []string{"Procedure"}, Type: SearchParamToken, Expression: "code"},
		{Code: "status", Base: []string{"Procedure"}, Type: SearchParamToken, Expression: "status"},
		{Code: "date", Base: []string{"Procedure"}, Type: SearchParamDate, Expression: "performedDateTime | performedPeriod"},
		{Code: "subject", Base: []string{"Procedure"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Code: "patient", Base: []string{"Procedure"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Base: []string{"Procedure"}, Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},

		// DiagnosticReport
		{Code: "code", Base: []string{"DiagnosticReport"}, Type: SearchParamToken, Expression: "code"},
		{Code: "status", Base: []string{"DiagnosticReport"}, Type: SearchParamToken, Expression: "status"},
		{Code: "date", Base: []string{"DiagnosticReport"}, Type: SearchParamDate, Expression: "effectiveDateTime | effectivePeriod"},
		{Code: "subject", Base: []string{"DiagnosticReport"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Code: "patient", Base: []string{"DiagnosticReport"}, Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Base: []string{"DiagnosticReport"}, Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Code: "result", Base: []string{"DiagnosticReport"}, Type: SearchParamReference, Expression: "result", Targets: []string{"Observation"}},

		// Organization / Practitioner (reference targets for chaining)
		{Code: "name", Base: []string{"Organization", "Practitioner"}, Type: SearchParamString, Expression: "name"},
		{Code: "identifier", Base: []string{"Organization", "Practitioner", "Observation", "Condition", "Encounter"}, Type: SearchParamToken, Expression: "identifier"},
	}
}

// MustDefaultRegistry builds the default registry and panics on definition
// errors. The defaults are covered by tests, so a panic here is a programming
// error, not a runtime condition.
func MustDefaultRegistry() *SearchParamRegistry {
	r, err := NewSearchParamRegistry(DefaultSearchParams())
	if err != nil {
		panic(err)
	}
	return r
}
