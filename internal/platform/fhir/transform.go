package fhir

import (
	"encoding/json"
	"fmt"
)

// FHIRVersion identifies a wire-format FHIR version.
type FHIRVersion string

const (
	VersionR4 FHIRVersion = "4.0"
	VersionR5 FHIRVersion = "5.0"
)

// roundTripExtensionURL carries R5-only content that has no R4 equivalent, so
// a resource accepted as R5 can be returned as R5 without loss. The canonical
// stored form is always R4.
const roundTripExtensionURL = "https://fhirstore.dev/StructureDefinition/r5-roundtrip"

// Transformer converts resource bodies between wire versions and the R4
// canonical form used by storage and indexing. Transforms are pure: inputs
// are never mutated.
type Transformer struct{}

// NewTransformer creates a version transformer.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// ToCanonical converts a wire-format body to canonical R4.
func (t *Transformer) ToCanonical(version FHIRVersion, body map[string]interface{}) (map[string]interface{}, error) {
	switch version {
	case "", VersionR4:
		return CloneBody(body), nil
	case VersionR5:
		return t.r5ToR4(CloneBody(body))
	default:
		return nil, &ValidationError{Diagnostics: fmt.Sprintf("unsupported FHIR version %q", string(version))}
	}
}

// FromCanonical converts a canonical R4 body to the requested wire version.
func (t *Transformer) FromCanonical(version FHIRVersion, body map[string]interface{}) (map[string]interface{}, error) {
	switch version {
	case "", VersionR4:
		return CloneBody(body), nil
	case VersionR5:
		return t.r4ToR5(CloneBody(body))
	default:
		return nil, &ValidationError{Diagnostics: fmt.Sprintf("unsupported FHIR version %q", string(version))}
	}
}

// r5ToR4 rewrites the R5 structural differences this engine understands and
// stashes anything R4 cannot express in the round-trip extension.
func (t *Transformer) r5ToR4(body map[string]interface{}) (map[string]interface{}, error) {
	resourceType, _ := body["resourceType"].(string)
	preserved := map[string]interface{}{}

	switch resourceType {
	case "MedicationRequest":
		// R5 folds medication[x] into a single element with concept or
		// reference branches.
		if med, ok := body["medication"].(map[string]interface{}); ok {
			if concept, ok := med["concept"]; ok {
				body["medicationCodeableConcept"] = concept
			} else if ref, ok := med["reference"]; ok {
				body["medicationReference"] = ref
			} else {
				preserved["medication"] = med
			}
			delete(body, "medication")
		}

	case "Encounter":
		if period, ok := body["actualPeriod"]; ok {
			body["period"] = period
			delete(body, "actualPeriod")
		}
		// R5 class is a list of CodeableConcept; R4 keeps a single Coding.
		if classes, ok := body["class"].([]interface{}); ok {
			var first map[string]interface{}
			if len(classes) > 0 {
				cc, _ := classes[0].(map[string]interface{})
				if codings, ok := cc["coding"].([]interface{}); ok && len(codings) > 0 {
					first, _ = codings[0].(map[string]interface{})
				}
			}
			if first != nil {
				body["class"] = first
			} else {
				delete(body, "class")
			}
			if len(classes) > 1 {
				preserved["class"] = classes[1:]
			}
		}
	}

	if len(preserved) > 0 {
		if err := attachRoundTrip(body, preserved); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// r4ToR5 is the inverse rewrite, restoring any preserved R5-only content.
func (t *Transformer) r4ToR5(body map[string]interface{}) (map[string]interface{}, error) {
	resourceType, _ := body["resourceType"].(string)
	preserved, err := detachRoundTrip(body)
	if err != nil {
		return nil, err
	}

	switch resourceType {
	case "MedicationRequest":
		if concept, ok := body["medicationCodeableConcept"]; ok {
			body["medication"] = map[string]interface{}{"concept": concept}
			delete(body, "medicationCodeableConcept")
		} else if ref, ok := body["medicationReference"]; ok {
			body["medication"] = map[string]interface{}{"reference": ref}
			delete(body, "medicationReference")
		} else if med, ok := preserved["medication"]; ok {
			body["medication"] = med
			delete(preserved, "medication")
		}

	case "Encounter":
		if period, ok := body["period"]; ok {
			body["actualPeriod"] = period
			delete(body, "period")
		}
		if class, ok := body["class"].(map[string]interface{}); ok {
			concepts := []interface{}{
				map[string]interface{}{"coding": []interface{}{class}},
			}
			if extra, ok := preserved["class"].([]interface{}); ok {
				concepts = append(concepts, extra...)
				delete(preserved, "class")
			}
			body["class"] = concepts
		} else if extra, ok := preserved["class"].([]interface{}); ok {
			body["class"] = extra
			delete(preserved, "class")
		}
	}

	// Anything left over never found a structural home; surface it verbatim.
	for key, val := range preserved {
		if _, exists := body[key]; !exists {
			body[key] = val
		}
	}
	return body, nil
}

// attachRoundTrip appends the preserved payload as an extension on the body.
func attachRoundTrip(body map[string]interface{}, preserved map[string]interface{}) error {
	payload, err := json.Marshal(preserved)
	if err != nil {
		return &ValidationError{Diagnostics: fmt.Sprintf("encode round-trip payload: %v", err)}
	}
	ext := map[string]interface{}{
		"url":         roundTripExtensionURL,
		"valueString": string(payload),
	}
	existing, _ := body["extension"].([]interface{})
	body["extension"] = append(existing, ext)
	return nil
}

// detachRoundTrip removes and decodes the round-trip extension, if present.
func detachRoundTrip(body map[string]interface{}) (map[string]interface{}, error) {
	preserved := map[string]interface{}{}
	extensions, ok := body["extension"].([]interface{})
	if !ok {
		return preserved, nil
	}

	var kept []interface{}
	for _, raw := range extensions {
		ext, ok := raw.(map[string]interface{})
		if ok && ext["url"] == roundTripExtensionURL {
			payload, _ := ext["valueString"].(string)
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &preserved); err != nil {
					return nil, &ValidationError{Diagnostics: fmt.Sprintf("decode round-trip payload: %v", err)}
				}
			}
			continue
		}
		kept = append(kept, raw)
	}
	if len(kept) > 0 {
		body["extension"] = kept
	} else {
		delete(body, "extension")
	}
	return preserved, nil
}
