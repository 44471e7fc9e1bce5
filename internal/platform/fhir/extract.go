package fhir

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IndexEntry is one derived search-index row. Entries are regenerated
// wholesale (delete-then-insert) on every version change of the owning
// resource and are never a source of truth.
type IndexEntry struct {
	ResourceType string
	ResourceID   string
	Param        string
	Type         SearchParamType

	System string    // token system (lowercased)
	Value  string    // token code / string value / uri / reference Type/id
	Number float64   // number and quantity values, canonical unit
	Unit   string    // canonical (or raw) quantity unit
	Start  time.Time // date range start, inclusive
	End    time.Time // date range end, exclusive

	// Components holds correlated sub-entries for composite parameters,
	// all extracted from the same document node.
	Components []IndexEntry
}

// ReferenceEdge is a normalized outgoing reference, created alongside index
// entries and used for include expansion and compartment derivation.
type ReferenceEdge struct {
	FromType      string
	FromID        string
	FromVersionID int
	Param         string // search parameter that produced the edge
	Path          string // document path of the reference element
	ToType        string
	ToID          string
	Dangling      bool // target did not resolve at extraction time
}

// Extractor derives index entries and reference edges from resource bodies
// according to an injected search parameter registry. Extraction is
// deterministic and side-effect free; callers may run it speculatively.
type Extractor struct {
	registry *SearchParamRegistry
	engine   *PathEngine
	units    map[string]unitConversion
}

type unitConversion struct {
	canonical string
	factor    float64
}

// NewExtractor creates an extractor bound to a registry.
func NewExtractor(registry *SearchParamRegistry) *Extractor {
	return &Extractor{
		registry: registry,
		engine:   NewPathEngine(),
		units:    defaultUnitConversions(),
	}
}

// defaultUnitConversions is the canonical-unit table for quantity indexing.
// Units without an entry are stored raw and only compare against the same unit.
func defaultUnitConversions() map[string]unitConversion {
	return map[string]unitConversion{
		"g":     {canonical: "g", factor: 1},
		"kg":    {canonical: "g", factor: 1000},
		"mg":    {canonical: "g", factor: 0.001},
		"ug":    {canonical: "g", factor: 0.000001},
		"m":     {canonical: "m", factor: 1},
		"cm":    {canonical: "m", factor: 0.01},
		"mm":    {canonical: "m", factor: 0.001},
		"s":     {canonical: "s", factor: 1},
		"min":   {canonical: "s", factor: 60},
		"h":     {canonical: "s", factor: 3600},
		"d":     {canonical: "s", factor: 86400},
		"mg/dl": {canonical: "mg/dL", factor: 1},
		"mg/dL": {canonical: "mg/dL", factor: 1},
	}
}

// ExtractResult is the output of one extraction pass.
type ExtractResult struct {
	Entries []IndexEntry
	Edges   []ReferenceEdge
}

// Extract evaluates every registered parameter for the resource type against
// the body. Multi-valued paths produce one entry per matched node under the
// same parameter name. The import context, when present, resolves synthetic
// references before edges are emitted.
func (x *Extractor) Extract(res *Resource, ictx *ImportContext) (*ExtractResult, error) {
	result := &ExtractResult{}
	defs := x.registry.ForType(res.Type)

	for _, def := range defs {
		if def.Type == SearchParamComposite {
			entries, err := x.extractComposite(res, def)
			if err != nil {
				return nil, err
			}
			result.Entries = append(result.Entries, entries...)
			continue
		}

		nodes, err := x.engine.Evaluate(res.Body, def.Expression)
		if err != nil {
			return nil, &ValidationError{
				Diagnostics: fmt.Sprintf("extract %s.%s: %v", res.Type, def.Code, err),
			}
		}
		for _, node := range nodes {
			entries, edges := x.entriesForNode(res, def, node, ictx)
			result.Entries = append(result.Entries, entries...)
			result.Edges = append(result.Edges, edges...)
		}
	}

	sortEntries(result.Entries)
	return result, nil
}

func (x *Extractor) extractComposite(res *Resource, def SearchParamDef) ([]IndexEntry, error) {
	nodes, err := x.engine.Evaluate(res.Body, def.Expression)
	if err != nil {
		return nil, &ValidationError{
			Diagnostics: fmt.Sprintf("extract %s.%s: %v", res.Type, def.Code, err),
		}
	}

	var out []IndexEntry
	for _, node := range nodes {
		root, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		// All components evaluate against the same root node, so values from
		// unrelated repeated elements never combine.
		composite := IndexEntry{
			ResourceType: res.Type,
			ResourceID:   res.ID,
			Param:        def.Code,
			Type:         SearchParamComposite,
		}
		complete := true
		for _, comp := range def.Components {
			subNodes, err := x.engine.Evaluate(root, comp.Expression)
			if err != nil || len(subNodes) == 0 {
				complete = false
				break
			}
			subDef := SearchParamDef{Code: comp.Name, Type: comp.Type}
			entries, _ := x.entriesForNode(res, subDef, subNodes[0], nil)
			if len(entries) == 0 {
				complete = false
				break
			}
			composite.Components = append(composite.Components, entries[0])
		}
		if complete {
			out = append(out, composite)
		}
	}
	return out, nil
}

// entriesForNode converts one matched document node into typed index entries
// (and reference edges for reference parameters).
func (x *Extractor) entriesForNode(res *Resource, def SearchParamDef, node interface{}, ictx *ImportContext) ([]IndexEntry, []ReferenceEdge) {
	base := IndexEntry{
		ResourceType: res.Type,
		ResourceID:   res.ID,
		Param:        def.Code,
		Type:         def.Type,
	}

	switch def.Type {
	case SearchParamToken:
		return tokenEntries(base, node), nil

	case SearchParamString:
		var out []IndexEntry
		for _, s := range stringLeaves(node) {
			e := base
			e.Value = s
			out = append(out, e)
		}
		return out, nil

	case SearchParamURI:
		if s, ok := node.(string); ok {
			e := base
			e.Value = s
			return []IndexEntry{e}, nil
		}
		return nil, nil

	case SearchParamDate:
		rng, ok := dateRangeOfNode(node)
		if !ok {
			return nil, nil
		}
		e := base
		e.Start, e.End = rng.Start, rng.End
		return []IndexEntry{e}, nil

	case SearchParamNumber:
		if f, ok := numberOf(node); ok {
			e := base
			e.Number = f
			return []IndexEntry{e}, nil
		}
		return nil, nil

	case SearchParamQuantity:
		if e, ok := x.quantityEntry(base, node); ok {
			return []IndexEntry{e}, nil
		}
		return nil, nil

	case SearchParamReference:
		raw := rawReferenceOf(node)
		if raw == "" {
			return nil, nil
		}
		edge := ReferenceEdge{
			FromType:      res.Type,
			FromID:        res.ID,
			FromVersionID: res.VersionID,
			Param:         def.Code,
			Path:          def.Expression,
		}
		ref, ok := NormalizeReference(raw, ictx)
		if !ok {
			edge.Dangling = true
			edge.ToID = raw
			return nil, []ReferenceEdge{edge}
		}
		if len(def.Targets) > 0 && !containsString(def.Targets, ref.Type) {
			return nil, nil
		}
		edge.ToType, edge.ToID = ref.Type, ref.ID
		e := base
		e.Value = ref.String()
		return []IndexEntry{e}, []ReferenceEdge{edge}
	}

	return nil, nil
}

// tokenEntries normalizes a token node. It accepts plain codes, Coding,
// CodeableConcept (one entry per coding), Identifier and booleans. Systems
// and codes are lowercased into a comparable tuple.
func tokenEntries(base IndexEntry, node interface{}) []IndexEntry {
	switch val := node.(type) {
	case string:
		e := base
		e.Value = strings.ToLower(val)
		return []IndexEntry{e}
	case bool:
		e := base
		e.Value = strconv.FormatBool(val)
		return []IndexEntry{e}
	case map[string]interface{}:
		// CodeableConcept: fan out over codings.
		if codings, ok := val["coding"].([]interface{}); ok {
			var out []IndexEntry
			for _, c := range codings {
				cm, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				e := base
				e.System, _ = lowerString(cm["system"])
				e.Value, _ = lowerString(cm["code"])
				if e.Value != "" || e.System != "" {
					out = append(out, e)
				}
			}
			if text, ok := lowerString(val["text"]); ok && len(out) == 0 {
				e := base
				e.Value = text
				out = append(out, e)
			}
			return out
		}
		// Coding or Identifier.
		e := base
		e.System, _ = lowerString(val["system"])
		if code, ok := lowerString(val["code"]); ok {
			e.Value = code
		} else if v, ok := lowerString(val["value"]); ok {
			e.Value = v
		}
		if e.Value == "" && e.System == "" {
			return nil
		}
		return []IndexEntry{e}
	}
	return nil
}

func lowerString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.ToLower(s), true
}

// stringLeaves collects the string values of a node: the node itself, or all
// string leaves of a complex element such as HumanName or Address.
func stringLeaves(node interface{}) []string {
	var out []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case map[string]interface{}:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if k == "extension" || k == "id" || k == "use" || k == "system" {
					continue
				}
				walk(val[k])
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(node)
	return out
}

func (x *Extractor) quantityEntry(base IndexEntry, node interface{}) (IndexEntry, bool) {
	m, ok := node.(map[string]interface{})
	if !ok {
		return base, false
	}
	value, ok := numberOf(m["value"])
	if !ok {
		return base, false
	}
	unit, _ := m["code"].(string)
	if unit == "" {
		unit, _ = m["unit"].(string)
	}
	system, _ := m["system"].(string)

	e := base
	if conv, found := x.units[unit]; found {
		e.Number = value * conv.factor
		e.Unit = conv.canonical
	} else {
		// No conversion known: keep the raw triple.
		e.Number = value
		e.Unit = unit
		e.System = strings.ToLower(system)
	}
	return e, true
}

func numberOf(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

func rawReferenceOf(node interface{}) string {
	switch val := node.(type) {
	case string:
		return val
	case map[string]interface{}:
		if ref, ok := val["reference"].(string); ok {
			return ref
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Date handling
// ---------------------------------------------------------------------------

// DateRange is a half-open [Start, End) interval. Partial-precision values
// (year, year-month, date) widen to the full span they denote, so a query
// for "2024" matches a datetime anywhere within that year.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses a FHIR date value at any supported precision.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(1, 0, 0)}, nil
	case len(s) == 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 1, 0)}, nil
	case len(s) == 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 0, 1)}, nil
	default:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return DateRange{Start: t, End: t.Add(time.Second)}, nil
			}
		}
		return DateRange{}, fmt.Errorf("unable to parse date %q", s)
	}
}

// dateRangeOfNode converts a date node: a plain date/datetime string or a
// Period element with start and/or end.
func dateRangeOfNode(node interface{}) (DateRange, bool) {
	switch val := node.(type) {
	case string:
		rng, err := ParseDateRange(val)
		if err != nil {
			return DateRange{}, false
		}
		return rng, true
	case map[string]interface{}:
		var rng DateRange
		hasAny := false
		if s, ok := val["start"].(string); ok {
			if r, err := ParseDateRange(s); err == nil {
				rng.Start = r.Start
				hasAny = true
			}
		}
		if s, ok := val["end"].(string); ok {
			if r, err := ParseDateRange(s); err == nil {
				rng.End = r.End
				hasAny = true
			}
		}
		if !hasAny {
			return DateRange{}, false
		}
		// Open-ended periods extend to the representable extremes.
		if rng.Start.IsZero() {
			rng.Start = time.Time{}
		}
		if rng.End.IsZero() {
			rng.End = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
		}
		return rng, true
	}
	return DateRange{}, false
}

// sortEntries orders entries deterministically so repeated extraction of the
// same version yields an identical sequence.
func sortEntries(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Param != b.Param {
			return a.Param < b.Param
		}
		if a.System != b.System {
			return a.System < b.System
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Number < b.Number
	})
}
