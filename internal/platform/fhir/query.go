package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
)

// ParsedValue holds a search value split from its comparison prefix.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierNone     SearchModifier = ""
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierMissing  SearchModifier = "missing"
)

// Predicate is one parsed search parameter. Values are OR-combined; distinct
// predicates are AND-combined. A non-empty Chain makes this a chained
// reference predicate (param.chain=value).
type Predicate struct {
	Param     string
	Modifier  SearchModifier
	Values    []string
	Chain     string // sub-parameter on the chain target
	ChainType string // explicit target type from param:Type.sub syntax
}

// SortSpec is one _sort field.
type SortSpec struct {
	Param string
	Desc  bool
}

// IncludeSpec is one parsed _include/_revinclude directive
// ("Source:param" or "Source:param:Target").
type IncludeSpec struct {
	Source string
	Param  string
	Target string
}

// SearchRequest is a fully parsed structured search.
type SearchRequest struct {
	Type        string
	Predicates  []Predicate
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Sort        []SortSpec
	Count       int
	Cursor      string
}

// ParseSearchRequest turns a raw query mapping into a SearchRequest.
// Repeated non-control parameters are AND-combined (one predicate each, per
// FHIR semantics); comma-separated values within one occurrence OR-combine.
func ParseSearchRequest(resourceType string, query map[string][]string) (*SearchRequest, error) {
	req := &SearchRequest{Type: resourceType}

	for name, occurrences := range query {
		switch name {
		case "_count":
			n, err := strconv.Atoi(first(occurrences))
			if err != nil || n < 0 {
				return nil, &QueryError{Param: "_count", Diagnostics: "must be a non-negative integer"}
			}
			req.Count = n
		case "_cursor":
			req.Cursor = first(occurrences)
		case "_sort":
			for _, field := range strings.Split(first(occurrences), ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				spec := SortSpec{Param: field}
				if strings.HasPrefix(field, "-") {
					spec = SortSpec{Param: field[1:], Desc: true}
				}
				req.Sort = append(req.Sort, spec)
			}
		case "_include":
			for _, occ := range occurrences {
				spec, err := parseIncludeSpec("_include", occ)
				if err != nil {
					return nil, err
				}
				req.Includes = append(req.Includes, spec)
			}
		case "_revinclude":
			for _, occ := range occurrences {
				spec, err := parseIncludeSpec("_revinclude", occ)
				if err != nil {
					return nil, err
				}
				req.RevIncludes = append(req.RevIncludes, spec)
			}
		default:
			for _, occ := range occurrences {
				pred, err := parsePredicate(name, occ)
				if err != nil {
					return nil, err
				}
				req.Predicates = append(req.Predicates, pred)
			}
		}
	}
	return req, nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// parsePredicate splits "param:modifier" or "param.chain" / "param:Type.chain"
// and the comma-separated OR values.
func parsePredicate(name, rawValue string) (Predicate, error) {
	pred := Predicate{}

	// Chain first: subject.name, subject:Patient.name. The dot never appears
	// in plain parameter codes.
	if dot := strings.Index(name, "."); dot >= 0 {
		head, chain := name[:dot], name[dot+1:]
		if chain == "" {
			return pred, &QueryError{Param: name, Diagnostics: "empty chained parameter"}
		}
		if colon := strings.Index(head, ":"); colon >= 0 {
			pred.Param = head[:colon]
			pred.ChainType = head[colon+1:]
		} else {
			pred.Param = head
		}
		pred.Chain = chain
	} else if colon := strings.Index(name, ":"); colon >= 0 {
		pred.Param = name[:colon]
		mod := SearchModifier(name[colon+1:])
		switch mod {
		case ModifierExact, ModifierContains, ModifierMissing:
			pred.Modifier = mod
		default:
			return pred, &QueryError{Param: name, Diagnostics: fmt.Sprintf("unsupported modifier %q", string(mod))}
		}
	} else {
		pred.Param = name
	}

	if pred.Param == "" {
		return pred, &QueryError{Param: name, Diagnostics: "empty parameter name"}
	}

	for _, v := range strings.Split(rawValue, ",") {
		pred.Values = append(pred.Values, v)
	}
	return pred, nil
}

func parseIncludeSpec(directive, raw string) (IncludeSpec, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return IncludeSpec{Source: parts[0], Param: parts[1]}, nil
	case 3:
		return IncludeSpec{Source: parts[0], Param: parts[1], Target: parts[2]}, nil
	default:
		return IncludeSpec{}, &QueryError{Param: directive, Diagnostics: fmt.Sprintf("expected Source:param[:Target], got %q", raw)}
	}
}
