package fhir

import (
	"strings"
)

// Ref is a canonical, addressable reference to a stored resource.
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string { return r.Type + "/" + r.ID }

// ImportContext maps synthetic bulk-import identifiers (urn:uuid tokens or
// import-time Type/id pairs) to final stored references. It is built
// incrementally while a transaction is processed and consulted first by the
// normalizer; it is never mutated by the normalizer itself.
type ImportContext struct {
	byToken map[string]Ref
}

// NewImportContext creates an empty ImportContext.
func NewImportContext() *ImportContext {
	return &ImportContext{byToken: make(map[string]Ref)}
}

// Map records that a synthetic token resolves to the given final reference.
func (c *ImportContext) Map(token string, ref Ref) {
	c.byToken[token] = ref
}

// Resolve looks up a synthetic token.
func (c *ImportContext) Resolve(token string) (Ref, bool) {
	ref, ok := c.byToken[token]
	return ref, ok
}

// Len reports the number of mapped tokens.
func (c *ImportContext) Len() int { return len(c.byToken) }

// Each visits every token mapping. Iteration order is unspecified.
func (c *ImportContext) Each(fn func(token string, ref Ref) error) error {
	for token, ref := range c.byToken {
		if err := fn(token, ref); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeReference rewrites a raw reference string into canonical Type/id
// form. It accepts:
//
//	"Patient/123"                          relative reference
//	"https://host/fhir/Patient/123"        absolute URL with a Type/id tail
//	"urn:uuid:..." / "urn:oid:..."         synthetic bulk-import tokens
//
// When ictx is non-nil it is consulted first, so intra-batch synthetic
// references resolve to their final identifiers. Unresolvable references
// return ok=false; callers decide whether to keep a dangling edge or fail.
func NormalizeReference(raw string, ictx *ImportContext) (Ref, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, false
	}

	if ictx != nil {
		if ref, ok := ictx.Resolve(raw); ok {
			return ref, true
		}
	}

	// Synthetic tokens that are not in the import context are dangling.
	if strings.HasPrefix(raw, "urn:") {
		return Ref{}, false
	}

	// Strip fragment and query noise.
	if idx := strings.IndexAny(raw, "#?"); idx >= 0 {
		raw = raw[:idx]
	}

	parts := strings.Split(strings.Trim(raw, "/"), "/")
	// Walk from the tail looking for a Type/id pair; absolute URLs may carry
	// a /_history/n suffix which is ignored for addressing.
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}
	if len(parts) < 2 {
		return Ref{}, false
	}
	typ := parts[len(parts)-2]
	id := parts[len(parts)-1]
	if !isResourceTypeName(typ) || id == "" {
		return Ref{}, false
	}
	return Ref{Type: typ, ID: id}, true
}

// isResourceTypeName reports whether s looks like a FHIR resource type name:
// an upper-camel identifier with no URL punctuation.
func isResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// RewriteReferences walks a document body and replaces every reference string
// that resolves through the import context with its canonical form. The body
// is mutated in place; callers pass a clone of any shared document.
func RewriteReferences(body map[string]interface{}, ictx *ImportContext) {
	if ictx == nil || ictx.Len() == 0 {
		return
	}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if raw, ok := val["reference"].(string); ok {
				if ref, found := ictx.Resolve(raw); found {
					val["reference"] = ref.String()
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(body)
}

// CollectReferences returns every raw reference string found in the body along
// with the dotted path where it was found. Paths collapse array indices, so
// repeated elements share one path.
func CollectReferences(body map[string]interface{}) []RawReference {
	var out []RawReference
	var walk func(v interface{}, path string)
	walk = func(v interface{}, path string) {
		switch val := v.(type) {
		case map[string]interface{}:
			if raw, ok := val["reference"].(string); ok {
				out = append(out, RawReference{Path: path, Value: raw})
			}
			for k, child := range val {
				childPath := k
				if path != "" {
					childPath = path + "." + k
				}
				walk(child, childPath)
			}
		case []interface{}:
			for _, item := range val {
				walk(item, path)
			}
		}
	}
	walk(body, "")
	return out
}

// RawReference is a reference string found at a document path.
type RawReference struct {
	Path  string
	Value string
}
