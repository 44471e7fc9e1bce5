package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is a single stored version of a clinical record. The body is a
// schemaless document tree (decoded FHIR JSON); all indexing works through
// declared path expressions, never static struct access.
type Resource struct {
	Type        string                 `json:"resourceType"`
	ID          string                 `json:"id"`
	VersionID   int                    `json:"versionId"`
	LastUpdated time.Time              `json:"lastUpdated"`
	Deleted     bool                   `json:"deleted,omitempty"`
	Body        map[string]interface{} `json:"resource,omitempty"`
}

// DocumentBody returns the body with resourceType, id and meta populated from
// the envelope, suitable for returning over the wire.
func (r *Resource) DocumentBody() map[string]interface{} {
	body := make(map[string]interface{}, len(r.Body)+3)
	for k, v := range r.Body {
		body[k] = v
	}
	body["resourceType"] = r.Type
	body["id"] = r.ID
	body["meta"] = map[string]interface{}{
		"versionId":   fmt.Sprintf("%d", r.VersionID),
		"lastUpdated": r.LastUpdated.UTC().Format(time.RFC3339),
	}
	return body
}

// CloneBody returns a deep copy of the resource body. Stored bodies are
// treated as immutable; callers that mutate must clone first.
func CloneBody(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return nil
	}
	return cloneValue(body).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// NewSearchBundle creates a searchset Bundle from resolved resources.
// Included resources carry search.mode "include".
func NewSearchBundle(matches []*Resource, included []*Resource, total int) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(matches)+len(included))
	for _, r := range matches {
		entries = append(entries, bundleEntryFor(r, "match"))
	}
	for _, r := range included {
		entries = append(entries, bundleEntryFor(r, "include"))
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

func bundleEntryFor(r *Resource, mode string) BundleEntry {
	raw, _ := json.Marshal(r.DocumentBody())
	return BundleEntry{
		FullURL:  fmt.Sprintf("%s/%s", r.Type, r.ID),
		Resource: raw,
		Search:   &BundleSearch{Mode: mode},
	}
}

// NewHistoryBundle creates a Bundle of type "history" from versions ordered
// oldest first. Tombstone versions render as DELETE entries without a body.
func NewHistoryBundle(versions []*Resource) *Bundle {
	now := time.Now().UTC()
	total := len(versions)
	entries := make([]BundleEntry, 0, total)
	for _, v := range versions {
		method, status := "PUT", "200 OK"
		switch {
		case v.Deleted:
			method, status = "DELETE", "204 No Content"
		case v.VersionID == 1:
			method, status = "POST", "201 Created"
		}
		lastMod := v.LastUpdated
		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/_history/%d", v.Type, v.ID, v.VersionID),
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", v.Type, v.ID),
			},
			Response: &BundleResponse{
				Status:       status,
				ETag:         fmt.Sprintf(`W/"%d"`, v.VersionID),
				LastModified: &lastMod,
			},
		}
		if !v.Deleted {
			raw, _ := json.Marshal(v.DocumentBody())
			entry.Resource = raw
		}
		entries = append(entries, entry)
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

// ValidateBody performs structural validation of an incoming document body.
// The known set restricts accepted resource types; a nil set accepts any type.
func ValidateBody(resourceType string, body map[string]interface{}, known map[string]bool) error {
	if resourceType == "" {
		return &ValidationError{Diagnostics: "resource type is required"}
	}
	if body == nil {
		return &ValidationError{Diagnostics: "resource body is required"}
	}
	if rt, ok := body["resourceType"].(string); ok && rt != resourceType {
		return &ValidationError{
			Diagnostics: fmt.Sprintf("body resourceType %q does not match %q", rt, resourceType),
			Location:    "resourceType",
		}
	}
	if known != nil && !known[resourceType] {
		return &ValidationError{
			Diagnostics: fmt.Sprintf("unknown resource type %q", resourceType),
			Location:    "resourceType",
		}
	}
	return nil
}
