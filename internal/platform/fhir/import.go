package fhir

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// ImportStats summarizes a completed bulk import.
type ImportStats struct {
	Created int
	Updated int
}

// Importer ingests NDJSON streams as one atomic batch. Each line is either a
// bare resource or an entry object with a fullUrl:
//
//	{"resourceType":"Patient","name":[...]}
//	{"fullUrl":"urn:uuid:a1...","resource":{"resourceType":"Patient",...}}
//
// Synthetic urn tokens declared by one line may be referenced by any other
// line, regardless of order; they are rewritten to the server-assigned ids
// and the mapping is persisted for later arrivals.
type Importer struct {
	engine *Engine
	log    zerolog.Logger

	// MaxLineBytes caps a single NDJSON line. Zero uses a 1 MiB default.
	MaxLineBytes int
}

// NewImporter creates a bulk importer over the engine.
func NewImporter(engine *Engine, log zerolog.Logger) *Importer {
	return &Importer{engine: engine, log: log}
}

// ndjsonLine is the envelope form of a line. Bare resources decode with a
// nil Resource and are detected through ResourceType.
type ndjsonLine struct {
	FullURL      string                 `json:"fullUrl"`
	Resource     map[string]interface{} `json:"resource"`
	ResourceType string                 `json:"resourceType"`
}

// ParseNDJSON reads an NDJSON stream into batch operations. Blank lines are
// skipped; any malformed line fails the whole parse with its line number.
func (im *Importer) ParseNDJSON(r io.Reader) ([]Operation, error) {
	maxLine := im.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 1 << 20
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var ops []Operation
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line ndjsonLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, &ValidationError{
				Diagnostics: fmt.Sprintf("line %d: invalid JSON: %v", lineNo, err),
			}
		}

		body := line.Resource
		if body == nil {
			if line.ResourceType == "" {
				return nil, &ValidationError{
					Diagnostics: fmt.Sprintf("line %d: missing resource", lineNo),
				}
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, &ValidationError{
					Diagnostics: fmt.Sprintf("line %d: invalid resource: %v", lineNo, err),
				}
			}
		}

		resourceType, _ := body["resourceType"].(string)
		if resourceType == "" {
			return nil, &ValidationError{
				Diagnostics: fmt.Sprintf("line %d: resource has no resourceType", lineNo),
			}
		}

		op := Operation{Type: resourceType, Body: body, FullURL: line.FullURL, ExpectedVersion: -1}
		if id, ok := body["id"].(string); ok && id != "" {
			op.Kind = OpUpdate
			op.ID = id
		} else {
			op.Kind = OpCreate
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return ops, nil
}

// Run parses and commits the stream atomically: either every line lands or
// none do.
func (im *Importer) Run(ctx context.Context, r io.Reader) (ImportStats, error) {
	ops, err := im.ParseNDJSON(r)
	if err != nil {
		metrics.ImportedTotal.WithLabelValues("error").Inc()
		return ImportStats{}, err
	}
	if len(ops) == 0 {
		return ImportStats{}, nil
	}

	results, err := im.engine.ApplyBatch(ctx, ops)
	if err != nil {
		metrics.ImportedTotal.WithLabelValues("error").Add(float64(len(ops)))
		return ImportStats{}, err
	}

	var stats ImportStats
	for _, res := range results {
		if res.Created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	metrics.ImportedTotal.WithLabelValues("ok").Add(float64(len(ops)))
	im.log.Info().Int("created", stats.Created).Int("updated", stats.Updated).Msg("ndjson import committed")
	return stats, nil
}
