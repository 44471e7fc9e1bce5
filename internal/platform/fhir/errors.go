package fhir

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage engine. Callers distinguish them with
// errors.Is; richer kinds carry their own types below.
var (
	// ErrNotFound means the resource never existed.
	ErrNotFound = errors.New("resource not found")
	// ErrGone means the latest version of the resource is a tombstone.
	ErrGone = errors.New("resource deleted")
)

// VersionConflictError is returned when an optimistic concurrency check fails.
// CurrentVersion is the version actually stored at the time of the attempt.
type VersionConflictError struct {
	ResourceType    string
	ResourceID      string
	ExpectedVersion int
	CurrentVersion  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected version %d but resource is at version %d",
		e.ResourceType, e.ResourceID, e.ExpectedVersion, e.CurrentVersion)
}

// ValidationError reports a malformed document or an unknown resource type.
type ValidationError struct {
	Diagnostics string
	Location    string
}

func (e *ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Location, e.Diagnostics)
	}
	return "validation failed: " + e.Diagnostics
}

// UnresolvedReferenceError reports a reference whose target could not be
// resolved. Whether this aborts the write is policy-dependent.
type UnresolvedReferenceError struct {
	Reference string
	Path      string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q at %s", e.Reference, e.Path)
}

// QueryError reports a malformed search parameter or unsupported modifier.
// Param identifies the offending parameter so the caller can surface it.
type QueryError struct {
	Param       string
	Diagnostics string
}

func (e *QueryError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid search parameter %q: %s", e.Param, e.Diagnostics)
	}
	return "invalid search: " + e.Diagnostics
}

// AtomicFailureError is returned when a transactional batch is rolled back.
// OpIndex is the position (in submission order) of the failing operation.
type AtomicFailureError struct {
	OpIndex int
	Err     error
}

func (e *AtomicFailureError) Error() string {
	return fmt.Sprintf("batch rolled back: operation %d failed: %v", e.OpIndex, e.Err)
}

func (e *AtomicFailureError) Unwrap() error { return e.Err }

// OutcomeFor maps an engine error to an OperationOutcome so an API layer can
// render a structured diagnostic instead of a bare failure.
func OutcomeFor(err error) *OperationOutcome {
	var (
		vc *VersionConflictError
		ve *ValidationError
		ur *UnresolvedReferenceError
		qe *QueryError
		af *AtomicFailureError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return NewOperationOutcome("error", "not-found", err.Error())
	case errors.Is(err, ErrGone):
		return NewOperationOutcome("error", "deleted", err.Error())
	case errors.As(err, &vc):
		return NewOperationOutcome("error", "conflict", vc.Error())
	case errors.As(err, &ve):
		return NewOperationOutcome("error", "invalid", ve.Error())
	case errors.As(err, &ur):
		return NewOperationOutcome("warning", "not-found", ur.Error())
	case errors.As(err, &qe):
		return NewOperationOutcome("error", "invalid", qe.Error())
	case errors.As(err, &af):
		return NewOperationOutcome("error", "processing", af.Error())
	default:
		return ErrorOutcome(err.Error())
	}
}
