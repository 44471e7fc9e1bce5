package fhir

import (
	"errors"
	"fmt"
	"testing"
)

func TestOutcomeForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err      error
		code     string
		severity string
	}{
		{ErrNotFound, "not-found", "error"},
		{fmt.Errorf("read: %w", ErrGone), "deleted", "error"},
		{&VersionConflictError{ResourceType: "Patient", ResourceID: "p1", ExpectedVersion: 1, CurrentVersion: 2}, "conflict", "error"},
		{&ValidationError{Diagnostics: "bad body"}, "invalid", "error"},
		{&UnresolvedReferenceError{Reference: "Patient/x", Path: "subject"}, "not-found", "warning"},
		{&QueryError{Param: "_count", Diagnostics: "bad"}, "invalid", "error"},
		{&AtomicFailureError{OpIndex: 3, Err: errors.New("boom")}, "processing", "error"},
		{errors.New("anything else"), "processing", "error"},
	}
	for _, tc := range cases {
		outcome := OutcomeFor(tc.err)
		if len(outcome.Issue) != 1 {
			t.Fatalf("OutcomeFor(%v): %d issues", tc.err, len(outcome.Issue))
		}
		issue := outcome.Issue[0]
		if issue.Code != tc.code || issue.Severity != tc.severity {
			t.Errorf("OutcomeFor(%v) = %s/%s, want %s/%s", tc.err, issue.Severity, issue.Code, tc.severity, tc.code)
		}
	}
}

func TestAtomicFailureUnwraps(t *testing.T) {
	inner := &ValidationError{Diagnostics: "bad"}
	err := error(&AtomicFailureError{OpIndex: 0, Err: inner})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Error("AtomicFailureError does not unwrap to its cause")
	}
}
