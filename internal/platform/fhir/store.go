package fhir

import (
	"context"
)

// CompartmentMembership is one patient-membership edge: memberType/memberID
// belongs to the compartment of compartmentID.
type CompartmentMembership struct {
	CompartmentType string // always "Patient" for the built-in policy
	CompartmentID   string
	MemberType      string
	MemberID        string
}

// Storage is the persistence contract the engine runs on. The version store
// is the single writable source of truth; index, edge, compartment and
// synthetic-id tables are derived state, always rebuildable from versions.
//
// Implementations serialize writes per (type,id) and make RunTx atomic:
// either every mutation inside fn becomes visible together, or none do.
type Storage interface {
	// PutVersion appends a new immutable version. expectedVersion >= 0
	// enables the optimistic concurrency check against the current version
	// (0 means "must not exist yet"); pass -1 to skip the check. The
	// returned resource carries the allocated version id.
	PutVersion(ctx context.Context, typ, id string, body map[string]interface{}, deleted bool, expectedVersion int) (*Resource, error)

	// GetCurrent returns the latest version, tombstone included. ErrNotFound
	// when no version was ever stored.
	GetCurrent(ctx context.Context, typ, id string) (*Resource, error)

	// GetVersion returns one specific version.
	GetVersion(ctx context.Context, typ, id string, version int) (*Resource, error)

	// History returns all versions ordered by ascending version id.
	History(ctx context.Context, typ, id string) ([]*Resource, error)

	// ForEachCurrent streams the current non-deleted version of every
	// resource, optionally filtered by type (empty means all). Iteration
	// stops when fn returns an error or ctx is cancelled.
	ForEachCurrent(ctx context.Context, typ string, fn func(*Resource) error) error

	// ReplaceIndex atomically swaps all index entries owned by (typ,id).
	ReplaceIndex(ctx context.Context, typ, id string, entries []IndexEntry) error

	// IndexEntries returns the entries for one (resourceType, param) pair.
	IndexEntries(ctx context.Context, resourceType, param string) ([]IndexEntry, error)

	// IndexedParams returns the distinct params indexed for a resource id,
	// used by the :missing modifier.
	IndexedParams(ctx context.Context, typ, id string) (map[string]bool, error)

	// ReplaceEdges atomically swaps the outgoing reference edges of (typ,id).
	ReplaceEdges(ctx context.Context, typ, id string, edges []ReferenceEdge) error

	// EdgesFrom returns the outgoing edges of a resource.
	EdgesFrom(ctx context.Context, typ, id string) ([]ReferenceEdge, error)

	// EdgesTo returns the incoming edges of a resource.
	EdgesTo(ctx context.Context, toType, toID string) ([]ReferenceEdge, error)

	// ReplaceMembership swaps the compartment rows derived from a member
	// resource, removing stale rows from prior versions first.
	ReplaceMembership(ctx context.Context, memberType, memberID string, ms []CompartmentMembership) error

	// MembersOf lists the members of a compartment.
	MembersOf(ctx context.Context, compartmentType, compartmentID string) ([]CompartmentMembership, error)

	// CompartmentsOf lists the compartments a resource belongs to.
	CompartmentsOf(ctx context.Context, memberType, memberID string) ([]CompartmentMembership, error)

	// PutSyntheticID persists a bulk-import synthetic identifier mapping.
	PutSyntheticID(ctx context.Context, token string, ref Ref) error

	// ResolveSyntheticID looks up a persisted synthetic identifier.
	ResolveSyntheticID(ctx context.Context, token string) (Ref, bool, error)

	// RunTx runs fn as one atomic unit of work against a transactional view
	// of the storage. Partial effects are never observable to readers.
	RunTx(ctx context.Context, fn func(tx Storage) error) error
}
