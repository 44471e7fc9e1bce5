package fhir

import (
	"context"
	"errors"
)

// CompartmentPolicy defines which resource types belong to a compartment,
// which reference parameters link them, and which intermediate types may
// carry an indirect (one-hop) link. Hop depth and hop types are policy, not
// hard-coded rules.
type CompartmentPolicy struct {
	// Type is the compartment type (e.g. "Patient").
	Type string
	// LinkParams maps resource type -> reference parameter codes that link
	// directly into this compartment.
	LinkParams map[string][]string
	// HopTypes are intermediate resource types: a resource referencing one
	// of these inherits the intermediate's compartments.
	HopTypes []string
}

// DefaultPatientCompartment returns the built-in Patient compartment policy,
// following the R4 compartment definition for the indexed resource types.
// Indirect membership flows through Encounter by default.
func DefaultPatientCompartment() CompartmentPolicy {
	return CompartmentPolicy{
		Type: "Patient",
		LinkParams: map[string][]string{
			"Observation":       {"patient", "subject"},
			"Condition":         {"patient", "subject"},
			"Encounter":         {"patient", "subject"},
			"MedicationRequest": {"patient", "subject"},
			"Procedure":         {"patient", "subject"},
			"DiagnosticReport":  {"patient", "subject"},
		},
		HopTypes: []string{"Encounter"},
	}
}

// linksDirectly reports whether param is a direct compartment link for the
// given resource type.
func (p *CompartmentPolicy) linksDirectly(resourceType, param string) bool {
	for _, code := range p.LinkParams[resourceType] {
		if code == param {
			return true
		}
	}
	return false
}

func (p *CompartmentPolicy) isHopType(resourceType string) bool {
	return containsString(p.HopTypes, resourceType)
}

// DeferredHop is a one-hop membership derivation that could not complete
// because the intermediate resource was not yet present (a write-ordering
// artifact of bulk import). It is retried after the batch completes.
type DeferredHop struct {
	MemberType string
	MemberID   string
}

// CompartmentManager maintains the patient-membership graph from extracted
// reference edges.
type CompartmentManager struct {
	policy CompartmentPolicy
}

// NewCompartmentManager creates a manager with the given policy.
func NewCompartmentManager(policy CompartmentPolicy) *CompartmentManager {
	return &CompartmentManager{policy: policy}
}

// UpdateMembership recomputes the compartment rows derived from the latest
// version of res. Rows from the prior version are removed before the new
// rows are installed (delete-then-insert), so stale memberships never
// survive an update. Hop targets that do not exist yet are reported as
// deferred instead of failing the write.
func (c *CompartmentManager) UpdateMembership(ctx context.Context, store Storage, res *Resource, edges []ReferenceEdge) ([]DeferredHop, error) {
	if res.Deleted {
		// Historical membership persists unless explicitly purged; a
		// tombstoned member keeps its rows.
		return nil, nil
	}

	seen := make(map[string]bool)
	var memberships []CompartmentMembership
	var deferred []DeferredHop

	add := func(compartmentID string) {
		if compartmentID == "" || seen[compartmentID] {
			return
		}
		seen[compartmentID] = true
		memberships = append(memberships, CompartmentMembership{
			CompartmentType: c.policy.Type,
			CompartmentID:   compartmentID,
			MemberType:      res.Type,
			MemberID:        res.ID,
		})
	}

	// The compartment owner is a member of its own compartment.
	if res.Type == c.policy.Type {
		add(res.ID)
	}

	for _, edge := range edges {
		if edge.Dangling {
			continue
		}

		// Direct link into the compartment.
		if edge.ToType == c.policy.Type && c.policy.linksDirectly(res.Type, edge.Param) {
			add(edge.ToID)
			continue
		}

		// One hop through an intermediate: inherit its compartments.
		if c.policy.isHopType(edge.ToType) {
			if _, err := store.GetCurrent(ctx, edge.ToType, edge.ToID); err != nil {
				if errors.Is(err, ErrNotFound) {
					deferred = append(deferred, DeferredHop{MemberType: res.Type, MemberID: res.ID})
					continue
				}
				return nil, err
			}
			comps, err := store.CompartmentsOf(ctx, edge.ToType, edge.ToID)
			if err != nil {
				return nil, err
			}
			for _, comp := range comps {
				if comp.CompartmentType == c.policy.Type {
					add(comp.CompartmentID)
				}
			}
		}
	}

	if err := store.ReplaceMembership(ctx, res.Type, res.ID, memberships); err != nil {
		return nil, err
	}
	return deferred, nil
}

// RetryDeferred re-derives membership for resources whose one-hop lookup was
// deferred. Called after a batch completes, when the intermediates it was
// waiting for have been written. Still-unresolvable hops stay deferred-free:
// membership is eventually consistent with the stored graph.
func (c *CompartmentManager) RetryDeferred(ctx context.Context, store Storage, deferred []DeferredHop) error {
	for _, d := range deferred {
		res, err := store.GetCurrent(ctx, d.MemberType, d.MemberID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		edges, err := store.EdgesFrom(ctx, d.MemberType, d.MemberID)
		if err != nil {
			return err
		}
		if _, err := c.UpdateMembership(ctx, store, res, edges); err != nil {
			return err
		}
	}
	return nil
}

// MembersOf returns the current members of a compartment.
func (c *CompartmentManager) MembersOf(ctx context.Context, store Storage, compartmentID string) ([]CompartmentMembership, error) {
	return store.MembersOf(ctx, c.policy.Type, compartmentID)
}
