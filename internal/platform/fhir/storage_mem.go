package fhir

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStorage is the in-memory Storage backend. It backs the engine tests and
// sandbox deployments; the Postgres backend is the production path. A single
// mutex serializes writers while readers proceed concurrently, and RunTx
// snapshots the table maps so a failed unit of work restores them wholesale.
type MemStorage struct {
	mu sync.RWMutex

	versions      map[string][]*Resource // typ/id -> versions ascending
	indexByOwner  map[string][]IndexEntry
	indexByParam  map[string][]IndexEntry // typ|param -> entries
	edgesFromMap  map[string][]ReferenceEdge
	edgesToMap    map[string][]ReferenceEdge
	membersByComp map[string][]CompartmentMembership
	compsByMember map[string][]CompartmentMembership
	synthetic     map[string]Ref

	clock func() time.Time
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		versions:      make(map[string][]*Resource),
		indexByOwner:  make(map[string][]IndexEntry),
		indexByParam:  make(map[string][]IndexEntry),
		edgesFromMap:  make(map[string][]ReferenceEdge),
		edgesToMap:    make(map[string][]ReferenceEdge),
		membersByComp: make(map[string][]CompartmentMembership),
		compsByMember: make(map[string][]CompartmentMembership),
		synthetic:     make(map[string]Ref),
		clock:         time.Now,
	}
}

func resourceKey(typ, id string) string { return typ + "/" + id }
func paramKey(typ, param string) string { return typ + "|" + param }

// ---------------------------------------------------------------------------
// Public interface: lock, then delegate to the unlocked core.
// ---------------------------------------------------------------------------

func (m *MemStorage) PutVersion(ctx context.Context, typ, id string, body map[string]interface{}, deleted bool, expectedVersion int) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putVersion(ctx, typ, id, body, deleted, expectedVersion)
}

func (m *MemStorage) GetCurrent(ctx context.Context, typ, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCurrent(ctx, typ, id)
}

func (m *MemStorage) GetVersion(ctx context.Context, typ, id string, version int) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getVersion(ctx, typ, id, version)
}

func (m *MemStorage) History(ctx context.Context, typ, id string) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history(ctx, typ, id)
}

// ForEachCurrent snapshots the current versions under the read lock and
// releases it before invoking fn, so callbacks may write back into the store
// (the reindexer does). Stored versions are immutable, so the snapshot stays
// coherent even while writers run.
func (m *MemStorage) ForEachCurrent(ctx context.Context, typ string, fn func(*Resource) error) error {
	m.mu.RLock()
	current := m.currentResources(typ)
	m.mu.RUnlock()

	for _, res := range current {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStorage) ReplaceIndex(ctx context.Context, typ, id string, entries []IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceIndex(ctx, typ, id, entries)
}

func (m *MemStorage) IndexEntries(ctx context.Context, resourceType, param string) ([]IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexEntries(ctx, resourceType, param)
}

func (m *MemStorage) IndexedParams(ctx context.Context, typ, id string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexedParams(ctx, typ, id)
}

func (m *MemStorage) ReplaceEdges(ctx context.Context, typ, id string, edges []ReferenceEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceEdges(ctx, typ, id, edges)
}

func (m *MemStorage) EdgesFrom(ctx context.Context, typ, id string) ([]ReferenceEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edgesFrom(ctx, typ, id)
}

func (m *MemStorage) EdgesTo(ctx context.Context, toType, toID string) ([]ReferenceEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edgesTo(ctx, toType, toID)
}

func (m *MemStorage) ReplaceMembership(ctx context.Context, memberType, memberID string, ms []CompartmentMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceMembership(ctx, memberType, memberID, ms)
}

func (m *MemStorage) MembersOf(ctx context.Context, compartmentType, compartmentID string) ([]CompartmentMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersOf(ctx, compartmentType, compartmentID)
}

func (m *MemStorage) CompartmentsOf(ctx context.Context, memberType, memberID string) ([]CompartmentMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compartmentsOf(ctx, memberType, memberID)
}

func (m *MemStorage) PutSyntheticID(ctx context.Context, token string, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putSyntheticID(ctx, token, ref)
}

func (m *MemStorage) ResolveSyntheticID(ctx context.Context, token string) (Ref, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveSyntheticID(ctx, token)
}

// RunTx executes fn while holding the write lock. All table maps are
// snapshotted first; on error every map is restored, so readers never see
// partial effects of a failed batch. Stored values are immutable (writes
// always install fresh slices), which makes header-level snapshots sufficient.
func (m *MemStorage) RunTx(ctx context.Context, fn func(tx Storage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	versions      map[string][]*Resource
	indexByOwner  map[string][]IndexEntry
	indexByParam  map[string][]IndexEntry
	edgesFromMap  map[string][]ReferenceEdge
	edgesToMap    map[string][]ReferenceEdge
	membersByComp map[string][]CompartmentMembership
	compsByMember map[string][]CompartmentMembership
	synthetic     map[string]Ref
}

func (m *MemStorage) snapshot() memSnapshot {
	return memSnapshot{
		versions:      copyMap(m.versions),
		indexByOwner:  copyMap(m.indexByOwner),
		indexByParam:  copyMap(m.indexByParam),
		edgesFromMap:  copyMap(m.edgesFromMap),
		edgesToMap:    copyMap(m.edgesToMap),
		membersByComp: copyMap(m.membersByComp),
		compsByMember: copyMap(m.compsByMember),
		synthetic:     copyMap(m.synthetic),
	}
}

func (m *MemStorage) restore(s memSnapshot) {
	m.versions = s.versions
	m.indexByOwner = s.indexByOwner
	m.indexByParam = s.indexByParam
	m.edgesFromMap = s.edgesFromMap
	m.edgesToMap = s.edgesToMap
	m.membersByComp = s.membersByComp
	m.compsByMember = s.compsByMember
	m.synthetic = s.synthetic
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// memTx is the transactional view handed to RunTx callbacks. The write lock
// is already held, so it calls the unlocked core directly.
type memTx struct{ m *MemStorage }

func (t *memTx) PutVersion(ctx context.Context, typ, id string, body map[string]interface{}, deleted bool, expectedVersion int) (*Resource, error) {
	return t.m.putVersion(ctx, typ, id, body, deleted, expectedVersion)
}
func (t *memTx) GetCurrent(ctx context.Context, typ, id string) (*Resource, error) {
	return t.m.getCurrent(ctx, typ, id)
}
func (t *memTx) GetVersion(ctx context.Context, typ, id string, version int) (*Resource, error) {
	return t.m.getVersion(ctx, typ, id, version)
}
func (t *memTx) History(ctx context.Context, typ, id string) ([]*Resource, error) {
	return t.m.history(ctx, typ, id)
}
func (t *memTx) ForEachCurrent(ctx context.Context, typ string, fn func(*Resource) error) error {
	return t.m.forEachCurrent(ctx, typ, fn)
}
func (t *memTx) ReplaceIndex(ctx context.Context, typ, id string, entries []IndexEntry) error {
	return t.m.replaceIndex(ctx, typ, id, entries)
}
func (t *memTx) IndexEntries(ctx context.Context, resourceType, param string) ([]IndexEntry, error) {
	return t.m.indexEntries(ctx, resourceType, param)
}
func (t *memTx) IndexedParams(ctx context.Context, typ, id string) (map[string]bool, error) {
	return t.m.indexedParams(ctx, typ, id)
}
func (t *memTx) ReplaceEdges(ctx context.Context, typ, id string, edges []ReferenceEdge) error {
	return t.m.replaceEdges(ctx, typ, id, edges)
}
func (t *memTx) EdgesFrom(ctx context.Context, typ, id string) ([]ReferenceEdge, error) {
	return t.m.edgesFrom(ctx, typ, id)
}
func (t *memTx) EdgesTo(ctx context.Context, toType, toID string) ([]ReferenceEdge, error) {
	return t.m.edgesTo(ctx, toType, toID)
}
func (t *memTx) ReplaceMembership(ctx context.Context, memberType, memberID string, ms []CompartmentMembership) error {
	return t.m.replaceMembership(ctx, memberType, memberID, ms)
}
func (t *memTx) MembersOf(ctx context.Context, compartmentType, compartmentID string) ([]CompartmentMembership, error) {
	return t.m.membersOf(ctx, compartmentType, compartmentID)
}
func (t *memTx) CompartmentsOf(ctx context.Context, memberType, memberID string) ([]CompartmentMembership, error) {
	return t.m.compartmentsOf(ctx, memberType, memberID)
}
func (t *memTx) PutSyntheticID(ctx context.Context, token string, ref Ref) error {
	return t.m.putSyntheticID(ctx, token, ref)
}
func (t *memTx) ResolveSyntheticID(ctx context.Context, token string) (Ref, bool, error) {
	return t.m.resolveSyntheticID(ctx, token)
}
func (t *memTx) RunTx(ctx context.Context, fn func(tx Storage) error) error {
	// Already inside a unit of work; nest flatly.
	return fn(t)
}

// ---------------------------------------------------------------------------
// Unlocked core
// ---------------------------------------------------------------------------

func (m *MemStorage) putVersion(ctx context.Context, typ, id string, body map[string]interface{}, deleted bool, expectedVersion int) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := resourceKey(typ, id)
	existing := m.versions[key]
	current := 0
	if len(existing) > 0 {
		current = existing[len(existing)-1].VersionID
	}
	if expectedVersion >= 0 && expectedVersion != current {
		return nil, &VersionConflictError{
			ResourceType:    typ,
			ResourceID:      id,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}
	res := &Resource{
		Type:        typ,
		ID:          id,
		VersionID:   current + 1,
		LastUpdated: m.clock().UTC(),
		Deleted:     deleted,
		Body:        body,
	}
	// Copy-on-write so snapshot slice headers stay valid after rollback.
	next := make([]*Resource, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = res
	m.versions[key] = next
	return res, nil
}

func (m *MemStorage) getCurrent(ctx context.Context, typ, id string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := m.versions[resourceKey(typ, id)]
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	return vs[len(vs)-1], nil
}

func (m *MemStorage) getVersion(ctx context.Context, typ, id string, version int) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, v := range m.versions[resourceKey(typ, id)] {
		if v.VersionID == version {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStorage) history(ctx context.Context, typ, id string) ([]*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := m.versions[resourceKey(typ, id)]
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Resource, len(vs))
	copy(out, vs)
	return out, nil
}

func (m *MemStorage) forEachCurrent(ctx context.Context, typ string, fn func(*Resource) error) error {
	for _, res := range m.currentResources(typ) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

// currentResources collects the non-deleted current versions in key order.
// Callers must hold at least the read lock.
func (m *MemStorage) currentResources(typ string) []*Resource {
	keys := make([]string, 0, len(m.versions))
	for k := range m.versions {
		if typ == "" || strings.HasPrefix(k, typ+"/") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*Resource, 0, len(keys))
	for _, k := range keys {
		vs := m.versions[k]
		cur := vs[len(vs)-1]
		if cur.Deleted {
			continue
		}
		out = append(out, cur)
	}
	return out
}

func (m *MemStorage) replaceIndex(ctx context.Context, typ, id string, entries []IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner := resourceKey(typ, id)

	// Remove the owner's previous entries from the per-param lists.
	for _, old := range m.indexByOwner[owner] {
		pk := paramKey(typ, old.Param)
		m.indexByParam[pk] = filterEntries(m.indexByParam[pk], id)
	}

	stored := make([]IndexEntry, len(entries))
	copy(stored, entries)
	m.indexByOwner[owner] = stored
	for _, e := range stored {
		pk := paramKey(typ, e.Param)
		next := make([]IndexEntry, len(m.indexByParam[pk])+1)
		copy(next, m.indexByParam[pk])
		next[len(next)-1] = e
		m.indexByParam[pk] = next
	}
	return nil
}

func filterEntries(entries []IndexEntry, dropID string) []IndexEntry {
	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		if e.ResourceID != dropID {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemStorage) indexEntries(ctx context.Context, resourceType, param string) ([]IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := m.indexByParam[paramKey(resourceType, param)]
	out := make([]IndexEntry, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemStorage) indexedParams(ctx context.Context, typ, id string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, e := range m.indexByOwner[resourceKey(typ, id)] {
		out[e.Param] = true
	}
	return out, nil
}

func (m *MemStorage) replaceEdges(ctx context.Context, typ, id string, edges []ReferenceEdge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner := resourceKey(typ, id)

	for _, old := range m.edgesFromMap[owner] {
		if old.Dangling {
			continue
		}
		tk := resourceKey(old.ToType, old.ToID)
		m.edgesToMap[tk] = filterEdgesFrom(m.edgesToMap[tk], typ, id)
	}

	stored := make([]ReferenceEdge, len(edges))
	copy(stored, edges)
	m.edgesFromMap[owner] = stored
	for _, e := range stored {
		if e.Dangling {
			continue
		}
		tk := resourceKey(e.ToType, e.ToID)
		next := make([]ReferenceEdge, len(m.edgesToMap[tk])+1)
		copy(next, m.edgesToMap[tk])
		next[len(next)-1] = e
		m.edgesToMap[tk] = next
	}
	return nil
}

func filterEdgesFrom(edges []ReferenceEdge, fromType, fromID string) []ReferenceEdge {
	out := make([]ReferenceEdge, 0, len(edges))
	for _, e := range edges {
		if e.FromType != fromType || e.FromID != fromID {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemStorage) edgesFrom(ctx context.Context, typ, id string) ([]ReferenceEdge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := m.edgesFromMap[resourceKey(typ, id)]
	out := make([]ReferenceEdge, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemStorage) edgesTo(ctx context.Context, toType, toID string) ([]ReferenceEdge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := m.edgesToMap[resourceKey(toType, toID)]
	out := make([]ReferenceEdge, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemStorage) replaceMembership(ctx context.Context, memberType, memberID string, ms []CompartmentMembership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mk := resourceKey(memberType, memberID)

	for _, old := range m.compsByMember[mk] {
		ck := resourceKey(old.CompartmentType, old.CompartmentID)
		m.membersByComp[ck] = filterMembers(m.membersByComp[ck], memberType, memberID)
	}

	stored := make([]CompartmentMembership, len(ms))
	copy(stored, ms)
	m.compsByMember[mk] = stored
	for _, mem := range stored {
		ck := resourceKey(mem.CompartmentType, mem.CompartmentID)
		next := make([]CompartmentMembership, len(m.membersByComp[ck])+1)
		copy(next, m.membersByComp[ck])
		next[len(next)-1] = mem
		m.membersByComp[ck] = next
	}
	return nil
}

func filterMembers(ms []CompartmentMembership, memberType, memberID string) []CompartmentMembership {
	out := make([]CompartmentMembership, 0, len(ms))
	for _, m := range ms {
		if m.MemberType != memberType || m.MemberID != memberID {
			out = append(out, m)
		}
	}
	return out
}

func (m *MemStorage) membersOf(ctx context.Context, compartmentType, compartmentID string) ([]CompartmentMembership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := m.membersByComp[resourceKey(compartmentType, compartmentID)]
	out := make([]CompartmentMembership, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemStorage) compartmentsOf(ctx context.Context, memberType, memberID string) ([]CompartmentMembership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := m.compsByMember[resourceKey(memberType, memberID)]
	out := make([]CompartmentMembership, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemStorage) putSyntheticID(ctx context.Context, token string, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.synthetic[token] = ref
	return nil
}

func (m *MemStorage) resolveSyntheticID(ctx context.Context, token string) (Ref, bool, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, false, err
	}
	ref, ok := m.synthetic[token]
	return ref, ok, nil
}
