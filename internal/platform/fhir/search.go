package fhir

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SearchOptions tunes the executor.
type SearchOptions struct {
	// DefaultCount is the page size when _count is absent.
	DefaultCount int
	// MaxCount caps _count.
	MaxCount int
	// ScanBudget bounds the number of index rows and resources examined by a
	// single search. When exceeded the result is truncated and flagged
	// partial rather than running unbounded. Zero disables the budget.
	ScanBudget int
}

// SearchResult is the outcome of one executed search.
type SearchResult struct {
	Matches    []*Resource
	Included   []*Resource
	Total      int
	Partial    bool
	NextCursor string
}

// Searcher plans and executes structured searches against the index tables.
// It never inspects resource bodies during matching; everything it needs was
// extracted at write time.
type Searcher struct {
	store    Storage
	registry *SearchParamRegistry
	codec    *CursorCodec
	opts     SearchOptions
	units    map[string]unitConversion
	log      zerolog.Logger
}

// NewSearcher creates an executor bound to a storage and registry.
func NewSearcher(store Storage, registry *SearchParamRegistry, codec *CursorCodec, opts SearchOptions, log zerolog.Logger) *Searcher {
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = 50
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 500
	}
	return &Searcher{
		store:    store,
		registry: registry,
		codec:    codec,
		opts:     opts,
		units:    defaultUnitConversions(),
		log:      log,
	}
}

// searchState carries per-execution scan accounting.
type searchState struct {
	scanned int
	partial bool
}

func (st *searchState) charge(s *Searcher, n int) bool {
	st.scanned += n
	if s.opts.ScanBudget > 0 && st.scanned > s.opts.ScanBudget {
		st.partial = true
		return false
	}
	return true
}

// Execute runs a parsed search request.
func (s *Searcher) Execute(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	start := time.Now()
	if _, ok := s.registry.KnownTypes()[req.Type]; !ok {
		return nil, &QueryError{Param: "_type", Diagnostics: fmt.Sprintf("unknown resource type %q", req.Type)}
	}

	st := &searchState{}
	ids, err := s.candidateIDs(ctx, req, st)
	if err != nil {
		return nil, err
	}

	matches, err := s.loadCurrent(ctx, req.Type, ids)
	if err != nil {
		return nil, err
	}

	sortSpecs := req.Sort
	if len(sortSpecs) == 0 {
		sortSpecs = []SortSpec{{Param: "_lastUpdated"}}
	}
	keys, err := s.sortMatches(ctx, req.Type, matches, sortSpecs)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Total: len(matches), Partial: st.partial}

	// Keyset resume: skip everything at or before the cursor position.
	offset := 0
	if req.Cursor != "" {
		cursor, err := s.codec.Decode(req.Cursor)
		if err != nil {
			return nil, err
		}
		if cursor.Sort != renderSortSpec(sortSpecs) {
			return nil, &QueryError{Param: "_cursor", Diagnostics: "cursor does not match the requested sort"}
		}
		offset = sort.Search(len(matches), func(i int) bool {
			return compareKeyed(keys[i], matches[i].ID, cursor.SortKey, cursor.ID, sortSpecs) > 0
		})
	}

	count := req.Count
	if count <= 0 {
		count = s.opts.DefaultCount
	}
	if count > s.opts.MaxCount {
		count = s.opts.MaxCount
	}

	end := offset + count
	if end > len(matches) {
		end = len(matches)
	}
	page := matches[offset:end]
	result.Matches = page

	if end < len(matches) && len(page) > 0 {
		last := page[len(page)-1]
		token, err := s.codec.Encode(&PageCursor{
			SortKey:   keys[end-1],
			ID:        last.ID,
			Sort:      renderSortSpec(sortSpecs),
			CreatedAt: time.Now().UTC(),
			PageSize:  count,
		})
		if err != nil {
			return nil, err
		}
		result.NextCursor = token
	}

	included, err := s.expandIncludes(ctx, req, page)
	if err != nil {
		return nil, err
	}
	result.Included = included

	s.log.Debug().
		Str("type", req.Type).
		Int("matches", result.Total).
		Int("scanned", st.scanned).
		Bool("partial", result.Partial).
		Dur("elapsed", time.Since(start)).
		Msg("search executed")
	return result, nil
}

// candidateIDs intersects the ID sets produced by every predicate. With no
// predicates the candidate set is every current resource of the type.
func (s *Searcher) candidateIDs(ctx context.Context, req *SearchRequest, st *searchState) ([]string, error) {
	var candidates map[string]bool

	intersect := func(ids map[string]bool) {
		if candidates == nil {
			candidates = ids
			return
		}
		for id := range candidates {
			if !ids[id] {
				delete(candidates, id)
			}
		}
	}

	for _, pred := range req.Predicates {
		var ids map[string]bool
		var err error
		switch {
		case pred.Chain != "":
			ids, err = s.matchChained(ctx, req.Type, pred, st)
		case pred.Modifier == ModifierMissing:
			ids, err = s.matchMissing(ctx, req.Type, pred, st)
		default:
			ids, err = s.matchPredicate(ctx, req.Type, pred, st)
		}
		if err != nil {
			return nil, err
		}
		intersect(ids)
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	if candidates == nil {
		candidates = map[string]bool{}
		err := s.store.ForEachCurrent(ctx, req.Type, func(r *Resource) error {
			if !st.charge(s, 1) {
				return errBudgetExceeded
			}
			candidates[r.ID] = true
			return nil
		})
		if err != nil && err != errBudgetExceeded {
			return nil, err
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var errBudgetExceeded = fmt.Errorf("scan budget exceeded")

// matchPredicate resolves one indexed predicate to the set of matching IDs.
func (s *Searcher) matchPredicate(ctx context.Context, resourceType string, pred Predicate, st *searchState) (map[string]bool, error) {
	def, ok := s.registry.Lookup(resourceType, pred.Param)
	if !ok {
		return nil, &QueryError{Param: pred.Param, Diagnostics: fmt.Sprintf("unknown search parameter for %s", resourceType)}
	}

	entries, err := s.store.IndexEntries(ctx, resourceType, pred.Param)
	if err != nil {
		return nil, err
	}

	ids := map[string]bool{}
	for _, e := range entries {
		if !st.charge(s, 1) {
			break
		}
		if ids[e.ResourceID] {
			continue
		}
		for _, value := range pred.Values {
			matched, err := s.entryMatches(def, pred.Modifier, value, e)
			if err != nil {
				return nil, err
			}
			if matched {
				ids[e.ResourceID] = true
				break
			}
		}
	}
	return ids, nil
}

// matchMissing handles the :missing modifier by comparing the set of current
// resources against the set with at least one entry for the parameter.
func (s *Searcher) matchMissing(ctx context.Context, resourceType string, pred Predicate, st *searchState) (map[string]bool, error) {
	if _, ok := s.registry.Lookup(resourceType, pred.Param); !ok {
		return nil, &QueryError{Param: pred.Param, Diagnostics: fmt.Sprintf("unknown search parameter for %s", resourceType)}
	}
	wantMissing := strings.EqualFold(first(pred.Values), "true")

	entries, err := s.store.IndexEntries(ctx, resourceType, pred.Param)
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, e := range entries {
		if !st.charge(s, 1) {
			break
		}
		present[e.ResourceID] = true
	}
	if !wantMissing {
		return present, nil
	}

	ids := map[string]bool{}
	err = s.store.ForEachCurrent(ctx, resourceType, func(r *Resource) error {
		if !st.charge(s, 1) {
			return errBudgetExceeded
		}
		if !present[r.ID] {
			ids[r.ID] = true
		}
		return nil
	})
	if err != nil && err != errBudgetExceeded {
		return nil, err
	}
	return ids, nil
}

// matchChained resolves param.chain=value: a sub-search on the target type,
// then a reference-index lookup back to the source type.
func (s *Searcher) matchChained(ctx context.Context, resourceType string, pred Predicate, st *searchState) (map[string]bool, error) {
	def, ok := s.registry.Lookup(resourceType, pred.Param)
	if !ok || def.Type != SearchParamReference {
		return nil, &QueryError{Param: pred.Param, Diagnostics: fmt.Sprintf("chaining requires a reference parameter on %s", resourceType)}
	}

	targets := def.Targets
	if pred.ChainType != "" {
		if !containsString(def.Targets, pred.ChainType) {
			return nil, &QueryError{Param: pred.Param, Diagnostics: fmt.Sprintf("%s is not a valid target for %s", pred.ChainType, pred.Param)}
		}
		targets = []string{pred.ChainType}
	}

	// Collect target refs that satisfy the chained condition.
	wanted := map[string]bool{}
	for _, target := range targets {
		if _, ok := s.registry.Lookup(target, pred.Chain); !ok {
			continue
		}
		sub := Predicate{Param: pred.Chain, Values: pred.Values}
		ids, err := s.matchPredicate(ctx, target, sub, st)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			wanted[target+"/"+id] = true
		}
	}
	if len(wanted) == 0 {
		return map[string]bool{}, nil
	}

	entries, err := s.store.IndexEntries(ctx, resourceType, pred.Param)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, e := range entries {
		if !st.charge(s, 1) {
			break
		}
		if wanted[e.Value] {
			ids[e.ResourceID] = true
		}
	}
	return ids, nil
}

// entryMatches applies one search value to one index entry.
func (s *Searcher) entryMatches(def SearchParamDef, mod SearchModifier, value string, e IndexEntry) (bool, error) {
	switch def.Type {
	case SearchParamToken:
		return tokenValueMatches(value, e), nil

	case SearchParamString:
		entry := strings.ToLower(e.Value)
		switch mod {
		case ModifierExact:
			return e.Value == value, nil
		case ModifierContains:
			return strings.Contains(entry, strings.ToLower(value)), nil
		default:
			return strings.HasPrefix(entry, strings.ToLower(value)), nil
		}

	case SearchParamURI:
		return e.Value == value, nil

	case SearchParamDate:
		pv := ParseSearchValue(value)
		rng, err := ParseDateRange(pv.Value)
		if err != nil {
			return false, &QueryError{Param: def.Code, Diagnostics: err.Error()}
		}
		return dateMatches(pv.Prefix, e, rng), nil

	case SearchParamNumber:
		pv := ParseSearchValue(value)
		n, err := strconv.ParseFloat(pv.Value, 64)
		if err != nil {
			return false, &QueryError{Param: def.Code, Diagnostics: fmt.Sprintf("bad number %q", pv.Value)}
		}
		return numberMatches(pv.Prefix, e.Number, n), nil

	case SearchParamQuantity:
		return s.quantityMatches(def.Code, value, e)

	case SearchParamReference:
		if strings.Contains(value, "/") {
			return e.Value == value, nil
		}
		return strings.HasSuffix(e.Value, "/"+value), nil

	case SearchParamComposite:
		return s.compositeMatches(def, value, e)
	}
	return false, nil
}

// tokenValueMatches implements the system|code forms: "code" matches any
// system, "system|code" matches both, "|code" requires no system, "system|"
// matches any code of that system.
func tokenValueMatches(value string, e IndexEntry) bool {
	value = strings.ToLower(value)
	if i := strings.Index(value, "|"); i >= 0 {
		system, code := value[:i], value[i+1:]
		if code == "" {
			return e.System == system
		}
		return e.System == system && e.Value == code
	}
	return e.Value == value
}

// dateMatches compares an indexed half-open range against the query range.
// eq is overlap: partial-precision values match anything within their span.
func dateMatches(prefix SearchPrefix, e IndexEntry, q DateRange) bool {
	overlap := e.Start.Before(q.End) && e.End.After(q.Start)
	switch prefix {
	case PrefixEq:
		return overlap
	case PrefixNe:
		return !overlap
	case PrefixGt:
		return e.End.After(q.End)
	case PrefixLt:
		return e.Start.Before(q.Start)
	case PrefixGe:
		return !e.End.Before(q.Start)
	case PrefixLe:
		return !e.Start.After(q.End)
	}
	return false
}

func numberMatches(prefix SearchPrefix, entry, query float64) bool {
	const eps = 1e-9
	switch prefix {
	case PrefixEq:
		return entry > query-eps && entry < query+eps
	case PrefixNe:
		return entry <= query-eps || entry >= query+eps
	case PrefixGt:
		return entry > query
	case PrefixLt:
		return entry < query
	case PrefixGe:
		return entry >= query
	case PrefixLe:
		return entry <= query
	}
	return false
}

// quantityMatches parses [prefix]number|system|code. Units are canonicalized
// with the same table used at extraction, so 1.2 g matches 1200 mg.
func (s *Searcher) quantityMatches(param, value string, e IndexEntry) (bool, error) {
	parts := strings.Split(value, "|")
	pv := ParseSearchValue(parts[0])
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return false, &QueryError{Param: param, Diagnostics: fmt.Sprintf("bad quantity %q", parts[0])}
	}

	var unit string
	switch len(parts) {
	case 1:
	case 2:
		unit = parts[1]
	case 3:
		unit = parts[2]
	default:
		return false, &QueryError{Param: param, Diagnostics: fmt.Sprintf("bad quantity %q", value)}
	}

	if unit != "" {
		if conv, found := s.units[unit]; found {
			if e.Unit != conv.canonical {
				return false, nil
			}
			n *= conv.factor
		} else if e.Unit != unit {
			return false, nil
		}
	}
	return numberMatches(pv.Prefix, e.Number, n), nil
}

// compositeMatches splits v1$v2$... and requires every component to match its
// correlated sub-entry. Components were extracted from one root node, so this
// never matches values drawn from unrelated repeated elements.
func (s *Searcher) compositeMatches(def SearchParamDef, value string, e IndexEntry) (bool, error) {
	parts := strings.Split(value, "$")
	if len(parts) != len(def.Components) || len(parts) != len(e.Components) {
		return false, nil
	}
	for i, comp := range def.Components {
		subDef := SearchParamDef{Code: comp.Name, Type: comp.Type}
		ok, err := s.entryMatches(subDef, ModifierNone, parts[i], e.Components[i])
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// loadCurrent resolves candidate IDs to live resources, dropping anything
// deleted since its index rows were read.
func (s *Searcher) loadCurrent(ctx context.Context, resourceType string, ids []string) ([]*Resource, error) {
	out := make([]*Resource, 0, len(ids))
	for _, id := range ids {
		res, err := s.store.GetCurrent(ctx, resourceType, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if res.Deleted {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// sortMatches orders matches in place per the sort specs and returns the
// rendered composite sort key of each match, aligned by index.
func (s *Searcher) sortMatches(ctx context.Context, resourceType string, matches []*Resource, specs []SortSpec) ([]string, error) {
	// One value per (param, id): the minimum rendered entry value, which is
	// the conventional choice for multi-valued elements.
	valueOf := map[string]map[string]string{}
	for _, spec := range specs {
		if spec.Param == "_lastUpdated" || spec.Param == "_id" {
			continue
		}
		if _, ok := s.registry.Lookup(resourceType, spec.Param); !ok {
			return nil, &QueryError{Param: "_sort", Diagnostics: fmt.Sprintf("unknown sort parameter %q", spec.Param)}
		}
		entries, err := s.store.IndexEntries(ctx, resourceType, spec.Param)
		if err != nil {
			return nil, err
		}
		byID := map[string]string{}
		for _, e := range entries {
			v := renderSortValue(e)
			if cur, ok := byID[e.ResourceID]; !ok || v < cur {
				byID[e.ResourceID] = v
			}
		}
		valueOf[spec.Param] = byID
	}

	keyOf := func(r *Resource) string {
		parts := make([]string, len(specs))
		for i, spec := range specs {
			switch spec.Param {
			case "_lastUpdated":
				parts[i] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
			case "_id":
				parts[i] = r.ID
			default:
				parts[i] = valueOf[spec.Param][r.ID]
			}
		}
		return strings.Join(parts, "\x00")
	}

	keys := make(map[*Resource]string, len(matches))
	for _, m := range matches {
		keys[m] = keyOf(m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return compareKeyed(keys[matches[i]], matches[i].ID, keys[matches[j]], matches[j].ID, specs) < 0
	})

	ordered := make([]string, len(matches))
	for i, m := range matches {
		ordered[i] = keys[m]
	}
	return ordered, nil
}

// compareKeyed orders (compositeKey, id) pairs field by field, honoring the
// per-field sort direction. The id is the final ascending tiebreaker.
func compareKeyed(aKey, aID, bKey, bID string, specs []SortSpec) int {
	aParts := strings.Split(aKey, "\x00")
	bParts := strings.Split(bKey, "\x00")
	for i, spec := range specs {
		var av, bv string
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
		}
		if av == bv {
			continue
		}
		// Absent values sort last regardless of direction.
		if av == "" {
			return 1
		}
		if bv == "" {
			return -1
		}
		cmp := strings.Compare(av, bv)
		if spec.Desc {
			cmp = -cmp
		}
		return cmp
	}
	return strings.Compare(aID, bID)
}

// renderSortValue renders an index entry as a lexicographically ordered key.
func renderSortValue(e IndexEntry) string {
	switch e.Type {
	case SearchParamDate:
		return e.Start.UTC().Format(time.RFC3339Nano)
	case SearchParamNumber, SearchParamQuantity:
		return sortableNumber(e.Number)
	default:
		return strings.ToLower(e.Value)
	}
}

// sortableNumber renders a float so string order equals numeric order.
func sortableNumber(f float64) string {
	if f >= 0 {
		return fmt.Sprintf("1%020.6f", f)
	}
	return fmt.Sprintf("0%020.6f", 1e13+f)
}

func renderSortSpec(specs []SortSpec) string {
	parts := make([]string, len(specs))
	for i, spec := range specs {
		if spec.Desc {
			parts[i] = "-" + spec.Param
		} else {
			parts[i] = spec.Param
		}
	}
	return strings.Join(parts, ",")
}

// expandIncludes resolves _include and _revinclude directives for the
// returned page. Included resources are deduplicated against each other but
// not against matches; a resource can legitimately be both.
func (s *Searcher) expandIncludes(ctx context.Context, req *SearchRequest, page []*Resource) ([]*Resource, error) {
	seen := map[string]bool{}
	var included []*Resource

	add := func(typ, id string) error {
		key := typ + "/" + id
		if seen[key] {
			return nil
		}
		seen[key] = true
		res, err := s.store.GetCurrent(ctx, typ, id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if res.Deleted {
			return nil
		}
		included = append(included, res)
		return nil
	}

	for _, spec := range req.Includes {
		if spec.Source != req.Type {
			return nil, &QueryError{Param: "_include", Diagnostics: fmt.Sprintf("source %q does not match search type %q", spec.Source, req.Type)}
		}
		for _, match := range page {
			edges, err := s.store.EdgesFrom(ctx, match.Type, match.ID)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if edge.Param != spec.Param || edge.Dangling {
					continue
				}
				if spec.Target != "" && edge.ToType != spec.Target {
					continue
				}
				if err := add(edge.ToType, edge.ToID); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, spec := range req.RevIncludes {
		for _, match := range page {
			edges, err := s.store.EdgesTo(ctx, match.Type, match.ID)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if edge.FromType != spec.Source || edge.Param != spec.Param {
					continue
				}
				if err := add(edge.FromType, edge.FromID); err != nil {
					return nil, err
				}
			}
		}
	}

	return included, nil
}
