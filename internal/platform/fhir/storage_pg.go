package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStorage is the PostgreSQL Storage backend. Writes are expected to run
// inside RunTx, which is how the batch coordinator always drives them; plain
// reads go straight to the pool with bounded retry on transient failures.
type PGStorage struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPGStorage creates a storage over an existing pool.
func NewPGStorage(pool *pgxpool.Pool) *PGStorage {
	return &PGStorage{pool: pool, q: pool}
}

// retryRead runs an idempotent read with short exponential backoff. Inside a
// transaction retrying individual statements would break isolation, so the
// call runs once.
func (s *PGStorage) retryRead(ctx context.Context, fn func() error) error {
	if s.inTx {
		return fn()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// PutVersion appends the next version with an optimistic concurrency check.
func (s *PGStorage) PutVersion(ctx context.Context, typ, id string, body map[string]interface{}, deleted bool, expectedVersion int) (*Resource, error) {
	var current int
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(MAX(version_id), 0)
		FROM resource_version
		WHERE resource_type = $1 AND resource_id = $2`, typ, id).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("current version of %s/%s: %w", typ, id, err)
	}
	if expectedVersion >= 0 && current != expectedVersion {
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
		LastUpdated: time.Now().UTC(),
		Deleted:     deleted,
		Body:        body,
	}

	var encoded []byte
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", typ, id, err)
		}
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO resource_version (resource_type, resource_id, version_id, deleted, body, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		typ, id, res.VersionID, deleted, encoded, res.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("insert version %s/%s/%d: %w", typ, id, res.VersionID, err)
	}
	return res, nil
}

const versionCols = `resource_type, resource_id, version_id, deleted, body, last_updated`

func scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	var encoded []byte
	if err := row.Scan(&res.Type, &res.ID, &res.VersionID, &res.Deleted, &encoded, &res.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &res.Body); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", res.Type, res.ID, err)
		}
	}
	return &res, nil
}

func (s *PGStorage) GetCurrent(ctx context.Context, typ, id string) (*Resource, error) {
	var res *Resource
	err := s.retryRead(ctx, func() error {
		var err error
		res, err = scanResource(s.q.QueryRow(ctx, `
			SELECT `+versionCols+` FROM resource_version
			WHERE resource_type = $1 AND resource_id = $2
			ORDER BY version_id DESC LIMIT 1`, typ, id))
		return err
	})
	return res, err
}

func (s *PGStorage) GetVersion(ctx context.Context, typ, id string, version int) (*Resource, error) {
	var res *Resource
	err := s.retryRead(ctx, func() error {
		var err error
		res, err = scanResource(s.q.QueryRow(ctx, `
			SELECT `+versionCols+` FROM resource_version
			WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`, typ, id, version))
		return err
	})
	return res, err
}

func (s *PGStorage) History(ctx context.Context, typ, id string) ([]*Resource, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+versionCols+` FROM resource_version
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id ASC`, typ, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PGStorage) ForEachCurrent(ctx context.Context, typ string, fn func(*Resource) error) error {
	query := `
		SELECT DISTINCT ON (resource_type, resource_id) ` + versionCols + `
		FROM resource_version`
	args := []any{}
	if typ != "" {
		query += ` WHERE resource_type = $1`
		args = append(args, typ)
	}
	query += ` ORDER BY resource_type, resource_id, version_id DESC`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := scanResource(rows)
		if err != nil {
			return err
		}
		if res.Deleted {
			continue
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PGStorage) ReplaceIndex(ctx context.Context, typ, id string, entries []IndexEntry) error {
	if _, err := s.q.Exec(ctx, `
		DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2`, typ, id); err != nil {
		return err
	}
	for _, e := range entries {
		var components []byte
		if len(e.Components) > 0 {
			var err error
			components, err = json.Marshal(e.Components)
			if err != nil {
				return fmt.Errorf("encode components of %s/%s %s: %w", typ, id, e.Param, err)
			}
		}
		_, err := s.q.Exec(ctx, `
			INSERT INTO search_index
				(resource_type, resource_id, param, param_type, system, value, number, unit, range_start, range_end, components)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			e.ResourceType, e.ResourceID, e.Param, int(e.Type), e.System, e.Value,
			e.Number, e.Unit, nullTime(e.Start), nullTime(e.End), components)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PGStorage) IndexEntries(ctx context.Context, resourceType, param string) ([]IndexEntry, error) {
	var out []IndexEntry
	err := s.retryRead(ctx, func() error {
		out = out[:0]
		rows, err := s.q.Query(ctx, `
			SELECT resource_type, resource_id, param, param_type, system, value, number, unit, range_start, range_end, components
			FROM search_index
			WHERE resource_type = $1 AND param = $2`, resourceType, param)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e IndexEntry
			var paramType int
			var start, end *time.Time
			var components []byte
			if err := rows.Scan(&e.ResourceType, &e.ResourceID, &e.Param, &paramType,
				&e.System, &e.Value, &e.Number, &e.Unit, &start, &end, &components); err != nil {
				return err
			}
			e.Type = SearchParamType(paramType)
			if start != nil {
				e.Start = *start
			}
			if end != nil {
				e.End = *end
			}
			if len(components) > 0 {
				if err := json.Unmarshal(components, &e.Components); err != nil {
					return err
				}
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStorage) IndexedParams(ctx context.Context, typ, id string) (map[string]bool, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT param FROM search_index
		WHERE resource_type = $1 AND resource_id = $2`, typ, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var param string
		if err := rows.Scan(&param); err != nil {
			return nil, err
		}
		out[param] = true
	}
	return out, rows.Err()
}

func (s *PGStorage) ReplaceEdges(ctx context.Context, typ, id string, edges []ReferenceEdge) error {
	if _, err := s.q.Exec(ctx, `
		DELETE FROM reference_edge WHERE from_type = $1 AND from_id = $2`, typ, id); err != nil {
		return err
	}
	for _, e := range edges {
		_, err := s.q.Exec(ctx, `
			INSERT INTO reference_edge (from_type, from_id, from_version, param, path, to_type, to_id, dangling)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.FromType, e.FromID, e.FromVersionID, e.Param, e.Path, e.ToType, e.ToID, e.Dangling)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStorage) EdgesFrom(ctx context.Context, typ, id string) ([]ReferenceEdge, error) {
	return s.queryEdges(ctx, `
		SELECT from_type, from_id, from_version, param, path, to_type, to_id, dangling
		FROM reference_edge WHERE from_type = $1 AND from_id = $2`, typ, id)
}

func (s *PGStorage) EdgesTo(ctx context.Context, toType, toID string) ([]ReferenceEdge, error) {
	return s.queryEdges(ctx, `
		SELECT from_type, from_id, from_version, param, path, to_type, to_id, dangling
		FROM reference_edge WHERE to_type = $1 AND to_id = $2`, toType, toID)
}

func (s *PGStorage) queryEdges(ctx context.Context, query string, args ...any) ([]ReferenceEdge, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferenceEdge
	for rows.Next() {
		var e ReferenceEdge
		if err := rows.Scan(&e.FromType, &e.FromID, &e.FromVersionID, &e.Param, &e.Path, &e.ToType, &e.ToID, &e.Dangling); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStorage) ReplaceMembership(ctx context.Context, memberType, memberID string, ms []CompartmentMembership) error {
	if _, err := s.q.Exec(ctx, `
		DELETE FROM compartment_membership WHERE member_type = $1 AND member_id = $2`, memberType, memberID); err != nil {
		return err
	}
	for _, m := range ms {
		_, err := s.q.Exec(ctx, `
			INSERT INTO compartment_membership (compartment_type, compartment_id, member_type, member_id)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT DO NOTHING`,
			m.CompartmentType, m.CompartmentID, m.MemberType, m.MemberID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStorage) MembersOf(ctx context.Context, compartmentType, compartmentID string) ([]CompartmentMembership, error) {
	return s.queryMembership(ctx, `
		SELECT compartment_type, compartment_id, member_type, member_id
		FROM compartment_membership
		WHERE compartment_type = $1 AND compartment_id = $2
		ORDER BY member_type, member_id`, compartmentType, compartmentID)
}

func (s *PGStorage) CompartmentsOf(ctx context.Context, memberType, memberID string) ([]CompartmentMembership, error) {
	return s.queryMembership(ctx, `
		SELECT compartment_type, compartment_id, member_type, member_id
		FROM compartment_membership
		WHERE member_type = $1 AND member_id = $2`, memberType, memberID)
}

func (s *PGStorage) queryMembership(ctx context.Context, query string, args ...any) ([]CompartmentMembership, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompartmentMembership
	for rows.Next() {
		var m CompartmentMembership
		if err := rows.Scan(&m.CompartmentType, &m.CompartmentID, &m.MemberType, &m.MemberID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStorage) PutSyntheticID(ctx context.Context, token string, ref Ref) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO synthetic_id (token, resource_type, resource_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET resource_type = $2, resource_id = $3`,
		token, ref.Type, ref.ID)
	return err
}

func (s *PGStorage) ResolveSyntheticID(ctx context.Context, token string) (Ref, bool, error) {
	var ref Ref
	err := s.q.QueryRow(ctx, `
		SELECT resource_type, resource_id FROM synthetic_id WHERE token = $1`, token).
		Scan(&ref.Type, &ref.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, err
	}
	return ref, true, nil
}

// RunTx runs fn inside a serializable-enough transaction. Nested calls reuse
// the surrounding transaction.
func (s *PGStorage) RunTx(ctx context.Context, fn func(tx Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	txStore := &PGStorage{pool: s.pool, q: pgtx, inTx: true}

	if err := fn(txStore); err != nil {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
