package lease

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/msageha/conductor/internal/model"
)

const leaseSchema = `
CREATE TABLE IF NOT EXISTS agent_leases (
	id           TEXT PRIMARY KEY,
	base_address TEXT NOT NULL,
	machine_name TEXT NOT NULL,
	family       TEXT NOT NULL,
	ttl_seconds  INTEGER NOT NULL,
	kind         TEXT,
	instance_id  UUID,
	job_id       UUID,
	attempt      INTEGER NOT NULL DEFAULT 0,
	site_ids     TEXT[] NOT NULL DEFAULT '{}',
	global_steps TEXT[] NOT NULL DEFAULT '{}',
	site_steps   TEXT[] NOT NULL DEFAULT '{}',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_leases_kind_idx ON agent_leases (kind) WHERE kind IS NOT NULL;
`

const leaseColumns = `id, base_address, machine_name, family, ttl_seconds, kind, instance_id, job_id,
	attempt, site_ids, global_steps, site_steps, updated_at`

// PostgresStore is the lease table shared by agents and orchestrators on different hosts.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lease database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping lease database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, leaseSchema); err != nil {
		return fmt.Errorf("create lease schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func (s *PostgresStore) Upsert(ctx context.Context, l model.Lease) error {
	var kind sql.NullString
	if l.IsActive() {
		kind = sql.NullString{String: string(l.Kind), Valid: true}
	}
	var jobID uuid.NullUUID
	if l.JobID != nil {
		jobID = nullUUID(*l.JobID)
	}
	siteIDs := make([]string, len(l.SiteIDs))
	for i, id := range l.SiteIDs {
		siteIDs[i] = id.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_leases (id, base_address, machine_name, family, ttl_seconds, kind,
			instance_id, job_id, attempt, site_ids, global_steps, site_steps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (id) DO UPDATE SET
			base_address = EXCLUDED.base_address,
			machine_name = EXCLUDED.machine_name,
			family       = EXCLUDED.family,
			ttl_seconds  = EXCLUDED.ttl_seconds,
			kind         = EXCLUDED.kind,
			instance_id  = EXCLUDED.instance_id,
			job_id       = EXCLUDED.job_id,
			attempt      = EXCLUDED.attempt,
			site_ids     = EXCLUDED.site_ids,
			global_steps = EXCLUDED.global_steps,
			site_steps   = EXCLUDED.site_steps,
			updated_at   = now()
	`, l.ID, l.BaseAddress, l.MachineName, l.Family, l.TTLSeconds, kind,
		nullUUID(l.InstanceID), jobID, l.Attempt,
		pq.Array(siteIDs), pq.Array(nonNil(l.GlobalSteps)), pq.Array(nonNil(l.SiteSteps)))
	if err != nil {
		return fmt.Errorf("upsert lease %s: %w", l.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_leases WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete lease %s: %w", id, err)
	}
	return nil
}

// listQuery renders the filter as SQL. Expiry is evaluated by the database clock.
func listQuery(f Filter) (string, []any) {
	where := []string{"(ttl_seconds <= 0 OR updated_at + make_interval(secs => ttl_seconds) >= now())"}
	var args []any
	if f.ActiveOnly {
		where = append(where, "kind IS NOT NULL")
	}
	if f.ExcludeID != "" {
		args = append(args, f.ExcludeID)
		where = append(where, fmt.Sprintf("id <> $%d", len(args)))
	}
	if f.Family != "" {
		args = append(args, f.Family)
		where = append(where, fmt.Sprintf("(kind IS NOT NULL OR family = $%d)", len(args)))
	}
	q := "SELECT " + leaseColumns + " FROM agent_leases WHERE " + strings.Join(where, " AND ") +
		" ORDER BY machine_name, id"
	return q, args
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Lease, error) {
	q, args := listQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Lease
	for rows.Next() {
		var (
			l          model.Lease
			kind       sql.NullString
			instanceID uuid.NullUUID
			jobID      uuid.NullUUID
			siteIDs    []string
		)
		if err := rows.Scan(&l.ID, &l.BaseAddress, &l.MachineName, &l.Family, &l.TTLSeconds, &kind,
			&instanceID, &jobID, &l.Attempt, pq.Array(&siteIDs), pq.Array(&l.GlobalSteps),
			pq.Array(&l.SiteSteps), &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.Kind = model.ExecutionKind(kind.String)
		l.InstanceID = instanceID.UUID
		if jobID.Valid {
			id := jobID.UUID
			l.JobID = &id
		}
		for _, raw := range siteIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("lease %s: bad site id %q: %w", l.ID, raw, err)
			}
			l.SiteIDs = append(l.SiteIDs, id)
		}
		if len(l.GlobalSteps) == 0 {
			l.GlobalSteps = nil
		}
		if len(l.SiteSteps) == 0 {
			l.SiteSteps = nil
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return out, nil
}
