package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/parcelscope/property-research/internal/model"
)

// Pool abstracts the subset of *pgxpool.Pool the store uses so tests
// can substitute a mock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_property": `SELECT id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at
		 FROM properties WHERE address = $1 AND city = $2 AND state = $3`,
	"cache_get": `SELECT value FROM research_cache WHERE key = $1 AND expires_at > now()`,
	"cache_set": `INSERT INTO research_cache (key, value, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`,
	"cache_delete": `DELETE FROM research_cache WHERE key = $1`,
	"release_lock": `DELETE FROM research_locks WHERE key = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	address               TEXT NOT NULL,
	city                  TEXT NOT NULL,
	state                 TEXT NOT NULL,
	research              JSONB,
	research_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	roles_used            INTEGER NOT NULL DEFAULT 0,
	cost_usd              DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(address, city, state)
);

CREATE TABLE IF NOT EXISTS research_cache (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS research_locks (
	key         TEXT PRIMARY KEY,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_city_state ON properties(city, state);
CREATE INDEX IF NOT EXISTS idx_properties_updated_at ON properties(updated_at);
CREATE INDEX IF NOT EXISTS idx_research_cache_expires_at ON research_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveProperty(ctx context.Context, prop *model.Property) (*model.Property, error) {
	now := time.Now().UTC()
	id := prop.ID
	if id == "" {
		id = uuid.New().String()
	}

	researchJSON, err := json.Marshal(prop.Research)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal research")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO properties (id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (address, city, state) DO UPDATE SET
			research = EXCLUDED.research,
			research_time_seconds = EXCLUDED.research_time_seconds,
			roles_used = EXCLUDED.roles_used,
			cost_usd = EXCLUDED.cost_usd,
			updated_at = EXCLUDED.updated_at`,
		id, prop.Address, prop.City, prop.State, researchJSON,
		prop.ResearchTimeSeconds, prop.RolesUsed, prop.CostUSD, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: save property")
	}

	return s.GetProperty(ctx, model.Subject{Address: prop.Address, City: prop.City, State: prop.State})
}

func (s *PostgresStore) GetProperty(ctx context.Context, subject model.Subject) (*model.Property, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at
		 FROM properties WHERE address = $1 AND city = $2 AND state = $3`,
		subject.Address, subject.City, subject.State,
	)

	p, err := scanProperty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get property")
	}
	return p, nil
}

func (s *PostgresStore) SearchProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error) {
	query := `SELECT id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at
		 FROM properties WHERE true`
	var args []any

	if filter.City != "" {
		args = append(args, filter.City)
		query += ` AND city ILIKE $` + strconv.Itoa(len(args))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		query += ` AND state ILIKE $` + strconv.Itoa(len(args))
	}
	if filter.Address != "" {
		args = append(args, "%"+filter.Address+"%")
		query += ` AND address ILIKE $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search properties")
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan property")
		}
		props = append(props, *p)
	}
	return props, eris.Wrap(rows.Err(), "postgres: search iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.PropertyStats, error) {
	var stats model.PropertyStats
	var lastAt sql.NullTime

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(DISTINCT city || '|' || state),
			COALESCE(AVG(research_time_seconds), 0),
			COALESCE(SUM(CASE WHEN created_at >= now() - interval '1 day' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= now() - interval '7 days' THEN 1 ELSE 0 END), 0),
			MAX(updated_at)
		 FROM properties`,
	).Scan(&stats.TotalProperties, &stats.UniqueMarkets, &stats.AvgResearchSeconds,
		&stats.PropertiesToday, &stats.PropertiesThisWeek, &lastAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	if lastAt.Valid {
		stats.LastResearchAt = &lastAt.Time
	}
	return &stats, nil
}

func (s *PostgresStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM research_cache WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache get")
	}
	return value, nil
}

func (s *PostgresStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_cache (key, value, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`,
		key, value, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: cache set")
}

func (s *PostgresStore) CacheDelete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM research_cache WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: cache delete")
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM research_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM research_locks WHERE expires_at <= now()`); err != nil {
		return int(tag.RowsAffected()), eris.Wrap(err, "postgres: delete expired locks")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Expired locks are fair game; live ones are not.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO research_locks (key, acquired_at, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		 WHERE research_locks.expires_at <= now()`,
		key, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire lock")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM research_locks WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: release lock")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProperty(row scannable) (*model.Property, error) {
	var p model.Property
	var researchJSON []byte
	if err := row.Scan(&p.ID, &p.Address, &p.City, &p.State, &researchJSON,
		&p.ResearchTimeSeconds, &p.RolesUsed, &p.CostUSD, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(researchJSON) > 0 {
		if err := json.Unmarshal(researchJSON, &p.Research); err != nil {
			return nil, eris.Wrap(err, "unmarshal research")
		}
	}
	return &p, nil
}
