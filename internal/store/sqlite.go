package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/parcelscope/property-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id                    TEXT PRIMARY KEY,
	address               TEXT NOT NULL,
	city                  TEXT NOT NULL,
	state                 TEXT NOT NULL,
	research              TEXT,
	research_time_seconds REAL NOT NULL DEFAULT 0,
	roles_used            INTEGER NOT NULL DEFAULT 0,
	cost_usd              REAL NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(address, city, state)
);

CREATE TABLE IF NOT EXISTS research_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS research_locks (
	key         TEXT PRIMARY KEY,
	acquired_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_city_state ON properties(city, state);
CREATE INDEX IF NOT EXISTS idx_properties_updated_at ON properties(updated_at);
CREATE INDEX IF NOT EXISTS idx_research_cache_expires_at ON research_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveProperty(ctx context.Context, prop *model.Property) (*model.Property, error) {
	now := time.Now().UTC()
	id := prop.ID
	if id == "" {
		id = uuid.New().String()
	}

	researchJSON, err := json.Marshal(prop.Research)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal research")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO properties (id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address, city, state) DO UPDATE SET
			research = excluded.research,
			research_time_seconds = excluded.research_time_seconds,
			roles_used = excluded.roles_used,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`,
		id, prop.Address, prop.City, prop.State, string(researchJSON),
		prop.ResearchTimeSeconds, prop.RolesUsed, prop.CostUSD, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: save property")
	}

	return s.GetProperty(ctx, model.Subject{Address: prop.Address, City: prop.City, State: prop.State})
}

func (s *SQLiteStore) GetProperty(ctx context.Context, subject model.Subject) (*model.Property, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at
		 FROM properties WHERE address = ? AND city = ? AND state = ?`,
		subject.Address, subject.City, subject.State,
	)

	var p model.Property
	var researchJSON sql.NullString
	err := row.Scan(&p.ID, &p.Address, &p.City, &p.State, &researchJSON,
		&p.ResearchTimeSeconds, &p.RolesUsed, &p.CostUSD, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get property")
	}
	if researchJSON.Valid && researchJSON.String != "" {
		if err := json.Unmarshal([]byte(researchJSON.String), &p.Research); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal research")
		}
	}
	return &p, nil
}

func (s *SQLiteStore) SearchProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error) {
	query := `SELECT id, address, city, state, research, research_time_seconds, roles_used, cost_usd, created_at, updated_at
		 FROM properties WHERE 1=1`
	var args []any

	if filter.City != "" {
		query += ` AND city = ? COLLATE NOCASE`
		args = append(args, filter.City)
	}
	if filter.State != "" {
		query += ` AND state = ? COLLATE NOCASE`
		args = append(args, filter.State)
	}
	if filter.Address != "" {
		query += ` AND address LIKE ? COLLATE NOCASE`
		args = append(args, "%"+filter.Address+"%")
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search properties")
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		var p model.Property
		var researchJSON sql.NullString
		if err := rows.Scan(&p.ID, &p.Address, &p.City, &p.State, &researchJSON,
			&p.ResearchTimeSeconds, &p.RolesUsed, &p.CostUSD, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan property")
		}
		if researchJSON.Valid && researchJSON.String != "" {
			if err := json.Unmarshal([]byte(researchJSON.String), &p.Research); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal research")
			}
		}
		props = append(props, p)
	}
	return props, eris.Wrap(rows.Err(), "sqlite: search iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.PropertyStats, error) {
	var stats model.PropertyStats
	var lastAt sql.NullString

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(DISTINCT city || '|' || state),
			COALESCE(AVG(research_time_seconds), 0),
			COALESCE(SUM(CASE WHEN created_at >= datetime('now', '-1 day') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= datetime('now', '-7 days') THEN 1 ELSE 0 END), 0),
			MAX(updated_at)
		 FROM properties`,
	)
	err := row.Scan(&stats.TotalProperties, &stats.UniqueMarkets, &stats.AvgResearchSeconds,
		&stats.PropertiesToday, &stats.PropertiesThisWeek, &lastAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	if lastAt.Valid {
		// MAX() strips the column's declared type, so the driver hands back the
		// stored string form of time.Time rather than a time.Time.
		t, err := time.Parse("2006-01-02 15:04:05.999999999 -0700 MST", lastAt.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: stats")
		}
		stats.LastResearchAt = &t
	}
	return &stats, nil
}

func (s *SQLiteStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM research_cache WHERE key = ? AND expires_at > datetime('now')`,
		key,
	)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache get")
	}
	return []byte(value), nil
}

func (s *SQLiteStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO research_cache (key, value, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, string(value), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: cache set")
}

func (s *SQLiteStore) CacheDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM research_cache WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: cache delete")
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM research_cache WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM research_locks WHERE expires_at <= datetime('now')`,
	); err != nil {
		return int(n), eris.Wrap(err, "sqlite: delete expired locks")
	}
	return int(n), nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Expired locks are fair game; live ones are not.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO research_locks (key, acquired_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE research_locks.expires_at <= datetime('now')`,
		key, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM research_locks WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: release lock")
}
