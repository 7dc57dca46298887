package runinfo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errs "github.com/drblury/ctfreader/internal/runtime/errors"
)

// Database drivers understood by OpenSQL.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLStore reads run metadata from a run_info table:
//
//	run INTEGER PRIMARY KEY, sor BIGINT, eor BIGINT,
//	orbit_sor BIGINT, orbit_eor BIGINT, orbits_per_tf INTEGER
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL connects and checks that the database answers.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open run info database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach run info database: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// EnsureSchema creates the run_info table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS run_info (
		run BIGINT PRIMARY KEY,
		sor BIGINT NOT NULL,
		eor BIGINT NOT NULL DEFAULT 0,
		orbit_sor BIGINT NOT NULL,
		orbit_eor BIGINT NOT NULL DEFAULT 0,
		orbits_per_tf INTEGER NOT NULL
	)`)
	return err
}

// Put inserts or replaces the metadata of a run.
func (s *SQLStore) Put(ctx context.Context, i Info) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO run_info (run, sor, eor, orbit_sor, orbit_eor, orbits_per_tf)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (run) DO UPDATE SET
		sor = excluded.sor, eor = excluded.eor,
		orbit_sor = excluded.orbit_sor, orbit_eor = excluded.orbit_eor,
		orbits_per_tf = excluded.orbits_per_tf`),
		i.Run, i.SOR, i.EOR, i.OrbitSOR, i.OrbitEOR, i.OrbitsPerTF)
	if err != nil {
		return fmt.Errorf("failed to store run %d: %w", i.Run, err)
	}
	return nil
}

func (s *SQLStore) RunInfo(ctx context.Context, run uint32) (Info, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT run, sor, eor, orbit_sor, orbit_eor, orbits_per_tf
	FROM run_info WHERE run = ?`), run)

	var i Info
	err := row.Scan(&i.Run, &i.SOR, &i.EOR, &i.OrbitSOR, &i.OrbitEOR, &i.OrbitsPerTF)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, fmt.Errorf("%w: run %d not in database", errs.ErrRunInfo, run)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: query run %d: %v", errs.ErrRunInfo, run, err)
	}
	return i, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind turns '?' placeholders into '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
