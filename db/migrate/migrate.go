// Package migrate applies the run-history schema.
//
// Migrations are embedded SQL files named NNN_name.sql. Run applies the ones
// a database has not seen, in version order, each in its own transaction,
// while holding a Postgres advisory lock so two control planes starting
// against the same database never race.
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil {
//	    return err
//	}
package migrate

import (
	"cmp"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockKey identifies the advisory lock held while migrating.
const lockKey int64 = 0x666c656574 // "fleet"

// Migration is one embedded schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Label returns the file stem, e.g. "001_runs".
func (m Migration) Label() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// Checksum is the hex SHA-256 of the migration SQL.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

// Record is a migration the database has applied.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status contains information about the current migration state.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
	Drifted []string `json:"drifted,omitempty"` // applied, but the embedded SQL has since changed
}

// Load returns the embedded migrations sorted by version.
func Load() ([]Migration, error) {
	return load(migrationsFS, "migrations")
}

func load(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	out := make([]Migration, 0, len(files))
	seen := make(map[int]string, len(files))
	for _, file := range files {
		version, name, err := parseFilename(path.Base(file))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, path.Base(file), version)
		}
		seen[version] = path.Base(file)

		sql, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", file, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(sql)})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// parseFilename splits "NNN_name.sql" into version and name.
func parseFilename(filename string) (int, string, error) {
	stem, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return 0, "", fmt.Errorf("migration %s: not a .sql file", filename)
	}
	num, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: expected NNN_name.sql", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: invalid version %q", filename, num)
	}
	return version, name, nil
}

// plan splits available migrations into those still to apply and the labels
// of applied ones whose SQL no longer matches the recorded checksum.
func plan(available []Migration, applied []Record) (todo []Migration, drifted []string) {
	done := make(map[int]Record, len(applied))
	for _, r := range applied {
		done[r.Version] = r
	}
	for _, m := range available {
		rec, ok := done[m.Version]
		switch {
		case !ok:
			todo = append(todo, m)
		case rec.Checksum != "" && rec.Checksum != m.Checksum():
			drifted = append(drifted, m.Label())
		}
	}
	return todo, drifted
}

// Run applies every pending migration.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	available, err := Load()
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("taking migration lock: %w", err)
	}
	defer func() {
		// The lock is session scoped; release it even if ctx is done.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			logger.Warn("releasing migration lock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedRecords(ctx, conn)
	if err != nil {
		return err
	}

	todo, drifted := plan(available, applied)
	for _, label := range drifted {
		logger.Warn("applied migration differs from embedded copy", "migration", label)
	}

	for _, m := range todo {
		if err := apply(ctx, conn, m); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.Label(), err)
		}
		logger.Info("migration applied", "version", m.Version, "name", m.Name)
	}

	logger.Info("database schema ready", "applied", len(todo), "total", len(applied)+len(todo))
	return nil
}

// GetStatus reports applied, pending and drifted migrations without
// changing the database.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	available, err := Load()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		if status.Applied, err = appliedRecords(ctx, conn); err != nil {
			return nil, err
		}
	}

	todo, drifted := plan(available, status.Applied)
	for _, m := range todo {
		status.Pending = append(status.Pending, m.Label())
	}
	status.Drifted = drifted
	return status, nil
}

func appliedRecords(ctx context.Context, conn *pgxpool.Conn) ([]Record, error) {
	rows, err := conn.Query(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func apply(ctx context.Context, conn *pgxpool.Conn, m Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		m.Version, m.Name, m.Checksum(),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
