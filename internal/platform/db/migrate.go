package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serialises concurrent `migrate up` runs cluster-wide.
const migrationLockKey int64 = 0x68727130 // "hrq0"

var (
	identRE     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	migrationRE = regexp.MustCompile(`^(\d+)_[^/]+\.sql$`)
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies NNN_name.sql files from src. src may be the embedded set
// or an operator-supplied directory.
type Migrator struct {
	pool *pgxpool.Pool
	src  fs.FS
}

func NewMigrator(pool *pgxpool.Pool, src fs.FS) *Migrator {
	return &Migrator{pool: pool, src: src}
}

// LoadMigrations reads the top level of src in version order. Names without
// a numeric prefix are ignored; two files sharing a version are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.src, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	seen := map[int]string{}
	var out []Migration
	for _, e := range entries {
		match := migrationRE.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()

		body, err := fs.ReadFile(m.src, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: v, Name: e.Name(), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func bookkeepingDDL(schema string) (string, error) {
	if !identRE.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name: %q", schema)
	}
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema), nil
}

// withLock runs fn on one connection holding the migration advisory lock.
func (m *Migrator) withLock(ctx context.Context, schema string, fn func(*pgxpool.Conn) error) error {
	ddl, err := bookkeepingDDL(schema)
	if err != nil {
		return err
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey) //nolint:errcheck

	if _, err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("prepare %s._migrations: %w", schema, err)
	}
	return fn(conn)
}

func applied(ctx context.Context, conn *pgxpool.Conn, schema string) (map[int]time.Time, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	done := map[int]time.Time{}
	var v int
	var at time.Time
	_, err = pgx.ForEachRow(rows, []any{&v, &at}, func() error {
		done[v] = at
		return nil
	})
	return done, err
}

// Up applies pending migrations, one transaction each, and reports how many
// ran. A failure leaves earlier migrations committed.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	pending, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	n := 0
	err = m.withLock(ctx, schema, func(conn *pgxpool.Conn) error {
		done, err := applied(ctx, conn, schema)
		if err != nil {
			return err
		}
		for _, mig := range pending {
			if _, ok := done[mig.Version]; ok {
				continue
			}
			if err := applyOne(ctx, conn, schema, mig); err != nil {
				return fmt.Errorf("migration %s: %w", mig.Name, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func applyOne(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO _migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
		return err
	})
}

func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	all, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	var out []MigrationStatus
	err = m.withLock(ctx, schema, func(conn *pgxpool.Conn) error {
		done, err := applied(ctx, conn, schema)
		out = mergeStatus(all, done)
		return err
	})
	return out, err
}

func mergeStatus(all []Migration, done map[int]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, len(all))
	for i, mig := range all {
		out[i] = MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := done[mig.Version]; ok {
			out[i].Applied, out[i].AppliedAt = true, &at
		}
	}
	return out
}
