// Package migrate applies ordered SQL migration and seed files against
// PostgreSQL. Bookkeeping tables record every applied file so reruns
// are no-ops, and each file executes inside a single transaction.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"kassa.app/internal/logging"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"
	seedDir         = "seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingApplied is returned by Down when the migration history is
// empty.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager runs SQL files from a file system, normally the embedded
// migrations.Files. Migrations live at the root as NNNN_name.up.sql
// with a matching .down.sql; seeds live under seeds/.
type Manager struct {
	db   *sql.DB
	fsys fs.FS
}

// NewManager wires a database handle to a migration file system.
func NewManager(db *sql.DB, fsys fs.FS) *Manager {
	return &Manager{db: db, fsys: fsys}
}

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Up applies every pending migration in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.appliedSet(ctx, migrationsTable)
	if err != nil {
		return err
	}
	files, err := m.glob(".", upSuffix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if done[name] {
			continue
		}
		if err := m.execFile(ctx, name); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if err := m.record(ctx, migrationsTable, name); err != nil {
			return err
		}
		logging.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	row := m.db.QueryRowContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at desc, name desc limit 1`, migrationsTable))
	var last string
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNothingApplied
		}
		return err
	}
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if _, err := fs.Stat(m.fsys, down); err != nil {
		return fmt.Errorf("migrate: no down file for %s", last)
	}
	if err := m.execFile(ctx, down); err != nil {
		return fmt.Errorf("migrate: roll back %s: %w", last, err)
	}
	if _, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last); err != nil {
		return err
	}
	logging.Info().Str("migration", last).Msg("migration rolled back")
	return nil
}

// Seed applies pending seed files. Seeds are tracked separately from
// migrations and never rolled back.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.appliedSet(ctx, seedsTable)
	if err != nil {
		return err
	}
	files, err := m.glob(seedDir, ".sql")
	if err != nil {
		return err
	}
	for _, name := range files {
		if done[name] {
			continue
		}
		if err := m.execFile(ctx, name); err != nil {
			return fmt.Errorf("migrate: apply seed %s: %w", name, err)
		}
		if err := m.record(ctx, seedsTable, name); err != nil {
			return err
		}
		logging.Info().Str("seed", name).Msg("seed applied")
	}
	return nil
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Pending returns migration files that have not been applied yet.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.appliedSet(ctx, migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := m.glob(".", upSuffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range files {
		if !done[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// execFile runs one SQL file inside a transaction.
func (m *Manager) execFile(ctx context.Context, name string) error {
	raw, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) record(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (m *Manager) appliedSet(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// glob lists files under dir with the given suffix, sorted so numeric
// prefixes run in order.
func (m *Manager) glob(dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		name := e.Name()
		if dir != "." {
			name = path.Join(dir, name)
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// splitStatements cuts a file into statements on semicolons outside
// string literals. Line comments are dropped first so a quote inside a
// comment cannot unbalance the scan.
func splitStatements(input string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c == '\'':
			inString = !inString
			cur.WriteByte(c)
		case !inString && c == '-' && i+1 < len(input) && input[i+1] == '-':
			for i < len(input) && input[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == ';' && !inString:
			stmts = append(stmts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
