package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"kassa.app/migrations"
)

func newMockManager(t *testing.T, fsys fs.FS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, fsys), mock
}

func expectBookkeeping(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_widgets.up.sql": {Data: []byte("create table widgets (id text);")},
		"0001_base.up.sql":    {Data: []byte("create table base (id text);\ncreate index base_idx on base (id);")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	// 0001 runs before 0002 despite map ordering; its two statements
	// share one transaction.
	mock.ExpectBegin()
	mock.ExpectExec("create table base").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index base_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0001_base.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectBegin()
	mock.ExpectExec("create table widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_widgets.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	expectMet(t, mock)
}

func TestUpSkipsApplied(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql":    {Data: []byte("create table base (id text);")},
		"0002_widgets.up.sql": {Data: []byte("create table widgets (id text);")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("create table widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_widgets.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	expectMet(t, mock)
}

func TestUpStopsOnFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql": {Data: []byte("create table base (id text);")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table base").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_base.up.sql") {
		t.Fatalf("Up error = %v, want the failing file named", err)
	}
	expectMet(t, mock)
}

func TestDownRollsBackLatest(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql":      {Data: []byte("create table base (id text);")},
		"0001_base.down.sql":    {Data: []byte("drop table base;")},
		"0002_widgets.up.sql":   {Data: []byte("create table widgets (id text);")},
		"0002_widgets.down.sql": {Data: []byte("drop table widgets;")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at desc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_widgets.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0002_widgets.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	expectMet(t, mock)
}

func TestDownWithEmptyHistory(t *testing.T) {
	m, mock := newMockManager(t, fstest.MapFS{})

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at desc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("Down = %v, want ErrNothingApplied", err)
	}
	expectMet(t, mock)
}

func TestDownRequiresCounterpart(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql": {Data: []byte("create table base (id text);")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at desc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))

	err := m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no down file") {
		t.Fatalf("Down = %v, want missing down file error", err)
	}
	expectMet(t, mock)
}

func TestSeedTracksFilesSeparately(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql":     {Data: []byte("create table base (id text);")},
		"seeds/0001_demo.sql":  {Data: []byte("insert into base (id) values ('a');")},
		"seeds/0002_extra.sql": {Data: []byte("insert into base (id) values ('b');")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("seeds/0001_demo.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("insert into base").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("seeds/0002_extra.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	expectMet(t, mock)
}

func TestStatusAndPending(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_base.up.sql":    {Data: []byte("create table base (id text);")},
		"0002_widgets.up.sql": {Data: []byte("create table widgets (id text);")},
	}
	m, mock := newMockManager(t, fsys)

	expectBookkeeping(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).
			AddRow("0001_base.up.sql", time.Now().UTC()))

	applied, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(applied) != 1 || applied[0].Name != "0001_base.up.sql" {
		t.Fatalf("applied = %+v", applied)
	}

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))

	pending, err := m.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "0002_widgets.up.sql" {
		t.Fatalf("pending = %v", pending)
	}
	expectMet(t, mock)
}

func TestSplitStatements(t *testing.T) {
	input := `-- header comment; with a semicolon and a quote: don't
create table a (
    note text default 'semi;colon'
);
insert into a (note) values ('it''s fine');
`
	stmts := splitStatements(input)
	if len(stmts) != 2 {
		t.Fatalf("statements = %d, want 2: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'semi;colon'") {
		t.Errorf("literal semicolon split the statement: %q", stmts[0])
	}
	if strings.Contains(stmts[0], "header comment") {
		t.Errorf("comment survived: %q", stmts[0])
	}
	if !strings.Contains(stmts[1], "'it''s fine'") {
		t.Errorf("escaped quote mangled: %q", stmts[1])
	}
}

// TestShippedMigrations keeps the embedded schema honest: every up
// file has a down counterpart and parses into at least one statement.
func TestShippedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, upSuffix) {
			continue
		}
		ups++
		down := strings.TrimSuffix(name, upSuffix) + downSuffix
		if _, err := fs.Stat(migrations.Files, down); err != nil {
			t.Errorf("%s has no down file", name)
		}
		raw, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(splitStatements(string(raw))) == 0 {
			t.Errorf("%s contains no statements", name)
		}
	}
	if ups == 0 {
		t.Fatal("no embedded up migrations found")
	}
}
