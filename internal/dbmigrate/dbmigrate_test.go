package dbmigrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_second.sql": &fstest.MapFile{Data: []byte("ALTER TABLE x ADD COLUMN y INT;")},
		"0001_first.sql":  &fstest.MapFile{Data: []byte("CREATE TABLE x (id INT);")},
		"notes.txt":       &fstest.MapFile{Data: []byte("not a migration")},
	}

	migrations, err := Load(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Fatalf("migrations not ordered by version: %+v", migrations)
	}
}

func TestRunnerUpSkipsAlreadyApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE y (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := NewRunner(db)
	migrations := []Migration{
		{Version: 1, Name: "0001_first.sql", SQL: "CREATE TABLE x (id INT);"},
		{Version: 2, Name: "0002_second.sql", SQL: "CREATE TABLE y (id INT);"},
	}

	ran, err := r.Up(context.Background(), migrations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ran) != 1 || ran[0] != 2 {
		t.Fatalf("expected only version 2 to run, got %v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
