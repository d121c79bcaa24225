package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/runengine/pkg/runmodel"
)

func TestCreateRunDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithPools(db, nil)

	run := &runmodel.AgentRun{ID: "run-1", ThreadID: "th-1", Status: runmodel.StatusQueued, CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO agent_runs").WillReturnError(fmtDuplicateErr())
	if err := s.CreateRun(context.Background(), run); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkClaimedNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithPools(db, nil)

	mock.ExpectExec("UPDATE agent_runs SET status = 'running'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MarkClaimed(context.Background(), "run-1", sql.NullTime{Time: time.Now(), Valid: true})
	if err != nil {
		t.Fatalf("MarkClaimed: %v", err)
	}
	if ok {
		t.Fatal("expected claim to fail when run is no longer queued")
	}
}

func fmtDuplicateErr() error { return errDuplicate{} }

type errDuplicate struct{}

func (errDuplicate) Error() string { return "pq: duplicate key value violates unique constraint" }
