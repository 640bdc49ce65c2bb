package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetCheckpointNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(checkpointSelect + " WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetCheckpoint(context.Background(), "missing")
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCheckpointRejectsIllegalTransitionBeforeQuery(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "period_start", "period_end", "merkle_root", "emission_payload", "status", "tx_hash", "created_at", "emitted_at"}).
		AddRow("chk-1", now, now, "root", []byte(`{}`), "PENDING", nil, now, nil)
	mock.ExpectQuery(regexp.QuoteMeta(checkpointSelect + " WHERE id = $1")).
		WithArgs("chk-1").
		WillReturnRows(rows)

	_, err := store.UpdateCheckpoint(context.Background(), checkpoint.Checkpoint{ID: "chk-1", Status: checkpoint.StatusPaid})
	if err != storage.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
