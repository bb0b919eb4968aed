package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/arclight/agentcore/internal/checkpoint"
	"github.com/arclight/agentcore/pkg/models"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestStore_SaveAt_NoBranchConflict(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	entry := models.ManifestEntry{
		CheckpointID: "cp-1",
		ThreadID:     "thread-1",
		Source:       models.CheckpointSourceRoot,
		Step:         0,
		MessageIndex: 0,
		CreatedAt:    time.Now(),
	}
	state := &models.StateSnapshot{SchemaVersion: models.CurrentSchemaVersion}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO checkpoint_manifest").
		WithArgs("cp-1", "thread-1", nil, nil, string(models.CheckpointSourceRoot), int64(0), 0, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO checkpoint_state").
		WithArgs("thread-1", "cp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.SaveAt(ctx, entry, state); err != nil {
		t.Fatalf("SaveAt: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_SaveAt_BranchConflict(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	entry := models.ManifestEntry{
		CheckpointID: "cp-2",
		ThreadID:     "thread-1",
		BranchName:   "alt",
		Source:       models.CheckpointSourceFork,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT checkpoint_id FROM checkpoint_manifest").
		WithArgs("thread-1", "alt", "cp-2").
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_id"}).AddRow("cp-old"))
	mock.ExpectRollback()

	err := store.SaveAt(ctx, entry, &models.StateSnapshot{})
	if err != checkpoint.ErrBranchExists {
		t.Fatalf("expected ErrBranchExists, got %v", err)
	}
}

func TestStore_Load_CheckpointNotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	store.stmtLoadState = mustPrepare(t, mock, store.db, `SELECT state FROM checkpoint_state WHERE thread_id = \$1 AND checkpoint_id = \$2`)
	mock.ExpectQuery("SELECT state FROM checkpoint_state").
		WithArgs("thread-1", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Load(ctx, "thread-1", "missing")
	if err != checkpoint.ErrCheckpointNotFound {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestStore_PendingWrites_RoundTrip(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	store.stmtSelectPending = mustPrepare(t, mock, store.db, `SELECT call_id, result, created_at FROM checkpoint_pending_write`)

	result := models.ToolResult{CallID: "call-1", Value: json.RawMessage(`{"ok":true}`)}
	raw, _ := json.Marshal(result)
	now := time.Now()

	mock.ExpectQuery("SELECT call_id, result, created_at FROM checkpoint_pending_write").
		WithArgs("thread-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"call_id", "result", "created_at"}).
			AddRow("call-1", raw, now))

	writes, err := store.PendingWrites(ctx, "thread-1", 2)
	if err != nil {
		t.Fatalf("PendingWrites: %v", err)
	}
	if len(writes) != 1 || writes[0].CallID != "call-1" {
		t.Fatalf("unexpected pending writes: %+v", writes)
	}
}

func mustPrepare(t *testing.T, mock sqlmock.Sqlmock, db *sql.DB, pattern string) *sql.Stmt {
	t.Helper()
	mock.ExpectPrepare(pattern)
	stmt, err := db.Prepare(pattern)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return stmt
}
