// Package pgstore implements checkpoint.Store on top of a Postgres-family
// database (CockroachDB or Postgres, both speaking the lib/pq wire
// protocol), grounded on internal/sessions.CockroachStore's connection
// handling and internal/sessions's recursive-CTE ancestry queries.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/arclight/agentcore/internal/checkpoint"
	"github.com/arclight/agentcore/pkg/models"
)

// Config holds connection parameters, mirroring
// internal/sessions.CockroachConfig.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "agentcore",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store implements checkpoint.Store against Postgres/CockroachDB.
type Store struct {
	db *sql.DB

	stmtInsertManifest *sql.Stmt
	stmtLabelBranch    *sql.Stmt
	stmtSaveState      *sql.Stmt
	stmtLoadState      *sql.Stmt
	stmtHeadState      *sql.Stmt
	stmtManifestEntry  *sql.Stmt
	stmtInsertPending  *sql.Stmt
	stmtSelectPending  *sql.Stmt
	stmtClearPending   *sql.Stmt
}

// New opens a connection and prepares statements against an existing
// schema (see Schema for the DDL this store expects).
func New(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewFromDSN(dsn, config)
}

// NewFromDSN opens a connection using a raw DSN/URL.
func NewFromDSN(dsn string, config *Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: prepare statements: %w", err)
	}
	return s, nil
}

// Schema is the DDL this store expects to already exist (migrations are the
// caller's responsibility, matching internal/sessions's convention of
// documenting but not auto-applying schema).
const Schema = `
CREATE TABLE IF NOT EXISTS checkpoint_manifest (
	checkpoint_id        TEXT PRIMARY KEY,
	thread_id            TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	branch_name          TEXT,
	source               TEXT NOT NULL,
	step                 BIGINT NOT NULL,
	message_index        INT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	parent_thread_id     TEXT,
	seq                  SERIAL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_manifest_thread ON checkpoint_manifest (thread_id, seq);

CREATE TABLE IF NOT EXISTS checkpoint_state (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	state         JSONB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE TABLE IF NOT EXISTS checkpoint_pending_write (
	thread_id  TEXT NOT NULL,
	iteration  INT NOT NULL,
	call_id    TEXT NOT NULL,
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, iteration, call_id)
);
`

func (s *Store) prepareStatements() error {
	var err error

	s.stmtInsertManifest, err = s.db.Prepare(`
		INSERT INTO checkpoint_manifest
			(checkpoint_id, thread_id, parent_checkpoint_id, branch_name, source, step, message_index, created_at, parent_thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}

	s.stmtLabelBranch, err = s.db.Prepare(`
		UPDATE checkpoint_manifest SET branch_name = $3 WHERE thread_id = $1 AND checkpoint_id = $2
	`)
	if err != nil {
		return fmt.Errorf("label branch: %w", err)
	}

	s.stmtSaveState, err = s.db.Prepare(`
		INSERT INTO checkpoint_state (thread_id, checkpoint_id, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET state = EXCLUDED.state
	`)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	s.stmtLoadState, err = s.db.Prepare(`
		SELECT state FROM checkpoint_state WHERE thread_id = $1 AND checkpoint_id = $2
	`)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	s.stmtHeadState, err = s.db.Prepare(`
		SELECT cs.state, cm.checkpoint_id FROM checkpoint_state cs
		JOIN checkpoint_manifest cm ON cm.thread_id = cs.thread_id AND cm.checkpoint_id = cs.checkpoint_id
		WHERE cs.thread_id = $1 ORDER BY cm.seq DESC LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("head state: %w", err)
	}

	s.stmtManifestEntry, err = s.db.Prepare(`
		SELECT checkpoint_id, thread_id, parent_checkpoint_id, branch_name, source, step, message_index, created_at, parent_thread_id
		FROM checkpoint_manifest WHERE thread_id = $1 AND checkpoint_id = $2
	`)
	if err != nil {
		return fmt.Errorf("manifest entry: %w", err)
	}

	s.stmtInsertPending, err = s.db.Prepare(`
		INSERT INTO checkpoint_pending_write (thread_id, iteration, call_id, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, iteration, call_id) DO UPDATE SET result = EXCLUDED.result
	`)
	if err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}

	s.stmtSelectPending, err = s.db.Prepare(`
		SELECT call_id, result, created_at FROM checkpoint_pending_write
		WHERE thread_id = $1 AND iteration = $2 ORDER BY created_at
	`)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}

	s.stmtClearPending, err = s.db.Prepare(`
		DELETE FROM checkpoint_pending_write WHERE thread_id = $1 AND iteration <= $2
	`)
	if err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveAt(ctx context.Context, entry models.ManifestEntry, state *models.StateSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	if entry.BranchName != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT checkpoint_id FROM checkpoint_manifest
			WHERE thread_id = $1 AND branch_name = $2 AND checkpoint_id != $3
		`, entry.ThreadID, entry.BranchName, entry.CheckpointID).Scan(&existing)
		if err == nil {
			return checkpoint.ErrBranchExists
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("pgstore: check branch: %w", err)
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if _, err := tx.StmtContext(ctx, s.stmtInsertManifest).ExecContext(ctx,
		entry.CheckpointID, entry.ThreadID, nullString(entry.ParentCheckpointID), nullString(entry.BranchName),
		string(entry.Source), entry.Step, entry.MessageIndex, entry.CreatedAt, nullString(entry.ParentThreadID),
	); err != nil {
		return fmt.Errorf("pgstore: insert manifest: %w", err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pgstore: marshal state: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtSaveState).ExecContext(ctx, entry.ThreadID, entry.CheckpointID, raw); err != nil {
		return fmt.Errorf("pgstore: save state: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, threadID, checkpointID string) (*models.StateSnapshot, error) {
	var raw []byte
	if checkpointID == "" {
		var headID string
		if err := s.stmtHeadState.QueryRowContext(ctx, threadID).Scan(&raw, &headID); err != nil {
			if err == sql.ErrNoRows {
				return nil, checkpoint.ErrThreadNotFound
			}
			return nil, fmt.Errorf("pgstore: load head: %w", err)
		}
	} else {
		if err := s.stmtLoadState.QueryRowContext(ctx, threadID, checkpointID).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil, checkpoint.ErrCheckpointNotFound
			}
			return nil, fmt.Errorf("pgstore: load: %w", err)
		}
	}
	var state models.StateSnapshot
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal state: %w", err)
	}
	return &state, nil
}

// Manifest returns entries for threadID, most recent first. Traverses the
// append-order "seq" column via a recursive CTE walking parent pointers
// from the most recent entry, the same ancestry-walk shape
// internal/sessions/branch_cockroach.go uses for GetFullBranchPath.
func (s *Store) Manifest(ctx context.Context, threadID string, limit int, before string) ([]models.ManifestEntry, error) {
	query := `
		SELECT checkpoint_id, thread_id, parent_checkpoint_id, branch_name, source, step, message_index, created_at, parent_thread_id
		FROM checkpoint_manifest
		WHERE thread_id = $1
	`
	args := []any{threadID}
	if before != "" {
		query += ` AND seq < (SELECT seq FROM checkpoint_manifest WHERE thread_id = $1 AND checkpoint_id = $2)`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: manifest query: %w", err)
	}
	defer rows.Close()
	return scanManifest(rows)
}

// Ancestors walks the checkpoint DAG from checkpointID back to its root,
// using WITH RECURSIVE over parent_checkpoint_id, grounded on
// internal/sessions/branch_cockroach.go's GetFullBranchPath.
func (s *Store) Ancestors(ctx context.Context, threadID, checkpointID string) ([]models.ManifestEntry, error) {
	const query = `
		WITH RECURSIVE ancestry AS (
			SELECT checkpoint_id, thread_id, parent_checkpoint_id, branch_name, source, step, message_index, created_at, parent_thread_id, 0 AS depth
			FROM checkpoint_manifest WHERE thread_id = $1 AND checkpoint_id = $2
			UNION ALL
			SELECT cm.checkpoint_id, cm.thread_id, cm.parent_checkpoint_id, cm.branch_name, cm.source, cm.step, cm.message_index, cm.created_at, cm.parent_thread_id, a.depth + 1
			FROM checkpoint_manifest cm
			INNER JOIN ancestry a ON cm.checkpoint_id = a.parent_checkpoint_id AND cm.thread_id = a.thread_id
		)
		SELECT checkpoint_id, thread_id, parent_checkpoint_id, branch_name, source, step, message_index, created_at, parent_thread_id
		FROM ancestry ORDER BY depth DESC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: ancestors query: %w", err)
	}
	defer rows.Close()
	return scanManifest(rows)
}

func scanManifest(rows *sql.Rows) ([]models.ManifestEntry, error) {
	var out []models.ManifestEntry
	for rows.Next() {
		var e models.ManifestEntry
		var parent, branch, parentThread sql.NullString
		var source string
		if err := rows.Scan(&e.CheckpointID, &e.ThreadID, &parent, &branch, &source, &e.Step, &e.MessageIndex, &e.CreatedAt, &parentThread); err != nil {
			return nil, fmt.Errorf("pgstore: scan manifest row: %w", err)
		}
		e.ParentCheckpointID = parent.String
		e.BranchName = branch.String
		e.ParentThreadID = parentThread.String
		e.Source = models.CheckpointSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ManifestEntry(ctx context.Context, threadID, checkpointID string) (models.ManifestEntry, error) {
	var e models.ManifestEntry
	var parent, branch, parentThread sql.NullString
	var source string
	err := s.stmtManifestEntry.QueryRowContext(ctx, threadID, checkpointID).Scan(
		&e.CheckpointID, &e.ThreadID, &parent, &branch, &source, &e.Step, &e.MessageIndex, &e.CreatedAt, &parentThread,
	)
	if err == sql.ErrNoRows {
		return models.ManifestEntry{}, checkpoint.ErrCheckpointNotFound
	}
	if err != nil {
		return models.ManifestEntry{}, fmt.Errorf("pgstore: manifest entry: %w", err)
	}
	e.ParentCheckpointID = parent.String
	e.BranchName = branch.String
	e.ParentThreadID = parentThread.String
	e.Source = models.CheckpointSource(source)
	return e, nil
}

func (s *Store) UpdateManifestEntry(ctx context.Context, threadID, checkpointID string, mutate checkpoint.ManifestMutator) error {
	entry, err := s.ManifestEntry(ctx, threadID, checkpointID)
	if err != nil {
		return err
	}
	mutate(&entry)
	_, err = s.stmtLabelBranch.ExecContext(ctx, threadID, checkpointID, nullString(entry.BranchName))
	if err != nil {
		return fmt.Errorf("pgstore: update manifest entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, threadID string, checkpointIDs []string) error {
	if len(checkpointIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range checkpointIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_state WHERE thread_id = $1 AND checkpoint_id = $2`, threadID, id); err != nil {
			return fmt.Errorf("pgstore: delete state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_manifest WHERE thread_id = $1 AND checkpoint_id = $2`, threadID, id); err != nil {
			return fmt.Errorf("pgstore: delete manifest: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"checkpoint_state", "checkpoint_manifest", "checkpoint_pending_write"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, table), threadID); err != nil {
			return fmt.Errorf("pgstore: delete thread from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SavePendingWrite(ctx context.Context, pw models.PendingWrite) error {
	if pw.CreatedAt.IsZero() {
		pw.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(pw.Result)
	if err != nil {
		return fmt.Errorf("pgstore: marshal pending result: %w", err)
	}
	if _, err := s.stmtInsertPending.ExecContext(ctx, pw.ThreadID, pw.Iteration, pw.CallID, raw, pw.CreatedAt); err != nil {
		return fmt.Errorf("pgstore: save pending write: %w", err)
	}
	return nil
}

func (s *Store) PendingWrites(ctx context.Context, threadID string, iteration int) ([]models.PendingWrite, error) {
	rows, err := s.stmtSelectPending.QueryContext(ctx, threadID, iteration)
	if err != nil {
		return nil, fmt.Errorf("pgstore: select pending writes: %w", err)
	}
	defer rows.Close()

	var out []models.PendingWrite
	for rows.Next() {
		var pw models.PendingWrite
		var raw []byte
		if err := rows.Scan(&pw.CallID, &raw, &pw.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan pending write: %w", err)
		}
		if err := json.Unmarshal(raw, &pw.Result); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal pending result: %w", err)
		}
		pw.ThreadID = threadID
		pw.Iteration = iteration
		out = append(out, pw)
	}
	return out, rows.Err()
}

func (s *Store) ClearPendingWrites(ctx context.Context, threadID string, throughIteration int) error {
	if _, err := s.stmtClearPending.ExecContext(ctx, threadID, throughIteration); err != nil {
		return fmt.Errorf("pgstore: clear pending writes: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ checkpoint.Store = (*Store)(nil)
