package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/codelab/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent workspace edits.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActiveAt = now
	if sess.Status == "" {
		sess.Status = storage.SessionActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, book_slug, case_slug, status, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.BookSlug, sess.CaseSlug, sess.Status,
		sess.CreatedAt.Format(time.RFC3339), sess.LastActiveAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, book_slug, case_slug, status, created_at, last_active_at
		FROM sessions WHERE id = ?`, id)

	var sess storage.Session
	var createdAt, lastActive string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.BookSlug, &sess.CaseSlug,
		&sess.Status, &createdAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.LastActiveAt, _ = time.Parse(time.RFC3339, lastActive)
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return errIfNoRows(res)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ?, status = ? WHERE id = ? AND status != ?`,
		now, storage.SessionActive, id, storage.SessionClosed)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return errIfNoRows(res)
}

func (s *SQLiteStore) ExpiredSessions(ctx context.Context, deadline time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status != ? AND last_active_at < ?`,
		storage.SessionClosed, deadline.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Workspace files ---

func (s *SQLiteStore) PutFile(ctx context.Context, f *storage.CodeFile, expectedVersion *int64) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM workspace_files WHERE session_id = ? AND path = ?`,
		f.SessionID, f.Path).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != nil && *expectedVersion != 0 {
			return storage.ErrVersionConflict
		}
		f.Version = 1
		f.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_files (session_id, path, content, version, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			f.SessionID, f.Path, f.Content, f.Version, now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting file: %w", err)
		}
	case err != nil:
		return fmt.Errorf("querying file version: %w", err)
	default:
		if expectedVersion != nil && *expectedVersion != current {
			return storage.ErrVersionConflict
		}
		f.Version = current + 1
		f.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE workspace_files SET content = ?, version = ?, updated_at = ?
			WHERE session_id = ? AND path = ?`,
			f.Content, f.Version, now.Format(time.RFC3339), f.SessionID, f.Path)
		if err != nil {
			return fmt.Errorf("updating file: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetFile(ctx context.Context, sessionID, path string) (*storage.CodeFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, path, content, version, updated_at
		FROM workspace_files WHERE session_id = ? AND path = ?`, sessionID, path)

	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying file: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, sessionID string) ([]storage.CodeFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, path, content, version, updated_at
		FROM workspace_files WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []storage.CodeFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) DeleteFiles(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspace_files WHERE session_id = ?`, sessionID)
	return err
}

// --- Executions ---

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *storage.Execution) error {
	e.CreatedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = storage.ExecPending
	}

	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, script_path, parameters, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ScriptPath, string(params), e.Status,
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, exit_code = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		e.Status, nullableInt(e.ExitCode), e.Error,
		nullableTime(e.StartedAt), nullableTime(e.CompletedAt), e.ID)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return errIfNoRows(res)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, script_path, parameters, status, exit_code, error, created_at, started_at, completed_at
		FROM executions WHERE id = ?`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, sessionID string) ([]storage.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, script_path, parameters, status, exit_code, error, created_at, started_at, completed_at
		FROM executions WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

// --- Results ---

func (s *SQLiteStore) CreateResult(ctx context.Context, r *storage.Result) error {
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (execution_id, status, exit_code, stdout, stderr, structured_output, error_trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.Status, nullableInt(r.ExitCode), r.Stdout, r.Stderr,
		r.StructuredOutput, r.ErrorTrace, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, executionID string) (*storage.Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, status, exit_code, stdout, stderr, structured_output, error_trace, created_at
		FROM results WHERE execution_id = ?`, executionID)

	var r storage.Result
	var exitCode sql.NullInt64
	var createdAt string
	err := row.Scan(&r.ExecutionID, &r.Status, &exitCode, &r.Stdout, &r.Stderr,
		&r.StructuredOutput, &r.ErrorTrace, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- scan helpers ---

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFile(sc scanner) (*storage.CodeFile, error) {
	var f storage.CodeFile
	var updatedAt string
	if err := sc.Scan(&f.SessionID, &f.Path, &f.Content, &f.Version, &updatedAt); err != nil {
		return nil, err
	}
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &f, nil
}

func scanExecution(sc scanner) (*storage.Execution, error) {
	var e storage.Execution
	var params string
	var exitCode sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := sc.Scan(&e.ID, &e.SessionID, &e.ScriptPath, &params, &e.Status,
		&exitCode, &e.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshaling parameters: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		e.CompletedAt = &t
	}
	return &e, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func errIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
