package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an expected-version precondition on a
// workspace file edit does not match the stored version.
var ErrVersionConflict = errors.New("version conflict")

// SessionStatus represents the lifecycle state of a learner session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionClosed SessionStatus = "closed"
)

// Session is one learner's working context on one textbook case.
type Session struct {
	ID           string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	BookSlug     string        `json:"book_slug"`
	CaseSlug     string        `json:"case_slug"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// CodeFile is a named source file within a session's workspace.
type CodeFile struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"file_path"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecTimeout   ExecutionStatus = "timeout"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is one of the four terminal states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// Execution is one run of a script within a session.
type Execution struct {
	ID          string            `json:"execution_id"`
	SessionID   string            `json:"session_id"`
	ScriptPath  string            `json:"script_path"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Status      ExecutionStatus   `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Result is the durable terminal summary of an execution. Written exactly
// once, when the execution reaches a terminal state, and never mutated.
type Result struct {
	ExecutionID      string          `json:"execution_id"`
	Status           ExecutionStatus `json:"status"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	StructuredOutput string          `json:"structured_output,omitempty"`
	ErrorTrace       string          `json:"error_trace,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Store is the persistence interface for sessions, workspace files,
// executions and results.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID, in any status.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSessionStatus sets the status of a session.
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error

	// TouchSession updates last_active_at to now and marks the session active.
	TouchSession(ctx context.Context, id string) error

	// ExpiredSessions returns the IDs of non-closed sessions whose
	// last_active_at is before the given deadline.
	ExpiredSessions(ctx context.Context, deadline time.Time) ([]string, error)

	// PutFile inserts or replaces a workspace file. When expectedVersion is
	// non-nil the write fails with ErrVersionConflict unless it matches the
	// stored version. The stored version is incremented on every write and
	// reflected back into f.
	PutFile(ctx context.Context, f *CodeFile, expectedVersion *int64) error

	// GetFile returns one workspace file.
	GetFile(ctx context.Context, sessionID, path string) (*CodeFile, error)

	// ListFiles returns all workspace files for a session, ordered by path.
	ListFiles(ctx context.Context, sessionID string) ([]CodeFile, error)

	// DeleteFiles removes all workspace files for a session.
	DeleteFiles(ctx context.Context, sessionID string) error

	// CreateExecution inserts a new execution record.
	CreateExecution(ctx context.Context, e *Execution) error

	// UpdateExecution rewrites the mutable fields of an execution record
	// (status, exit code, error, started_at, completed_at).
	UpdateExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an execution record by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns all executions for a session, newest first.
	ListExecutions(ctx context.Context, sessionID string) ([]Execution, error)

	// CreateResult inserts the terminal result for an execution.
	CreateResult(ctx context.Context, r *Result) error

	// GetResult returns the result for an execution.
	GetResult(ctx context.Context, executionID string) (*Result, error)

	// Close releases resources.
	Close() error
}
