// Package session owns the learner session lifecycle and the editable code
// workspace tied to each session.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/catalog"
	"github.com/michaelbrown/codelab/internal/metrics"
	"github.com/michaelbrown/codelab/internal/storage"
)

// ErrNotFound is returned when a session does not exist or is closed.
var ErrNotFound = errors.New("session not found")

// ErrEditConflict is returned when an expected-version precondition on an
// edit does not match the stored file version.
var ErrEditConflict = errors.New("concurrent edit conflict")

// ErrInvalidPath is returned when a workspace file path is absolute or would
// escape the workspace root.
var ErrInvalidPath = errors.New("invalid workspace file path")

// Manager owns sessions and their workspaces. Foreground operations never
// block on the background sweeper.
type Manager struct {
	store   storage.Store
	catalog *catalog.Catalog
	ttl     time.Duration
	sweep   time.Duration
	logger  *zap.Logger

	// Per-file edit locks, scoped to one write at a time. Never held across
	// anything that blocks on another session's work.
	locksMu   sync.Mutex
	fileLocks map[string]*sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a session manager. Call StartSweeper to begin TTL
// enforcement and Stop on shutdown.
func NewManager(store storage.Store, cat *catalog.Catalog, ttl, sweepInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		catalog:   cat,
		ttl:       ttl,
		sweep:     sweepInterval,
		logger:    logger,
		fileLocks: make(map[string]*sync.Mutex),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Create opens a session for a learner on one textbook case and populates
// its workspace from the case template. Unknown book/case slugs surface
// catalog.ErrCaseNotFound.
func (m *Manager) Create(ctx context.Context, userID, bookSlug, caseSlug string) (*storage.Session, error) {
	cs, err := m.catalog.Lookup(bookSlug, caseSlug)
	if err != nil {
		return nil, err
	}

	sess := &storage.Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		BookSlug: bookSlug,
		CaseSlug: caseSlug,
		Status:   storage.SessionActive,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	for _, tf := range cs.Files {
		f := &storage.CodeFile{SessionID: sess.ID, Path: tf.Path, Content: tf.Content}
		if err := m.store.PutFile(ctx, f, nil); err != nil {
			return nil, fmt.Errorf("populating workspace: %w", err)
		}
	}
	return sess, nil
}

// Template returns a case template without creating a session.
func (m *Manager) Template(bookSlug, caseSlug string) (*catalog.Case, error) {
	return m.catalog.Lookup(bookSlug, caseSlug)
}

// Get returns a session. Closed and expired sessions are reported as not
// found; their execution history stays queryable through the result store.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.Status == storage.SessionClosed {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch resets the session's inactivity deadline.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.store.TouchSession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Close transitions a session to closed and releases its workspace. The
// session row and execution history remain for later queries.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.store.UpdateSessionStatus(ctx, id, storage.SessionClosed); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := m.store.DeleteFiles(ctx, id); err != nil {
		return err
	}
	m.dropFileLocks(id)
	return nil
}

// Files returns the session's current workspace files.
func (m *Manager) Files(ctx context.Context, id string) ([]storage.CodeFile, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListFiles(ctx, id)
}

// Edit writes one workspace file. Writes to the same path are serialized by
// a scoped per-file lock, released on every exit path. When expectedVersion
// is non-nil, a mismatch returns ErrEditConflict and the caller should
// re-fetch and retry. The edit is durably persisted before Edit returns.
func (m *Manager) Edit(ctx context.Context, id, path, content string, expectedVersion *int64) (*storage.CodeFile, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	if !validWorkspacePath(path) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	lock := m.fileLock(id, path)
	lock.Lock()
	defer lock.Unlock()

	f := &storage.CodeFile{SessionID: id, Path: path, Content: content}
	if err := m.store.PutFile(ctx, f, expectedVersion); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, ErrEditConflict
		}
		return nil, err
	}

	// Editing counts as activity.
	if err := m.store.TouchSession(ctx, id); err != nil {
		m.logger.Warn("touching session after edit", zap.String("session_id", id), zap.Error(err))
	}
	return f, nil
}

// StartSweeper runs the inactivity sweep on its own goroutine until Stop.
func (m *Manager) StartSweeper() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOnce(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// sweepOnce handles sessions whose inactivity deadline has passed. An active
// session is first demoted to idle; a session still untouched by the next
// sweep is closed. A touch at any point before close restores it to active.
func (m *Manager) sweepOnce(ctx context.Context) {
	deadline := time.Now().Add(-m.ttl)
	ids, err := m.store.ExpiredSessions(ctx, deadline)
	if err != nil {
		m.logger.Error("scanning expired sessions", zap.Error(err))
		return
	}
	for _, id := range ids {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			m.logger.Error("loading expired session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if sess.Status == storage.SessionActive {
			if err := m.store.UpdateSessionStatus(ctx, id, storage.SessionIdle); err != nil {
				m.logger.Error("idling expired session", zap.String("session_id", id), zap.Error(err))
			} else {
				m.logger.Info("session idle", zap.String("session_id", id))
			}
			continue
		}
		if err := m.Close(ctx, id); err != nil {
			m.logger.Error("closing expired session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		metrics.SessionsSwept.Inc()
		m.logger.Info("session expired", zap.String("session_id", id))
	}
}

// validWorkspacePath accepts only slash-separated paths that stay inside the
// workspace root. Executions write these files to a host directory, so
// anything absolute or traversing upward is rejected before it is stored.
func validWorkspacePath(p string) bool {
	if p == "" || strings.ContainsAny(p, "\\\x00") {
		return false
	}
	if path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}

func (m *Manager) fileLock(sessionID, path string) *sync.Mutex {
	key := sessionID + "\x00" + path
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.fileLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.fileLocks[key] = lock
	}
	return lock
}

func (m *Manager) dropFileLocks(sessionID string) {
	prefix := sessionID + "\x00"
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	for key := range m.fileLocks {
		if strings.HasPrefix(key, prefix) {
			delete(m.fileLocks, key)
		}
	}
}
