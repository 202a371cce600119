package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/codelab/internal/catalog"
	"github.com/michaelbrown/codelab/internal/exec"
	"github.com/michaelbrown/codelab/internal/session"
	"github.com/michaelbrown/codelab/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Session handlers ---

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	BookSlug string `json:"book_slug"`
	CaseSlug string `json:"case_slug"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" || req.BookSlug == "" || req.CaseSlug == "" {
		writeError(w, http.StatusBadRequest, "user_id, book_slug and case_slug are required")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.UserID, req.BookSlug, req.CaseSlug)
	if err != nil {
		if errors.Is(err, catalog.ErrCaseNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Touch(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Close(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListExecutions returns a session's execution history, newest first.
// Unlike the other session routes it works on closed sessions; the history
// outlives the workspace.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	execs, err := s.orchestrator.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// --- Code workspace handlers ---

type loadTemplateRequest struct {
	BookSlug string `json:"book_slug"`
	CaseSlug string `json:"case_slug"`
}

type fileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleLoadTemplate previews a case template without a session.
func (s *Server) handleLoadTemplate(w http.ResponseWriter, r *http.Request) {
	var req loadTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	cs, err := s.sessions.Template(req.BookSlug, req.CaseSlug)
	if err != nil {
		if errors.Is(err, catalog.ErrCaseNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	files := make([]fileResponse, 0, len(cs.Files))
	for _, f := range cs.Files {
		files = append(files, fileResponse{Path: f.Path, Content: f.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "entry": cs.Entry, "title": cs.Title})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	files, err := s.sessions.Files(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []storage.CodeFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type editFileRequest struct {
	FilePath        string `json:"file_path"`
	Content         string `json:"content"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

func (s *Server) handleEditFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")

	var req editFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	f, err := s.sessions.Edit(r.Context(), id, req.FilePath, req.Content, req.ExpectedVersion)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrEditConflict):
			writeError(w, http.StatusConflict, "concurrent edit conflict: re-fetch and retry")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, f)
}

// --- Execution handlers ---

type startExecutionRequest struct {
	SessionID  string            `json:"session_id"`
	ScriptPath string            `json:"script_path"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" || req.ScriptPath == "" {
		writeError(w, http.StatusBadRequest, "session_id and script_path are required")
		return
	}

	executionID, err := s.orchestrator.Start(r.Context(), req.SessionID, req.ScriptPath, req.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, exec.ErrSessionClosed):
			writeError(w, http.StatusNotFound, "session closed")
		case errors.Is(err, exec.ErrScriptNotFound):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "execution_id")
	e, err := s.orchestrator.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "execution_id")
	if err := s.orchestrator.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "execution_id")
	res, err := s.orchestrator.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
