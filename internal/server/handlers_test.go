package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/catalog"
	"github.com/michaelbrown/codelab/internal/config"
	"github.com/michaelbrown/codelab/internal/exec"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/session"
	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/storage/sqlite"
)

// echoWorker streams a fixed stdout line and exits zero. It keeps the HTTP
// tests independent of any real interpreter or container runtime.
type echoWorker struct{}

func (echoWorker) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	out := make(chan sandbox.Chunk, 1)
	out <- sandbox.Chunk{Stream: sandbox.Stdout, Data: "hello"}
	close(out)
	return &echoHandle{out: out}, nil
}

type echoHandle struct {
	out chan sandbox.Chunk
}

func (h *echoHandle) Output() <-chan sandbox.Chunk { return h.out }
func (h *echoHandle) Wait() (int, error)           { return 0, nil }
func (h *echoHandle) Terminate(time.Duration)      {}
func (h *echoHandle) Close() error                 { return nil }

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	caseDir := filepath.Join(dir, "hydraulics", "pipe-flow")
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "title: Pipe Flow\nentry: main.py\nfiles:\n  - main.py\n"
	if err := os.WriteFile(filepath.Join(caseDir, "case.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "main.py"), []byte("print('flow')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	pool := sandbox.NewPool(2, func() sandbox.Worker { return echoWorker{} })
	t.Cleanup(pool.Close)

	logger := zap.NewNop()
	orchestrator := exec.New(store, pool, exec.Config{
		Policy: sandbox.Policy{
			WallClockLimit: 5 * time.Second,
			GracePeriod:    100 * time.Millisecond,
			MaxOutputBytes: 1 << 20,
			Command:        []string{"fake"},
		},
		AdmissionTimeout: time.Second,
		Retention:        time.Minute,
		WorkRoot:         t.TempDir(),
	}, logger)

	sessions := session.NewManager(store, catalog.New(dir), time.Hour, time.Minute, logger)

	srv := New(&config.Config{}, sessions, orchestrator, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func createTestSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v2/sessions/create", map[string]string{
		"user_id":   "u1",
		"book_slug": "hydraulics",
		"case_slug": "pipe-flow",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status = %d, want 201", resp.StatusCode)
	}
	var sess storage.Session
	decodeBody(t, resp, &sess)
	if sess.ID == "" {
		t.Fatal("create session: empty session_id")
	}
	return sess.ID
}

func TestSessionLifecycle(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/v2/sessions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: status = %d, want 200", resp.StatusCode)
	}
	var sess storage.Session
	decodeBody(t, resp, &sess)
	if sess.Status != storage.SessionActive {
		t.Errorf("status = %q, want active", sess.Status)
	}

	resp = postJSON(t, ts.URL+"/api/v2/sessions/"+id+"/touch", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("touch: status = %d, want 204", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v2/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v2/sessions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSessionUnknownCase(t *testing.T) {
	ts := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v2/sessions/create", map[string]string{
		"user_id":   "u1",
		"book_slug": "hydraulics",
		"case_slug": "nope",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLoadTemplate(t *testing.T) {
	ts := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v2/code/load", map[string]string{
		"book_slug": "hydraulics",
		"case_slug": "pipe-flow",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Title string `json:"title"`
		Entry string `json:"entry"`
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	decodeBody(t, resp, &body)
	if body.Entry != "main.py" || len(body.Files) != 1 {
		t.Errorf("template = %+v, want entry main.py with one file", body)
	}
}

func TestEditAndListFiles(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)

	edit := func(expected *int64) *http.Response {
		body := map[string]any{"file_path": "main.py", "content": "print('edited')\n"}
		if expected != nil {
			body["expected_version"] = *expected
		}
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v2/code/"+id+"/edit", bytes.NewReader(data))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := edit(nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit: status = %d, want 200", resp.StatusCode)
	}
	var f storage.CodeFile
	decodeBody(t, resp, &f)
	if f.Version != 2 {
		t.Errorf("version after edit = %d, want 2", f.Version)
	}

	stale := int64(1)
	resp = edit(&stale)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale edit: status = %d, want 409", resp.StatusCode)
	}

	// Paths that would escape the workspace are rejected outright.
	data, err := json.Marshal(map[string]string{"file_path": "../../evil.txt", "content": "pwned"})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v2/code/"+id+"/edit", bytes.NewReader(data))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("traversal edit: status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v2/code/" + id + "/files")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list files: status = %d, want 200", resp.StatusCode)
	}
	var listed struct {
		Files []storage.CodeFile `json:"files"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Files) != 1 || listed.Files[0].Content != "print('edited')\n" {
		t.Errorf("files = %+v, want the edited main.py", listed.Files)
	}
}

func waitForTerminal(t *testing.T, ts *httptest.Server, executionID string) storage.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v2/execution/" + executionID)
		if err != nil {
			t.Fatal(err)
		}
		var e storage.Execution
		decodeBody(t, resp, &e)
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal state", executionID)
	return storage.Execution{}
}

func TestExecutionFlow(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)

	resp := postJSON(t, ts.URL+"/api/v2/execution/start", map[string]string{
		"session_id":  id,
		"script_path": "main.py",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, want 202", resp.StatusCode)
	}
	var started map[string]string
	decodeBody(t, resp, &started)
	executionID := started["execution_id"]
	if executionID == "" {
		t.Fatal("start: empty execution_id")
	}

	e := waitForTerminal(t, ts, executionID)
	if e.Status != storage.ExecCompleted {
		t.Fatalf("status = %q, want completed", e.Status)
	}

	resp, err := http.Get(ts.URL + "/api/v2/execution/" + executionID + "/result")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: status = %d, want 200", resp.StatusCode)
	}
	var res storage.Result
	decodeBody(t, resp, &res)
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello")
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", res.ExitCode)
	}

	// Cancel on a terminal execution is a no-op.
	resp = postJSON(t, ts.URL+"/api/v2/execution/"+executionID+"/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("cancel after terminal: status = %d, want 204", resp.StatusCode)
	}

	// The run shows up in the session's execution history.
	resp, err = http.Get(ts.URL + "/api/v2/sessions/" + id + "/executions")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status = %d, want 200", resp.StatusCode)
	}
	var history struct {
		Executions []storage.Execution `json:"executions"`
	}
	decodeBody(t, resp, &history)
	if len(history.Executions) != 1 || history.Executions[0].ID != executionID {
		t.Errorf("history = %+v, want the completed execution", history.Executions)
	}
}

func TestStartExecutionValidation(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing fields", map[string]string{}, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "nope", "script_path": "main.py"}, http.StatusNotFound},
		{"missing script", map[string]string{"session_id": id, "script_path": "nope.py"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v2/execution/start", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestResultNotFound(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v2/execution/nope/result")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func startTestExecution(t *testing.T, ts *httptest.Server, sessionID string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v2/execution/start", map[string]string{
		"session_id":  sessionID,
		"script_path": "main.py",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, want 202", resp.StatusCode)
	}
	var started map[string]string
	decodeBody(t, resp, &started)
	return started["execution_id"]
}
