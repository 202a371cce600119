package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codelab/internal/storage"
)

func wsURL(ts *httptest.Server, executionID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v2/execution/ws/" + executionID
}

func readMessages(t *testing.T, conn *websocket.Conn) []wsMessage {
	t.Helper()
	var msgs []wsMessage
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return msgs
			}
			t.Fatalf("reading websocket message: %v (got %d messages so far)", err, len(msgs))
		}
		msgs = append(msgs, msg)
		if msg.Type == "status" && storage.ExecutionStatus(msg.Status).Terminal() {
			return msgs
		}
	}
}

func TestExecutionWebSocketStream(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)
	executionID := startTestExecution(t, ts, id)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, executionID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msgs := readMessages(t, conn)

	var sawOutput bool
	var last wsMessage
	prevSeq := uint64(0)
	for _, msg := range msgs {
		switch msg.Type {
		case "output":
			if msg.Data == nil {
				t.Fatal("output message without data")
			}
			if msg.Data.Sequence <= prevSeq {
				t.Errorf("sequence not strictly increasing: %d after %d", msg.Data.Sequence, prevSeq)
			}
			prevSeq = msg.Data.Sequence
			if msg.Data.Chunk == "hello" && msg.Data.Stream == "stdout" {
				sawOutput = true
			}
		case "status":
		default:
			t.Errorf("unexpected message type %q", msg.Type)
		}
		last = msg
	}

	if !sawOutput {
		t.Error("never saw the stdout chunk")
	}
	if last.Type != "status" || last.Status != string(storage.ExecCompleted) {
		t.Errorf("final message = %+v, want terminal completed status", last)
	}
	if last.Results == nil || last.Results.Stdout != "hello" {
		t.Errorf("terminal results = %+v, want stdout %q", last.Results, "hello")
	}
}

// A subscriber joining after the run finished gets the full replay followed
// by the terminal status, as long as the topic is still retained.
func TestExecutionWebSocketReplay(t *testing.T) {
	ts := testServer(t)
	id := createTestSession(t, ts)
	executionID := startTestExecution(t, ts, id)
	waitForTerminal(t, ts, executionID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, executionID), nil)
	if err != nil {
		t.Fatalf("dial after terminal: %v", err)
	}
	defer conn.Close()

	msgs := readMessages(t, conn)
	if len(msgs) < 2 {
		t.Fatalf("replay delivered %d messages, want output plus status", len(msgs))
	}
	if msgs[0].Type != "output" || msgs[0].Data == nil || msgs[0].Data.Chunk != "hello" {
		t.Errorf("first replay message = %+v, want the stdout chunk", msgs[0])
	}
	final := msgs[len(msgs)-1]
	if final.Type != "status" || final.Status != string(storage.ExecCompleted) {
		t.Errorf("final replay message = %+v, want terminal completed status", final)
	}
}

func TestExecutionWebSocketUnknownExecution(t *testing.T) {
	ts := testServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "nope"), nil)
	if err == nil {
		t.Fatal("dial for unknown execution should fail the handshake")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake response = %+v, want 404", resp)
	}
}
