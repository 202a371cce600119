package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/exec"
	"github.com/michaelbrown/codelab/internal/metrics"
	"github.com/michaelbrown/codelab/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is handled upstream of this service
	},
}

// wsOutput is the payload of an "output" message.
type wsOutput struct {
	Stream   string `json:"stream"`
	Chunk    string `json:"chunk"`
	Sequence uint64 `json:"sequence"`
}

// wsMessage is a server→client message: one output increment or one status
// transition (carrying the result payload on terminal states).
type wsMessage struct {
	Type    string          `json:"type"`
	Data    *wsOutput       `json:"data,omitempty"`
	Status  string          `json:"status,omitempty"`
	Results *storage.Result `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleExecutionWS streams an execution's events to the client: buffered
// replay first, then live events, ending with the terminal status, after
// which the connection closes cleanly. A client disconnect only drops the
// subscription — the execution keeps running and its result is still
// captured in the store.
func (s *Server) handleExecutionWS(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")

	history, events, unsubscribe, err := s.orchestrator.Subscribe(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer unsubscribe()

	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	// Mutex for thread-safe writes to the WebSocket connection
	var wsMu sync.Mutex

	// Detect client disconnect. Incoming frames are not part of the protocol;
	// the read loop only services close/ping frames.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev exec.Event) bool {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := s.wsWriteJSON(conn, toWSMessage(ev)); err != nil {
			return false
		}
		if ev.Terminal() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Status)))
			return false
		}
		return true
	}

	for _, ev := range history {
		if !send(ev) {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Topic closed under us (retention eviction or slow-consumer
				// disconnect); the client should resubscribe for a replay.
				return
			}
			if !send(ev) {
				return
			}
		case <-disconnected:
			return
		}
	}
}

func toWSMessage(ev exec.Event) wsMessage {
	if ev.Type == exec.EventOutput {
		return wsMessage{
			Type: "output",
			Data: &wsOutput{Stream: string(ev.Stream), Chunk: ev.Chunk, Sequence: ev.Sequence},
		}
	}
	return wsMessage{
		Type:    "status",
		Status:  string(ev.Status),
		Results: ev.Result,
		Error:   ev.Error,
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal", zap.Error(err))
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}
