package exec

import (
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

// EventType distinguishes output increments from status transitions.
type EventType string

const (
	EventOutput EventType = "output"
	EventStatus EventType = "status"
)

// Event is one entry in an execution's event stream. Sequence numbers are
// assigned by the broker and are strictly increasing per execution across
// both event types.
type Event struct {
	Type     EventType               `json:"type"`
	Sequence uint64                  `json:"sequence"`
	Stream   sandbox.Stream          `json:"stream,omitempty"`
	Chunk    string                  `json:"chunk,omitempty"`
	Status   storage.ExecutionStatus `json:"status,omitempty"`
	Result   *storage.Result         `json:"results,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventStatus && e.Status.Terminal()
}
