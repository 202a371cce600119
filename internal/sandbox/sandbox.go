// Package sandbox runs learner scripts in isolated, resource-bounded
// environments and exposes their output as a stream of chunks.
package sandbox

import (
	"context"
	"time"
)

// Stream identifies which output pipe a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one increment of captured output.
type Chunk struct {
	Stream Stream
	Data   string
}

// Spec describes one script run.
type Spec struct {
	// ScriptPath is the script to run, relative to WorkDir.
	ScriptPath string
	// Args are passed to the script after the path.
	Args []string
	// Env is added to the process environment.
	Env map[string]string
	// WorkDir is a directory holding the materialized workspace. The caller
	// owns it; workers must not delete it.
	WorkDir string
}

// Worker runs one script in an isolated environment. A Worker is single-use:
// Start may be called at most once.
type Worker interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle tracks a running script.
type Handle interface {
	// Output returns a channel of output chunks, closed when both the stdout
	// and stderr streams are drained.
	Output() <-chan Chunk

	// Wait blocks until the process exits and returns its exit code. It must
	// not be called before the Output channel is closed.
	Wait() (int, error)

	// Terminate requests a cooperative stop, escalating to a hard kill after
	// the grace period. Safe to call concurrently with Wait and more than once.
	Terminate(grace time.Duration)

	// Close tears down every resource attributable to the run (process group
	// or container, pipes). Idempotent; safe on every exit path.
	Close() error
}
