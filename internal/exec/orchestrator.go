// Package exec drives the execution lifecycle: admission against the worker
// pool, the pending → running → terminal state machine, output fan-out and
// durable result capture.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/metrics"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

// ErrSessionClosed is returned by Start when the session is closed.
var ErrSessionClosed = errors.New("session closed")

// ErrScriptNotFound is returned by Start when the script path is not in the
// session's workspace.
var ErrScriptNotFound = errors.New("script not found in workspace")

const truncationMarker = "[output truncated: limit exceeded]"

// Config holds orchestrator tuning.
type Config struct {
	Policy           sandbox.Policy
	AdmissionTimeout time.Duration
	// Retention is how long a finished execution's event topic stays
	// replayable in memory. After that, subscribers replay from the result
	// store instead.
	Retention time.Duration
	// WorkRoot is the parent directory for per-run workspaces. Empty means
	// the OS temp directory.
	WorkRoot string
}

// Orchestrator owns all execution state transitions. It is the only writer
// of execution records and broker events; everything else is a reader.
type Orchestrator struct {
	store  storage.Store
	pool   *sandbox.Pool
	broker *Broker
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	live   map[string]*run
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

// New creates an orchestrator.
func New(store storage.Store, pool *sandbox.Pool, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Orchestrator{
		store:  store,
		pool:   pool,
		broker: NewBroker(),
		cfg:    cfg,
		logger: logger,
		live:   make(map[string]*run),
		timers: make(map[string]*time.Timer),
	}
}

// Start validates the request, records a pending execution and returns its
// ID immediately. The run proceeds on its own goroutine; admission against
// the pool never blocks the caller.
func (o *Orchestrator) Start(ctx context.Context, sessionID, scriptPath string, params map[string]string) (string, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == storage.SessionClosed {
		return "", ErrSessionClosed
	}
	if _, err := o.store.GetFile(ctx, sessionID, scriptPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrScriptNotFound, scriptPath)
		}
		return "", err
	}

	e := &storage.Execution{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		ScriptPath: scriptPath,
		Parameters: params,
		Status:     storage.ExecPending,
	}
	if err := o.store.CreateExecution(ctx, e); err != nil {
		return "", err
	}

	o.broker.CreateTopic(e.ID)

	r := &run{cancelled: make(chan struct{})}
	o.mu.Lock()
	o.live[e.ID] = r
	o.mu.Unlock()

	metrics.ExecutionsStarted.Inc()
	o.wg.Add(1)
	go o.execute(e, r)

	return e.ID, nil
}

// Cancel requests termination of a pending or running execution. It is a
// no-op, not an error, on an execution that already reached a terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	r, ok := o.live[executionID]
	o.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}

	// Not live in this instance: either terminal or unknown.
	_, err := o.store.GetExecution(ctx, executionID)
	return err
}

// GetStatus returns the durable execution record. Available at any point in
// the lifecycle, including after the worker is long gone.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*storage.Execution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// GetResult returns the durable terminal result.
func (o *Orchestrator) GetResult(ctx context.Context, executionID string) (*storage.Result, error) {
	return o.store.GetResult(ctx, executionID)
}

// History returns a session's executions, newest first. Works on closed
// sessions too; execution records outlive the session workspace.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]storage.Execution, error) {
	return o.store.ListExecutions(ctx, sessionID)
}

// Subscribe opens an event stream for an execution: full replay of prior
// events followed by live events, ending with the terminal status event.
// If the in-memory topic has been evicted, the replay is synthesized from
// the result store so late subscribers still see the terminal state.
func (o *Orchestrator) Subscribe(ctx context.Context, executionID string) ([]Event, <-chan Event, func(), error) {
	if history, ch, cancel, ok := o.broker.Subscribe(executionID); ok {
		return history, ch, cancel, nil
	}

	e, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !e.Status.Terminal() {
		return nil, nil, nil, fmt.Errorf("no event stream for execution %s", executionID)
	}

	res, err := o.store.GetResult(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}

	var history []Event
	seq := uint64(0)
	if res.Stdout != "" {
		seq++
		history = append(history, Event{Type: EventOutput, Sequence: seq, Stream: sandbox.Stdout, Chunk: res.Stdout})
	}
	if res.Stderr != "" {
		seq++
		history = append(history, Event{Type: EventOutput, Sequence: seq, Stream: sandbox.Stderr, Chunk: res.Stderr})
	}
	seq++
	history = append(history, Event{
		Type:     EventStatus,
		Sequence: seq,
		Status:   res.Status,
		Result:   res,
		Error:    res.ErrorTrace,
	})

	ch := make(chan Event)
	close(ch)
	return history, ch, func() {}, nil
}

// Shutdown cancels all live executions, waits for their runs to finish
// persisting (or for ctx to expire) and stops the pending retention timers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, r := range o.live {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
		o.broker.Remove(id)
	}
	o.mu.Unlock()
	return err
}

// execute drives one run from admission to terminal state. It is the sole
// writer of this execution's record; every exit path lands in exactly one
// terminal state and releases every resource it acquired.
func (o *Orchestrator) execute(e *storage.Execution, r *run) {
	defer o.wg.Done()

	// The cancellable context covers admission only. Once the sandbox is
	// running, cancellation goes through Terminate so the process gets the
	// soft stop and the grace period before the hard kill.
	admitCtx, cancelAdmit := context.WithCancel(context.Background())
	defer cancelAdmit()
	go func() {
		select {
		case <-r.cancelled:
			cancelAdmit()
		case <-admitCtx.Done():
		}
	}()

	lease, err := o.pool.Acquire(admitCtx, o.cfg.AdmissionTimeout)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			o.finish(e, storage.ExecCancelled, nil, "cancelled before admission", nil)
		case errors.Is(err, sandbox.ErrAdmissionTimeout):
			o.finish(e, storage.ExecFailed, nil, "worker pool exhausted: no worker available within admission timeout", nil)
		default:
			o.finish(e, storage.ExecFailed, nil, "worker pool unavailable: "+err.Error(), nil)
		}
		return
	}
	defer lease.Release()
	metrics.PoolInUse.Inc()
	defer metrics.PoolInUse.Dec()

	workDir, err := o.materialize(context.Background(), e.SessionID)
	if err != nil {
		o.finish(e, storage.ExecFailed, nil, "preparing workspace: "+err.Error(), nil)
		return
	}
	defer os.RemoveAll(workDir)

	handle, err := lease.Worker.Start(context.Background(), sandbox.Spec{
		ScriptPath: e.ScriptPath,
		Env:        e.Parameters,
		WorkDir:    workDir,
	})
	if err != nil {
		o.finish(e, storage.ExecFailed, nil, "starting sandbox: "+err.Error(), nil)
		return
	}
	defer handle.Close()

	now := time.Now().UTC()
	e.StartedAt = &now
	e.Status = storage.ExecRunning
	if err := o.store.UpdateExecution(context.Background(), e); err != nil {
		o.logger.Error("persisting running state", zap.String("execution_id", e.ID), zap.Error(err))
	}
	o.broker.Publish(e.ID, Event{Type: EventStatus, Status: storage.ExecRunning})

	timer := time.NewTimer(o.cfg.Policy.WallClockLimit)
	defer timer.Stop()
	timerC := timer.C
	cancelC := r.cancelled

	var stdoutBuf, stderrBuf strings.Builder
	total := 0
	truncated := false
	var timedOut, wasCancelled bool

	out := handle.Output()
	for out != nil {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if truncated {
				continue
			}
			total += len(chunk.Data)
			if o.cfg.Policy.MaxOutputBytes > 0 && total > o.cfg.Policy.MaxOutputBytes {
				truncated = true
				o.broker.Publish(e.ID, Event{Type: EventOutput, Stream: sandbox.Stderr, Chunk: truncationMarker})
				appendLine(&stderrBuf, truncationMarker)
				handle.Terminate(o.cfg.Policy.GracePeriod)
				continue
			}
			switch chunk.Stream {
			case sandbox.Stdout:
				appendLine(&stdoutBuf, chunk.Data)
			case sandbox.Stderr:
				appendLine(&stderrBuf, chunk.Data)
			}
			o.broker.Publish(e.ID, Event{Type: EventOutput, Stream: chunk.Stream, Chunk: chunk.Data})
		case <-timerC:
			timerC = nil
			timedOut = true
			handle.Terminate(o.cfg.Policy.GracePeriod)
		case <-cancelC:
			cancelC = nil
			wasCancelled = true
			handle.Terminate(o.cfg.Policy.GracePeriod)
		}
	}

	exitCode, waitErr := handle.Wait()

	var status storage.ExecutionStatus
	var detail string
	var exitPtr *int
	switch {
	case wasCancelled:
		status = storage.ExecCancelled
	case timedOut:
		status = storage.ExecTimeout
		detail = fmt.Sprintf("wall-clock limit of %s exceeded", o.cfg.Policy.WallClockLimit)
	case waitErr != nil:
		status = storage.ExecFailed
		detail = "sandbox crashed: " + waitErr.Error()
	case exitCode == 0:
		status = storage.ExecCompleted
		exitPtr = &exitCode
	default:
		status = storage.ExecFailed
		detail = fmt.Sprintf("script exited with code %d", exitCode)
		exitPtr = &exitCode
	}

	bufs := &capturedOutput{
		stdout:     stdoutBuf.String(),
		stderr:     stderrBuf.String(),
		structured: readStructuredOutput(workDir),
	}
	o.finish(e, status, exitPtr, detail, bufs)
}

type capturedOutput struct {
	stdout     string
	stderr     string
	structured string
}

// finish records the terminal state exactly once: execution row, result row,
// terminal status event, metrics, topic retention. Runs on the execute
// goroutine only.
func (o *Orchestrator) finish(e *storage.Execution, status storage.ExecutionStatus, exitCode *int, detail string, bufs *capturedOutput) {
	ctx := context.Background()

	now := time.Now().UTC()
	e.Status = status
	e.ExitCode = exitCode
	e.Error = detail
	e.CompletedAt = &now
	if err := o.store.UpdateExecution(ctx, e); err != nil {
		o.logger.Error("persisting terminal state", zap.String("execution_id", e.ID), zap.Error(err))
	}

	res := &storage.Result{
		ExecutionID: e.ID,
		Status:      status,
		ExitCode:    exitCode,
		ErrorTrace:  detail,
	}
	if bufs != nil {
		res.Stdout = bufs.stdout
		res.Stderr = bufs.stderr
		res.StructuredOutput = bufs.structured
	}
	if err := o.store.CreateResult(ctx, res); err != nil {
		o.logger.Error("persisting result", zap.String("execution_id", e.ID), zap.Error(err))
	}

	o.broker.Publish(e.ID, Event{Type: EventStatus, Status: status, Result: res, Error: detail})
	metrics.ExecutionsFinished.WithLabelValues(string(status)).Inc()

	o.mu.Lock()
	delete(o.live, e.ID)
	if o.closed {
		o.mu.Unlock()
		o.broker.Remove(e.ID)
	} else {
		o.timers[e.ID] = time.AfterFunc(o.cfg.Retention, func() {
			o.broker.Remove(e.ID)
			o.mu.Lock()
			delete(o.timers, e.ID)
			o.mu.Unlock()
		})
		o.mu.Unlock()
	}

	o.logger.Info("execution finished",
		zap.String("execution_id", e.ID),
		zap.String("session_id", e.SessionID),
		zap.String("status", string(status)))
}

// materialize writes the session's workspace files into a fresh run
// directory. The caller removes it on every exit path.
func (o *Orchestrator) materialize(ctx context.Context, sessionID string) (string, error) {
	files, err := o.store.ListFiles(ctx, sessionID)
	if err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp(o.cfg.WorkRoot, "codelab-run-*")
	if err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	for _, f := range files {
		path := filepath.Join(workDir, filepath.FromSlash(f.Path))
		// The session manager rejects escaping paths at edit time; re-check
		// here so a bad record can never write outside the run directory.
		if rel, err := filepath.Rel(workDir, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			os.RemoveAll(workDir)
			return "", fmt.Errorf("workspace path %q escapes the run directory", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			os.RemoveAll(workDir)
			return "", err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			os.RemoveAll(workDir)
			return "", err
		}
	}
	return workDir, nil
}

// readStructuredOutput picks up the results.json convention: a script may
// leave structured results in its working directory for the UI to render.
func readStructuredOutput(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, "results.json"))
	if err != nil {
		return ""
	}
	return string(data)
}

func appendLine(b *strings.Builder, line string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(line)
}
