package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const scannerBufSize = 1024 * 1024 // 1 MB

// ProcessWorker runs scripts as raw OS processes. It offers no kernel-level
// isolation and is intended for development and testing; production deploys
// use DockerWorker.
type ProcessWorker struct {
	Policy Policy
}

// NewProcessWorker creates a process-based worker with the given policy.
func NewProcessWorker(policy Policy) *ProcessWorker {
	return &ProcessWorker{Policy: policy}
}

func (p *ProcessWorker) Start(ctx context.Context, spec Spec) (Handle, error) {
	if len(p.Policy.Command) == 0 {
		return nil, fmt.Errorf("policy has no interpreter command")
	}

	argv := append([]string{}, p.Policy.Command...)
	argv = append(argv, spec.ScriptPath)
	argv = append(argv, spec.Args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	h := newCmdHandle(cmd)
	h.scanAsync(stdout, stderr)
	return h, nil
}

// cmdHandle implements Handle over an exec.Cmd. Shared by the process and
// docker workers (the docker worker's child is the docker CLI client).
type cmdHandle struct {
	cmd *exec.Cmd
	out chan Chunk
	wg  sync.WaitGroup

	mu         sync.Mutex
	terminated bool
	closed     bool

	// termSoft sends the cooperative stop signal; termHard forces the kill.
	// Overridable so the docker worker can target the container instead of
	// the local client process.
	termSoft func()
	termHard func()
}

func newCmdHandle(cmd *exec.Cmd) *cmdHandle {
	h := &cmdHandle{
		cmd: cmd,
		out: make(chan Chunk, 64),
	}
	h.termSoft = func() { softStop(cmd) }
	h.termHard = func() { hardKill(cmd) }
	return h
}

func (h *cmdHandle) scanAsync(stdout, stderr io.Reader) {
	h.wg.Add(2)
	go h.scan(stdout, Stdout)
	go h.scan(stderr, Stderr)
	go func() {
		h.wg.Wait()
		close(h.out)
	}()
}

// scan reads lines from a pipe and forwards them as chunks. The send blocks,
// which backpressures the child through the pipe when the consumer is slow.
func (h *cmdHandle) scan(r io.Reader, stream Stream) {
	defer h.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		h.out <- Chunk{Stream: stream, Data: scanner.Text()}
	}
}

func (h *cmdHandle) Output() <-chan Chunk {
	return h.out
}

func (h *cmdHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (h *cmdHandle) Terminate(grace time.Duration) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	// The soft stop may block (docker stop waits for container exit), so it
	// runs off the caller's goroutine.
	go h.termSoft()
	time.AfterFunc(grace, h.termHard)
}

func (h *cmdHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.termHard()
	return nil
}

func envList(env map[string]string) []string {
	var list []string
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	return list
}
