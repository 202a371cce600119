package sandbox

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/uuid"
)

// DockerWorker runs scripts in Docker containers via the docker CLI.
type DockerWorker struct {
	Policy Policy
	Image  string
}

// NewDockerWorker creates a docker-based worker with the given policy.
func NewDockerWorker(policy Policy, image string) *DockerWorker {
	return &DockerWorker{Policy: policy, Image: image}
}

func (d *DockerWorker) Start(ctx context.Context, spec Spec) (Handle, error) {
	if !d.Policy.IsImageAllowed(d.Image) {
		return nil, fmt.Errorf("image %q not in allowlist", d.Image)
	}
	if len(d.Policy.Command) == 0 {
		return nil, fmt.Errorf("policy has no interpreter command")
	}

	// A named container lets the stop path target the container itself
	// rather than the local docker client process.
	name := "codelab-" + uuid.New().String()

	args := []string{
		"run", "--rm",
		"--name", name,
		"--memory", d.Policy.MaxMemory,
		"-v", spec.WorkDir + ":/workspace",
		"-w", "/workspace",
	}
	if !d.Policy.Network {
		args = append(args, "--network=none")
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, d.Image)
	args = append(args, d.Policy.Command...)
	args = append(args, spec.ScriptPath)
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, "docker", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running docker: %w", err)
	}

	h := newCmdHandle(cmd)
	h.scanAsync(stdout, stderr)
	h.termSoft = func() {
		// docker stop delivers SIGTERM, then SIGKILL after the timeout; the
		// grace escalation in Terminate is a second line of defense against a
		// wedged docker daemon.
		grace := int(d.Policy.GracePeriod.Seconds())
		exec.Command("docker", "stop", "-t", fmt.Sprintf("%d", grace), name).Run()
	}
	h.termHard = func() {
		exec.Command("docker", "rm", "-f", name).Run()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	return h, nil
}
