package sandbox

import "time"

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxMemory      string        // Docker memory limit (e.g. "256m")
	WallClockLimit time.Duration // Maximum execution time
	GracePeriod    time.Duration // Delay between soft stop and hard kill
	Network        bool          // Whether network access is allowed
	Images         []string      // Allowed Docker images
	Command        []string      // Interpreter invocation (e.g. ["python3"])
	MaxOutputBytes int           // Combined stdout+stderr cap per run
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory:      "256m",
		WallClockLimit: 30 * time.Second,
		GracePeriod:    5 * time.Second,
		Network:        false,
		Images: []string{
			"python:3.12-slim",
			"python:3.11-slim",
		},
		Command:        []string{"python3"},
		MaxOutputBytes: 1 << 20,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}
