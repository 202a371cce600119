package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("pool.size = %d, want 4", cfg.Pool.Size)
	}
	if cfg.Sandbox.Runtime != "process" {
		t.Errorf("sandbox.runtime = %q, want process", cfg.Sandbox.Runtime)
	}
	if cfg.Sandbox.WallClockLimit != 30*time.Second {
		t.Errorf("sandbox.wall_clock_limit = %s, want 30s", cfg.Sandbox.WallClockLimit)
	}
	if cfg.Sandbox.MaxOutputBytes != 1<<20 {
		t.Errorf("sandbox.max_output_bytes = %d, want %d", cfg.Sandbox.MaxOutputBytes, 1<<20)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Pool: PoolConfig{Size: 4},
			Sandbox: SandboxConfig{
				Runtime:        "process",
				WallClockLimit: 30 * time.Second,
				GracePeriod:    5 * time.Second,
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero pool size", func(c *Config) { c.Pool.Size = 0 }},
		{"unknown runtime", func(c *Config) { c.Sandbox.Runtime = "firecracker" }},
		{"zero wall clock limit", func(c *Config) { c.Sandbox.WallClockLimit = 0 }},
		{"zero grace period", func(c *Config) { c.Sandbox.GracePeriod = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mod(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
