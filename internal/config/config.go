package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type CatalogConfig struct {
	Dir string `mapstructure:"dir"`
}

type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PoolConfig struct {
	Size             int           `mapstructure:"size"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`
}

type SandboxConfig struct {
	Runtime        string        `mapstructure:"runtime"` // "process" or "docker"
	Image          string        `mapstructure:"image"`
	Command        []string      `mapstructure:"command"` // interpreter, e.g. ["python3"]
	MaxMemory      string        `mapstructure:"max_memory"`
	WallClockLimit time.Duration `mapstructure:"wall_clock_limit"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	Network        bool          `mapstructure:"network"`
	Images         []string      `mapstructure:"images"` // allowed docker images
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Session SessionConfig `mapstructure:"session"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// Load reads codelab.yaml from the working directory or ~/.codelab.
// Missing file is not an error; defaults cover a local development setup.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("codelab")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.codelab")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".codelab", "codelab.db"))
	v.SetDefault("catalog.dir", "catalog")
	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 15*time.Minute)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.admission_timeout", 30*time.Second)
	v.SetDefault("sandbox.runtime", "process")
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.command", []string{"python3"})
	v.SetDefault("sandbox.max_memory", "256m")
	v.SetDefault("sandbox.wall_clock_limit", 30*time.Second)
	v.SetDefault("sandbox.grace_period", 5*time.Second)
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.images", []string{
		"python:3.12-slim",
		"python:3.11-slim",
	})
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Sandbox.Runtime != "process" && c.Sandbox.Runtime != "docker" {
		return fmt.Errorf("sandbox.runtime must be \"process\" or \"docker\", got %q", c.Sandbox.Runtime)
	}
	if c.Sandbox.WallClockLimit <= 0 {
		return fmt.Errorf("sandbox.wall_clock_limit must be positive")
	}
	if c.Sandbox.GracePeriod <= 0 {
		return fmt.Errorf("sandbox.grace_period must be positive")
	}
	return nil
}
