// internal/config/config.go
//
// This package handles configuration and the .lodstream directory structure.
// Every project that runs lodstream gets a .lodstream/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each project
	Dir = ".lodstream"

	// DefaultMinimalDelay is the pause between two upgrades of one asset.
	DefaultMinimalDelay = 250 * time.Millisecond
	// DefaultFrameInterval is how long the simulated host takes to render
	// a frame once content is available.
	DefaultFrameInterval = 16 * time.Millisecond

	// DefaultStatusHost and DefaultStatusPort are where the status server
	// listens unless the project overrides them.
	DefaultStatusHost = "127.0.0.1"
	DefaultStatusPort = 8766
)

const defaultProjectConfigYAML = `# lodstream project configuration
version: 1

lod:
  # Minimal pause between two upgrades of the same asset.
  minimal_delay: 250ms

pipeline:
  # Simulated frame time before the host reports render-ready.
  frame_interval: 16ms

status:
  enabled: false
  host: 127.0.0.1
  port: 8766
`

// LODConfig tunes the MSFT_lod extension.
type LODConfig struct {
	MinimalDelay time.Duration `yaml:"minimal_delay"`
}

// PipelineConfig tunes the simulated host pipeline.
type PipelineConfig struct {
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .lodstream/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	LOD      LODConfig      `yaml:"lod"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Status   StatusConfig   `yaml:"status"`
}

// Config holds the runtime configuration for lodstream.
type Config struct {
	// ProjectDir is the directory lodstream was started for
	ProjectDir string

	// StateDir is ProjectDir/.lodstream
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .lodstream directory structure in the given project
// directory.
//
// Structure created:
// .lodstream/
// ├── config.yaml
// ├── logs/     <- lodstream.log and per-run logbooks
// └── state/    <- status snapshots
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig loads the project's configuration, applying defaults and
// environment overrides.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Project.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// SnapshotsDir returns the path to the status snapshot directory
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.StateDir, "state")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// MinimalDelay returns the pause between two upgrades of one asset.
func (c *Config) MinimalDelay() time.Duration {
	return c.Project.LOD.MinimalDelay
}

// FrameInterval returns the simulated frame time.
func (c *Config) FrameInterval() time.Duration {
	return c.Project.Pipeline.FrameInterval
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:  1,
		LOD:      LODConfig{MinimalDelay: DefaultMinimalDelay},
		Pipeline: PipelineConfig{FrameInterval: DefaultFrameInterval},
		Status:   StatusConfig{Host: DefaultStatusHost, Port: DefaultStatusPort},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.LOD.MinimalDelay < 0 {
		pc.LOD.MinimalDelay = DefaultMinimalDelay
	}
	if pc.Pipeline.FrameInterval <= 0 {
		pc.Pipeline.FrameInterval = DefaultFrameInterval
	}
	pc.Status.Host = strings.TrimSpace(pc.Status.Host)
	if pc.Status.Host == "" {
		pc.Status.Host = DefaultStatusHost
	}
	if pc.Status.Port == 0 {
		pc.Status.Port = DefaultStatusPort
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Status.Port < 0 || pc.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 0 and 65535")
	}
	return nil
}

func (pc *ProjectConfig) applyEnvOverrides() error {
	if value := strings.TrimSpace(os.Getenv("LODSTREAM_MIN_LOD_DELAY")); value != "" {
		delay, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("LODSTREAM_MIN_LOD_DELAY: %w", err)
		}
		if delay < 0 {
			return fmt.Errorf("LODSTREAM_MIN_LOD_DELAY must not be negative")
		}
		pc.LOD.MinimalDelay = delay
	}
	if value := strings.TrimSpace(os.Getenv("LODSTREAM_STATUS_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			pc.Status.Enabled = &enabled
		}
	}
	if host := strings.TrimSpace(os.Getenv("LODSTREAM_STATUS_HOST")); host != "" {
		pc.Status.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("LODSTREAM_STATUS_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed >= 0 && parsed <= 65535 {
			pc.Status.Port = parsed
		}
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
