// Package config loads the harness YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holon-run/harness/pkg/agent"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = "v1"

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// Agent drivers.
const (
	DriverEcho   = "echo"
	DriverDocker = "docker"
)

type Config struct {
	Version  string       `yaml:"version"`
	StateDir string       `yaml:"state_dir,omitempty"`
	Log      LogConfig    `yaml:"log,omitempty"`
	Agent    AgentConfig  `yaml:"agent,omitempty"`
	Model    ModelConfig  `yaml:"model,omitempty"`
	Client   ClientConfig `yaml:"client,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type AgentConfig struct {
	// Default is the agent name used when a turn names none.
	Default       string   `yaml:"default,omitempty"`
	Driver        string   `yaml:"driver,omitempty"` // echo (default) | docker
	Image         string   `yaml:"image,omitempty"`
	AskPermission bool     `yaml:"ask_permission,omitempty"`
	Env           []string `yaml:"env,omitempty"`
}

type ModelConfig struct {
	ProviderID string `yaml:"provider_id,omitempty"`
	ModelID    string `yaml:"model_id,omitempty"`
}

type ClientConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty"`
}

type TimeoutConfig struct {
	Default   time.Duration `yaml:"default,omitempty"`
	TurnStart time.Duration `yaml:"turn_start,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Version:  CurrentVersion,
		StateDir: ".harness",
		Log:      LogConfig{Level: string(harnesslog.LevelInfo), Format: harnesslog.FormatConsole},
		Agent:    AgentConfig{Default: agent.DefaultAgent, Driver: DriverEcho},
	}
}

// Path returns the config path for a working directory.
func Path(directory string) string {
	return filepath.Join(directory, Default().StateDir, FileName)
}

// LoadDir loads the config of a working directory. A missing file yields
// Default().
func LoadDir(directory string) (Config, error) {
	cfg, err := Load(Path(directory))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Load reads and validates a config file. Unset fields take their
// defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("version is required")
	}
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported version %q", c.Version)
	}
	if clean := filepath.Clean(c.StateDir); filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("state_dir must be inside the working directory: %q", c.StateDir)
	}
	if c.Log.Level != "" {
		if _, err := harnesslog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", harnesslog.FormatConsole, harnesslog.FormatJSON:
	default:
		return fmt.Errorf("log.format must be %s or %s: %q", harnesslog.FormatConsole, harnesslog.FormatJSON, c.Log.Format)
	}
	switch c.Agent.Driver {
	case "", DriverEcho:
	case DriverDocker:
		if strings.TrimSpace(c.Agent.Image) == "" {
			return errors.New("agent.image is required for the docker driver")
		}
	default:
		return fmt.Errorf("agent.driver must be %s or %s: %q", DriverEcho, DriverDocker, c.Agent.Driver)
	}
	for i, kv := range c.Agent.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("agent.env[%d] must be KEY=VALUE: %q", i, kv)
		}
	}
	if (c.Model.ProviderID == "") != (c.Model.ModelID == "") {
		return errors.New("model.provider_id and model.model_id must be set together")
	}
	if c.Client.Timeouts.Default < 0 || c.Client.Timeouts.TurnStart < 0 {
		return errors.New("client.timeouts must not be negative")
	}
	return nil
}

// Models returns the model and agent defaults for turns.
func (c Config) Models() agent.StaticModels {
	return agent.StaticModels{
		Model: protocol.ModelRef{ProviderID: c.Model.ProviderID, ModelID: c.Model.ModelID},
		Agent: c.Agent.Default,
	}
}

// StateDirFor resolves the state directory against a working directory.
func (c Config) StateDirFor(directory string) string {
	dir := c.StateDir
	if dir == "" {
		dir = Default().StateDir
	}
	return filepath.Join(directory, dir)
}
