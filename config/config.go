package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/arbor/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the per-user and per-project configuration directory.
const Dir = ".arbor"

type Model struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
}

type Agents struct {
	Permission   string        `yaml:"permission"`
	MaxSteps     int           `yaml:"max_steps"`
	MaxMessages  int           `yaml:"max_messages"`
	MaxTurns     int           `yaml:"max_turns"`
	TrimInterval time.Duration `yaml:"trim_interval"`
	WatchFiles   bool          `yaml:"watch_files"`
}

type Supervisor struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RetryBudget    int           `yaml:"retry_budget"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// Server overrides or extends an entry of the built-in tool-server catalog.
type Server struct {
	Name             string            `yaml:"name"`
	Enabled          *bool             `yaml:"enabled,omitempty"`
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Transport        string            `yaml:"transport,omitempty"`
	AllowedDirectory string            `yaml:"allowed_directory,omitempty"`
}

type Policy struct {
	HiddenPaths  []string `yaml:"hidden_paths"`
	BlockedTools []string `yaml:"blocked_tools"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Model           Model      `yaml:"model"`
	Agents          Agents     `yaml:"agents"`
	Supervisor      Supervisor `yaml:"supervisor"`
	Servers         []Server   `yaml:"servers"`
	Policy          Policy     `yaml:"policy"`
	Logging         Logging    `yaml:"logging"`
	HTTP            HTTP       `yaml:"http"`
	CredentialsPath string     `yaml:"credentials_path"`
	SessionsDir     string     `yaml:"sessions_dir"`
	RegistryPath    string     `yaml:"registry_path"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := &Config{
		Model: Model{Provider: "mock"},
		Agents: Agents{
			Permission:   "standard",
			MaxSteps:     100,
			MaxMessages:  50,
			MaxTurns:     50,
			TrimInterval: time.Minute,
		},
		Supervisor: Supervisor{
			CallTimeout:    60 * time.Second,
			RetryBudget:    3,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     10 * time.Second,
		},
		Logging:      Logging{Level: "info", Format: "console"},
		HTTP:         HTTP{Addr: "127.0.0.1:7420"},
		SessionsDir:  filepath.Join(Dir, "sessions"),
		RegistryPath: filepath.Join(Dir, "servers.yaml"),
	}
	// Keep agents from reading their own state through the filesystem server.
	cfg.Policy.HiddenPaths = append(cfg.Policy.HiddenPaths, Dir, Dir+"/**", "**/"+Dir+"/**")
	if home, err := os.UserHomeDir(); err == nil {
		cfg.CredentialsPath = filepath.Join(home, Dir, "credentials.enc")
	}
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, Dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, Dir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single configuration file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites only the fields present in the YAML, so a project
	// file replaces individual user-level values.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Agents.Permission {
	case "restricted", "standard", "autonomous":
	default:
		return errors.E(errors.Validation, "unknown agents.permission %q", c.Agents.Permission)
	}
	if c.Agents.MaxSteps <= 0 || c.Agents.MaxMessages <= 0 {
		return errors.E(errors.Validation, "agents.max_steps and agents.max_messages must be positive")
	}
	if c.Supervisor.RetryBudget < 0 {
		return errors.E(errors.Validation, "supervisor.retry_budget must not be negative")
	}
	if c.Supervisor.CallTimeout <= 0 {
		return errors.E(errors.Validation, "supervisor.call_timeout must be positive")
	}
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.E(errors.Validation, "server entry without a name")
		}
		if seen[s.Name] {
			return errors.E(errors.Validation, "server %q configured twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
