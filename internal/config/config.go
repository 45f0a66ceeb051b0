package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceURL   string `yaml:"service_url"`
	DefaultAgent string `yaml:"default_agent"`
	// StateBackend selects the persisted client-state store: "sqlite" or "file".
	StateBackend string `yaml:"state_backend"`
	StateDir     string `yaml:"state_dir"`

	// MaxResidentSessions bounds how many session message buffers stay in
	// memory at once.
	MaxResidentSessions int `yaml:"max_resident_sessions"`
	ViewportWindow      int `yaml:"viewport_window"`
}

func Default() Config {
	return Config{
		ServiceURL:          "http://127.0.0.1:4096",
		DefaultAgent:        "build",
		StateBackend:        "sqlite",
		MaxResidentSessions: 3,
		ViewportWindow:      60,
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.ServiceURL) == "" {
		cfg.ServiceURL = "http://127.0.0.1:4096"
	}
	if strings.TrimSpace(cfg.DefaultAgent) == "" {
		cfg.DefaultAgent = "build"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StateBackend)) {
	case "file":
		cfg.StateBackend = "file"
	default:
		cfg.StateBackend = "sqlite"
	}
	if cfg.MaxResidentSessions <= 0 {
		cfg.MaxResidentSessions = 3
	}
	if cfg.ViewportWindow <= 0 {
		cfg.ViewportWindow = 60
	}
	return cfg, nil
}

func Save(cfg Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "openchamber", "config.yml")
}

// DefaultStateDir resolves the persisted-state root, preferring XDG data dirs.
func DefaultStateDir() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "openchamber", "state")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "openchamber", "state")
	}
	return filepath.Join(os.TempDir(), "openchamber", "state")
}
