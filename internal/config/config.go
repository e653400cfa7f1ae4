// Package config loads the service configuration from a YAML file with
// sensible defaults for every field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a YAML string like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the web and API listen address.
	ListenAddr string `yaml:"listen_addr"`

	// AgentURL is the base URL of the external protocol agent.
	AgentURL string `yaml:"agent_url"`

	// SessionDir holds the per-account session artifacts.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the credential database location.
	DatabasePath string `yaml:"database_path"`

	// PollInterval is the discovery scan cadence.
	PollInterval Duration `yaml:"poll_interval"`

	// ServiceSenderID is the sender whose messages carry verification
	// codes. Zero selects the protocol default.
	ServiceSenderID int64 `yaml:"service_sender_id"`

	// SecretKey, when set, is a 64-char hex key used to encrypt stored
	// second-factor secrets at rest.
	SecretKey string `yaml:"secret_key"`

	// WatchSessions enables filesystem-triggered discovery in addition to
	// the interval scan.
	WatchSessions bool `yaml:"watch_sessions"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		AgentURL:     "http://localhost:7790",
		SessionDir:   filepath.Join(homeDir(), "sessions"),
		DatabasePath: filepath.Join(homeDir(), "data", "otphub.db"),
		PollInterval: Duration(5 * time.Second),
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("poll_interval must be positive")
	}
	return cfg, nil
}

func homeDir() string {
	if home := os.Getenv("OTPHUB_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".otphub"
	}
	return filepath.Join(userHome, ".otphub")
}
