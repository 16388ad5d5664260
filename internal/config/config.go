// Package config loads daemon settings. Non-secret values come from a YAML
// file, credentials for the local IMAP store come from environment
// variables. The remote account is not configured here: it lives in the
// settings mailbox and is managed through the API.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envLocalUser = "MAILUR_LOCAL_USER"
	envLocalPass = "MAILUR_LOCAL_PASS"
)

// Config holds non-secret configuration loaded from YAML.
type Config struct {
	Local Local  `yaml:"local"`
	HTTP  HTTP   `yaml:"http"`
	State string `yaml:"state_dir"`
	Sync  Sync   `yaml:"sync"`
}

// Local describes the local IMAP store connection.
type Local struct {
	Addr     string `yaml:"addr"`
	StartTLS bool   `yaml:"starttls"`
	Insecure bool   `yaml:"insecure"`
}

// HTTP describes the API listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Sync describes the background sync schedule.
type Sync struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LocalCreds holds the local IMAP credentials from environment variables.
type LocalCreds struct {
	User string
	Pass string
}

// Load reads configuration from a YAML file and fills defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	return withDefaults(cfg), nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return withDefaults(Config{})
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Local.Addr) == "" {
		cfg.Local.Addr = "localhost:143"
		cfg.Local.StartTLS = false
		cfg.Local.Insecure = true
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = "127.0.0.1:5000"
	}
	if strings.TrimSpace(cfg.State) == "" {
		cfg.State = defaultIfEmpty(os.Getenv("XDG_STATE_HOME"), os.TempDir()) + "/mailur"
	}
	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = 3 * time.Minute
	}
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = 10 * time.Minute
	}
	return cfg
}

// CredsFromEnv loads local IMAP credentials and validates required entries.
func CredsFromEnv() (LocalCreds, error) {
	missing := []string{}

	user := strings.TrimSpace(os.Getenv(envLocalUser))
	if user == "" {
		missing = append(missing, envLocalUser)
	}

	pass := strings.TrimSpace(os.Getenv(envLocalPass))
	if pass == "" {
		missing = append(missing, envLocalPass)
	}

	if len(missing) > 0 {
		return LocalCreds{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return LocalCreds{User: user, Pass: pass}, nil
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
