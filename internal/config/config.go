// Package config provides configuration management for the helper.
// It uses koanf v2 to load an optional YAML file; every key has a default so
// the helper runs without any file at all.
//
// Configuration is loaded from /etc/kdiskmark/helper.yaml by default. The file
// is read by root only, so it must not be writable by unprivileged users.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location of the helper configuration file.
const DefaultConfigPath = "/etc/kdiskmark/helper.yaml"

// Defaults for optional settings.
const (
	DefaultSocketPath     = "/run/kdiskmark/helper.sock"
	DefaultLogLevel       = "info"
	DefaultFioPath        = "fio"
	DefaultActionID       = "dev.jonmagon.kdiskmark.helper.init"
	DefaultDropCachesPath = "/proc/sys/vm/drop_caches"
	DefaultAuthTimeout    = 5 * time.Minute
	DefaultStopKillAfter  = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

// Config holds the helper configuration.
type Config struct {
	// SocketPath is where the helper listens when it is not socket-activated.
	SocketPath string `koanf:"socket_path"`

	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level"`

	// FioPath is the fio binary, either absolute or looked up in $PATH.
	FioPath string `koanf:"fio_path"`

	// ActionID is the polkit action every caller must be granted.
	ActionID string `koanf:"action_id"`

	// DropCachesPath is the kernel page-cache control file.
	DropCachesPath string `koanf:"drop_caches_path"`

	// AuthTimeout bounds one interactive polkit check, including the time
	// the user spends in the password dialog.
	AuthTimeout time.Duration `koanf:"auth_timeout"`

	// StopKillAfter is how long a stopped child gets after SIGTERM before it
	// is sent SIGKILL. Zero waits forever.
	StopKillAfter time.Duration `koanf:"stop_kill_after"`

	// WriteTimeout bounds each reply or notification written to a client.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Validation errors returned by Load.
var (
	ErrSocketPathRelative = errors.New("socket_path must be absolute")
	ErrFioPathRequired    = errors.New("fio_path is required")
	ErrActionIDRequired   = errors.New("action_id is required")
	ErrInvalidAuthTimeout = errors.New("auth_timeout must be positive")
	ErrNegativeKillAfter  = errors.New("stop_kill_after must not be negative")
)

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		SocketPath:     DefaultSocketPath,
		LogLevel:       DefaultLogLevel,
		FioPath:        DefaultFioPath,
		ActionID:       DefaultActionID,
		DropCachesPath: DefaultDropCachesPath,
		AuthTimeout:    DefaultAuthTimeout,
		StopKillAfter:  DefaultStopKillAfter,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// Load reads configuration from path. A missing file is not an error; the
// defaults are used instead. A present but unreadable or invalid file is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	// Keys absent from the file keep their defaults.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults replaces values a file set to empty. An explicit
// stop_kill_after of zero is kept.
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.FioPath == "" {
		c.FioPath = DefaultFioPath
	}
	if c.ActionID == "" {
		c.ActionID = DefaultActionID
	}
	if c.DropCachesPath == "" {
		c.DropCachesPath = DefaultDropCachesPath
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.SocketPath) {
		return ErrSocketPathRelative
	}
	if c.FioPath == "" {
		return ErrFioPathRequired
	}
	if c.ActionID == "" {
		return ErrActionIDRequired
	}
	if c.AuthTimeout < 0 {
		return ErrInvalidAuthTimeout
	}
	if c.StopKillAfter < 0 {
		return ErrNegativeKillAfter
	}
	return nil
}

// Dump renders the effective configuration as YAML, durations as strings.
func Dump(cfg *Config) ([]byte, error) {
	view := struct {
		SocketPath     string `yaml:"socket_path"`
		LogLevel       string `yaml:"log_level"`
		FioPath        string `yaml:"fio_path"`
		ActionID       string `yaml:"action_id"`
		DropCachesPath string `yaml:"drop_caches_path"`
		AuthTimeout    string `yaml:"auth_timeout"`
		StopKillAfter  string `yaml:"stop_kill_after"`
		WriteTimeout   string `yaml:"write_timeout"`
	}{
		SocketPath:     cfg.SocketPath,
		LogLevel:       cfg.LogLevel,
		FioPath:        cfg.FioPath,
		ActionID:       cfg.ActionID,
		DropCachesPath: cfg.DropCachesPath,
		AuthTimeout:    cfg.AuthTimeout.String(),
		StopKillAfter:  cfg.StopKillAfter.String(),
		WriteTimeout:   cfg.WriteTimeout.String(),
	}

	data, err := goyaml.Marshal(&view)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
