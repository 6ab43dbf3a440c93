// Package config loads the mediabridge TOML configuration. Load applies
// defaults, expands "~" in every path and validates the result; callers get
// a ready-to-use Config or an error naming the offending key.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths holds the on-disk locations the host and its workers use.
type Paths struct {
	StateDir     string `toml:"state_dir"`
	SocketDir    string `toml:"socket_dir"`
	DatabasePath string `toml:"database_path"`
	LogPath      string `toml:"log_path"`
}

// Worker configures how the host launches and talks to worker processes.
type Worker struct {
	Binary               string `toml:"binary"`
	InProcess            bool   `toml:"in_process"`
	StartTimeoutSeconds  int    `toml:"start_timeout_seconds"`
	StopTimeoutSeconds   int    `toml:"stop_timeout_seconds"`
	CallTimeoutSeconds   int    `toml:"call_timeout_seconds"`
	BackoffInitialMillis int    `toml:"backoff_initial_ms"`
	BackoffMaxSeconds    int    `toml:"backoff_max_seconds"`
	Parallelism          int    `toml:"parallelism"`
}

// Bookmarks configures scoped bookmark minting.
type Bookmarks struct {
	TTLSeconds int    `toml:"ttl_seconds"`
	Key        string `toml:"key"` // hex; a fresh key per host session when empty
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Source is one built-in media source. Built-in sources come from the
// configuration and cannot be removed by the user.
type Source struct {
	Class string `toml:"class"`
	Path  string `toml:"path"`
}

// Config encapsulates all configuration values for mediabridge.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Worker    Worker    `toml:"worker"`
	Bookmarks Bookmarks `toml:"bookmarks"`
	Logging   Logging   `toml:"logging"`
	Sources   []Source  `toml:"sources"`
}

const defaultConfigPath = "~/.config/mediabridge/config.toml"

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load reads path, or the default location when path is empty. A missing
// file is not an error: defaults apply. The resolved path and whether it
// existed are returned alongside the config.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// EnsureDirectories creates the state and socket directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.SocketDir, filepath.Dir(c.Paths.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StartTimeout bounds a worker launch including its handshake.
func (w Worker) StartTimeout() time.Duration {
	return time.Duration(w.StartTimeoutSeconds) * time.Second
}

// StopTimeout bounds a graceful worker shutdown.
func (w Worker) StopTimeout() time.Duration {
	return time.Duration(w.StopTimeoutSeconds) * time.Second
}

// CallTimeout bounds one host call, launch included. Zero means no limit.
func (w Worker) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutSeconds) * time.Second
}

// BackoffInitial is the cooldown after the first failed launch.
func (w Worker) BackoffInitial() time.Duration {
	return time.Duration(w.BackoffInitialMillis) * time.Millisecond
}

// BackoffMax caps the launch cooldown.
func (w Worker) BackoffMax() time.Duration {
	return time.Duration(w.BackoffMaxSeconds) * time.Second
}

// TTL is how long a minted bookmark stays redeemable.
func (b Bookmarks) TTL() time.Duration {
	return time.Duration(b.TTLSeconds) * time.Second
}

// Encode renders the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath applies the config path rules ("~" expansion, absolute, clean).
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
