package config

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateBookmarks(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateSources()
}

func (c *Config) validateWorker() error {
	w := c.Worker
	if w.StartTimeoutSeconds <= 0 {
		return errors.New("worker.start_timeout_seconds must be positive")
	}
	if w.StopTimeoutSeconds <= 0 {
		return errors.New("worker.stop_timeout_seconds must be positive")
	}
	if w.CallTimeoutSeconds < 0 {
		return errors.New("worker.call_timeout_seconds must not be negative")
	}
	if w.BackoffInitialMillis < 0 || w.BackoffMaxSeconds < 0 {
		return errors.New("worker backoff values must not be negative")
	}
	if w.BackoffInitialMillis > 0 && w.BackoffMax() > 0 && w.BackoffInitial() > w.BackoffMax() {
		return errors.New("worker.backoff_initial_ms must not exceed worker.backoff_max_seconds")
	}
	if w.Parallelism <= 0 {
		return errors.New("worker.parallelism must be positive")
	}
	return nil
}

func (c *Config) validateBookmarks() error {
	if c.Bookmarks.TTLSeconds <= 0 {
		return errors.New("bookmarks.ttl_seconds must be positive")
	}
	if c.Bookmarks.Key == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Bookmarks.Key)
	if err != nil {
		return fmt.Errorf("bookmarks.key: %w", err)
	}
	if len(key) < 32 {
		return errors.New("bookmarks.key must be at least 32 bytes (64 hex characters)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[Source]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Class == "" {
			return fmt.Errorf("sources[%d].class must be set", i)
		}
		if s.Path == "" {
			return fmt.Errorf("sources[%d].path must be set", i)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("sources[%d] duplicates %s %s", i, s.Class, s.Path)
		}
		seen[s] = struct{}{}
	}
	return nil
}
