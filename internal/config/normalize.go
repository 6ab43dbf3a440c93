package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeWorker(); err != nil {
		return err
	}
	if err := c.normalizeSources(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Bookmarks.Key = strings.TrimSpace(c.Bookmarks.Key)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	// Unix socket paths are short; default to the temp dir rather than the
	// state dir, which may sit deep below $HOME.
	if strings.TrimSpace(c.Paths.SocketDir) == "" {
		c.Paths.SocketDir = filepath.Join(os.TempDir(), fmt.Sprintf("mediabridge-%d", os.Getuid()))
	}
	if c.Paths.SocketDir, err = expandPath(c.Paths.SocketDir); err != nil {
		return fmt.Errorf("paths.socket_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DatabasePath) == "" {
		c.Paths.DatabasePath = filepath.Join(c.Paths.StateDir, defaultDatabaseName)
	}
	if c.Paths.DatabasePath, err = expandPath(c.Paths.DatabasePath); err != nil {
		return fmt.Errorf("paths.database_path: %w", err)
	}
	if c.Paths.LogPath, err = expandPath(strings.TrimSpace(c.Paths.LogPath)); err != nil {
		return fmt.Errorf("paths.log_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() error {
	c.Worker.Binary = strings.TrimSpace(c.Worker.Binary)
	if c.Worker.Binary == "" {
		return nil
	}
	var err error
	if c.Worker.Binary, err = expandPath(c.Worker.Binary); err != nil {
		return fmt.Errorf("worker.binary: %w", err)
	}
	return nil
}

func (c *Config) normalizeSources() error {
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Class = strings.TrimSpace(s.Class)
		var err error
		if s.Path, err = expandPath(strings.TrimSpace(s.Path)); err != nil {
			return fmt.Errorf("sources[%d].path: %w", i, err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
