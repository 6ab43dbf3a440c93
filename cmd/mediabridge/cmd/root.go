package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	// Backends register their classes from init.
	_ "github.com/corey/mediabridge/internal/adapters/catalog"
	_ "github.com/corey/mediabridge/internal/adapters/folder"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/config"
	"github.com/corey/mediabridge/internal/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagColor     string
	flagNoColor   bool
)

var rootCmd = &cobra.Command{
	Use:           "mediabridge",
	Short:         "Browse media libraries through isolated parser workers",
	Long:          "Lists, browses and opens media sources. Every source is parsed in a separate worker process; the host only ever sees the results.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch flagColor {
		case "auto", "always", "never":
			return nil
		}
		return fmt.Errorf("%w: --color must be auto, always or never, got %q", errUsage, flagColor)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.config/mediabridge/config.toml)")
	pf.StringVar(&flagLogLevel, "log-level", "", "override logging.level")
	pf.StringVar(&flagLogFormat, "log-format", "", "override logging.format")
	pf.StringVar(&flagColor, "color", "auto", "color output: auto, always, never")
	pf.BoolVar(&flagNoColor, "no-color", false, "disable color output")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
}

// session is what every host command starts from.
type session struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	logCloser  io.Closer
}

func loadSession() (*session, error) {
	cfg, path, _, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	format := cfg.Logging.Format
	if flagLogFormat != "" {
		format = flagLogFormat
	}
	logger, closer, err := logging.New(logging.Options{Level: level, Format: format, Path: cfg.Paths.LogPath})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, configPath: path, logger: logger, logCloser: closer}, nil
}

func (s *session) close() {
	_ = s.logCloser.Close()
}

// openHost loads the configuration and opens a host session on it.
func openHost(watch bool) (*session, *app.Host, error) {
	s, err := loadSession()
	if err != nil {
		return nil, nil, err
	}
	forward := ""
	if flagConfig != "" {
		forward = s.configPath
	}
	h, err := app.OpenHost(s.cfg, app.HostOptions{ConfigPath: forward, Watch: watch, Logger: s.logger})
	if err != nil {
		s.close()
		if isDBLockError(err) {
			return nil, nil, fmt.Errorf("%w\n%s", err, diagnoseDBLock(s.cfg.Paths.DatabasePath))
		}
		return nil, nil, err
	}
	return s, h, nil
}
