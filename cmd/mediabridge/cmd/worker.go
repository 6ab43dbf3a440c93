package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/config"
	"github.com/corey/mediabridge/internal/logging"
)

var (
	flagWorkerService string
	flagWorkerSocket  string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve one worker service (started by the host)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&flagWorkerService, "service", "", "worker service identifier")
	workerCmd.Flags().StringVar(&flagWorkerSocket, "socket", "", "unix socket to listen on")
	_ = workerCmd.MarkFlagRequired("service")
	_ = workerCmd.MarkFlagRequired("socket")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	// Workers write to the host's stderr, so they stay quiet unless debugging.
	// The log file, when configured, gets the same lines.
	logger, closer, err := logging.New(logging.Options{
		Level:  logging.WorkerLevel(level),
		Format: "json",
		Path:   cfg.Paths.LogPath,
		Output: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = app.RunWorker(ctx, app.WorkerOptions{
		ServiceID:   flagWorkerService,
		SocketPath:  flagWorkerSocket,
		BookmarkTTL: cfg.Bookmarks.TTL(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("worker %s: %w", flagWorkerService, err)
	}
	return nil
}
