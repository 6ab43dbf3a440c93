package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/corey/mediabridge/internal/adapters/bookmark"
	"github.com/corey/mediabridge/internal/adapters/socket"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// WorkerOptions configures one worker process.
type WorkerOptions struct {
	Registry    *messenger.Registry
	ServiceID   string
	SocketPath  string
	BookmarkTTL time.Duration
	Logger      *slog.Logger
}

// RunWorker serves ServiceID's classes on SocketPath until ctx is done or the
// host sends shutdown. The bookmark key is read from the environment; without
// one the worker serves everything except bookmarks.
func RunWorker(ctx context.Context, opts WorkerOptions) error {
	if opts.Registry == nil {
		opts.Registry = messenger.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	logger := opts.Logger.With(logging.FieldService, opts.ServiceID, logging.FieldPID, os.Getpid())

	classes := opts.Registry.ServiceClasses(opts.ServiceID)
	if len(classes) == 0 {
		return fmt.Errorf("worker: no classes registered for service %q", opts.ServiceID)
	}
	ids := make([]string, 0, len(classes))
	for _, c := range classes {
		ids = append(ids, c.Identifier)
	}

	var minter messenger.BookmarkMinter
	if raw := os.Getenv(bookmark.KeyEnv); raw != "" {
		key, err := bookmark.ParseKey(raw)
		if err != nil {
			return fmt.Errorf("worker: %s: %w", bookmark.KeyEnv, err)
		}
		minter = bookmark.NewMinter(key, opts.BookmarkTTL)
	} else {
		logger.Warn("no bookmark key in environment; bookmarks disabled")
	}

	dispatcher := messenger.NewDispatcher(opts.Registry, minter, logger)
	defer dispatcher.Close()

	srv := socket.NewServer(dispatcher, opts.ServiceID, ids, opts.SocketPath, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker serving", "socket", srv.Addr(), "classes", ids)

	select {
	case <-ctx.Done():
		logger.Info("worker stopping", "reason", ctx.Err())
	case <-srv.ShutdownCh():
		logger.Info("worker stopping", "reason", "shutdown requested")
	}
	return srv.Stop()
}
