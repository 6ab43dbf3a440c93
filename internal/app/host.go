package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/corey/mediabridge/internal/adapters/bbolt"
	"github.com/corey/mediabridge/internal/adapters/bookmark"
	fsw "github.com/corey/mediabridge/internal/adapters/fsnotify"
	"github.com/corey/mediabridge/internal/adapters/launcher"
	"github.com/corey/mediabridge/internal/config"
	"github.com/corey/mediabridge/internal/domain/messenger"
)

// HostOptions adjusts how OpenHost wires the library.
type HostOptions struct {
	Registry   *messenger.Registry // defaults to messenger.Default()
	ConfigPath string              // forwarded to child workers
	Watch      bool                // reload sources when they change on disk
	Logger     *slog.Logger
}

// Host owns everything a host session opens: the store, the launcher and
// the library on top of them.
type Host struct {
	Library *Library
	Client  *messenger.Client
	Store   *bbolt.Store
	Key     bookmark.Key

	closers []func() error
}

// OpenHost builds a host session from cfg.
func OpenHost(cfg *config.Config, opts HostOptions) (*Host, error) {
	if opts.Registry == nil {
		opts.Registry = messenger.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	key, err := sessionKey(cfg)
	if err != nil {
		return nil, err
	}
	store, err := bbolt.NewStore(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	h := &Host{Store: store, Key: key}
	h.closers = append(h.closers, store.Close)

	minter := bookmark.NewMinter(key, cfg.Bookmarks.TTL())
	var l messenger.Launcher
	if cfg.Worker.InProcess {
		in := launcher.NewInProcess(opts.Registry, minter, cfg.Paths.SocketDir, opts.Logger)
		h.closers = append(h.closers, in.Close)
		l = in
	} else {
		proc := launcher.NewProcess(launcher.ProcessOptions{
			Binary:       cfg.Worker.Binary,
			SocketDir:    cfg.Paths.SocketDir,
			ConfigPath:   opts.ConfigPath,
			Key:          key,
			StartTimeout: cfg.Worker.StartTimeout(),
			StopTimeout:  cfg.Worker.StopTimeout(),
			Logger:       opts.Logger,
		})
		h.closers = append(h.closers, proc.Close)
		l = proc
	}

	backoff := messenger.Backoff{Initial: cfg.Worker.BackoffInitial(), Max: cfg.Worker.BackoffMax()}
	conns := messenger.NewConnectionTable(l, backoff, opts.Logger)
	h.Client = messenger.NewClient(opts.Registry, conns, opts.Logger)

	builtin, err := builtinSources(opts.Registry, cfg.Sources)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	libOpts := Options{
		Client:      h.Client,
		Store:       store,
		Redeemer:    minter,
		Builtin:     builtin,
		Parallelism: cfg.Worker.Parallelism,
		CallTimeout: cfg.Worker.CallTimeout(),
		Logger:      opts.Logger,
	}
	lib, err := NewLibrary(libOpts)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	h.Library = lib
	if opts.Watch {
		w, err := fsw.NewWatcher(lib.OnSourceChanged, fsw.DefaultQuiet)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("start watcher: %w", err)
		}
		lib.Watch(w)
	}
	return h, nil
}

// Close shuts the library down, then the launcher and the store.
func (h *Host) Close() error {
	var errs []error
	if h.Library != nil {
		if err := h.Library.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sessionKey(cfg *config.Config) (bookmark.Key, error) {
	if cfg.Bookmarks.Key != "" {
		key, err := bookmark.ParseKey(cfg.Bookmarks.Key)
		if err != nil {
			return nil, fmt.Errorf("bookmarks.key: %w", err)
		}
		return key, nil
	}
	return bookmark.NewKey()
}

func builtinSources(r *messenger.Registry, sources []config.Source) ([]messenger.Descriptor, error) {
	out := make([]messenger.Descriptor, 0, len(sources))
	for _, s := range sources {
		c, err := r.Class(s.Class)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Path, err)
		}
		out = append(out, messenger.NewDescriptor(c, s.Path, false))
	}
	return out, nil
}
