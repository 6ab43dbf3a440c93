package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/corey/mediabridge/internal/adapters/socket"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// InProcess serves worker services from goroutines of the current process.
// Every launch gets a fresh dispatcher and socket, so relaunching after a
// crash starts from an empty parser cache just like a new process would.
type InProcess struct {
	registry  *messenger.Registry
	minter    messenger.BookmarkMinter
	socketDir string
	logger    *slog.Logger

	mu       sync.Mutex
	servers  map[string][]*socket.Server
	launches int
}

// NewInProcess returns a launcher serving classes from registry. Sockets are
// created under socketDir.
func NewInProcess(registry *messenger.Registry, minter messenger.BookmarkMinter, socketDir string, logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InProcess{
		registry:  registry,
		minter:    minter,
		socketDir: socketDir,
		logger:    logger.With(logging.FieldComponent, "launcher"),
		servers:   make(map[string][]*socket.Server),
	}
}

// Launch starts a server for serviceID and connects to it.
func (l *InProcess) Launch(ctx context.Context, serviceID string) (messenger.Transport, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	classes := l.registry.ServiceClasses(serviceID)
	if len(classes) == 0 {
		return nil, messenger.Errorf(messenger.ErrLaunch, "launch", "no classes registered for service %q", serviceID)
	}
	ids := make([]string, 0, len(classes))
	for _, c := range classes {
		ids = append(ids, c.Identifier)
	}
	if err := os.MkdirAll(l.socketDir, 0o700); err != nil {
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
	}

	dispatcher := messenger.NewDispatcher(l.registry, l.minter, l.logger)
	srv := socket.NewServer(dispatcher, serviceID, ids, socket.SocketPath(l.socketDir, serviceID), l.logger)
	if err := srv.Start(); err != nil {
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
	}
	conn, err := handshake(ctx, srv.Addr(), serviceID, l.logger)
	if err != nil {
		srv.Kill()
		return nil, err
	}

	l.mu.Lock()
	l.servers[serviceID] = append(l.servers[serviceID], srv)
	l.mu.Unlock()
	go func() {
		// One host connection per worker: once it is gone the worker exits.
		<-conn.Done()
		srv.Stop()
		dispatcher.Close()
		l.forget(serviceID, srv)
	}()
	return conn, nil
}

// forget drops srv from the running servers of serviceID.
func (l *InProcess) forget(serviceID string, srv *socket.Server) {
	l.mu.Lock()
	defer l.mu.Unlock()
	servers := l.servers[serviceID]
	for i, s := range servers {
		if s == srv {
			servers = append(servers[:i], servers[i+1:]...)
			break
		}
	}
	if len(servers) == 0 {
		delete(l.servers, serviceID)
	} else {
		l.servers[serviceID] = servers
	}
}

// Running returns how many servers of serviceID are still up.
func (l *InProcess) Running(serviceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.servers[serviceID])
}

// Launches returns the number of Launch calls so far.
func (l *InProcess) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Crash kills every server of serviceID without a graceful shutdown.
func (l *InProcess) Crash(serviceID string) {
	l.mu.Lock()
	servers := l.servers[serviceID]
	delete(l.servers, serviceID)
	l.mu.Unlock()
	for _, s := range servers {
		s.Kill()
	}
	l.logger.Warn("worker killed", logging.FieldService, serviceID, "servers", len(servers))
}

// Close stops every server.
func (l *InProcess) Close() error {
	l.mu.Lock()
	all := l.servers
	l.servers = make(map[string][]*socket.Server)
	l.mu.Unlock()
	var errs []error
	for _, servers := range all {
		for _, s := range servers {
			if err := s.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
