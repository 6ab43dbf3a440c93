package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/corey/mediabridge/internal/adapters/bookmark"
	"github.com/corey/mediabridge/internal/adapters/socket"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// ProcessOptions configures child-process workers.
type ProcessOptions struct {
	Binary       string // defaults to the running executable
	SocketDir    string
	ConfigPath   string // forwarded as --config when set
	Key          bookmark.Key
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Env          []string // extra environment entries
	Logger       *slog.Logger
}

// Process launches `<binary> worker --service <id> --socket <path>` and
// connects to it once the socket answers.
type Process struct {
	opts ProcessOptions

	mu       sync.Mutex
	children map[*processTransport]struct{}
}

// NewProcess returns a launcher for child-process workers.
func NewProcess(opts ProcessOptions) *Process {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	opts.Logger = opts.Logger.With(logging.FieldComponent, "launcher")
	return &Process{opts: opts, children: make(map[*processTransport]struct{})}
}

// Launch starts a worker for serviceID and returns a transport to it.
func (p *Process) Launch(ctx context.Context, serviceID string) (messenger.Transport, error) {
	bin := p.opts.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
		}
		bin = exe
	}
	if err := os.MkdirAll(p.opts.SocketDir, 0o700); err != nil {
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
	}
	sockPath := socket.SocketPath(p.opts.SocketDir, serviceID)

	args := []string{"worker", "--service", serviceID, "--socket", sockPath}
	if p.opts.ConfigPath != "" {
		args = append(args, "--config", p.opts.ConfigPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	if len(p.opts.Key) > 0 {
		cmd.Env = append(cmd.Env, bookmark.KeyEnv+"="+p.opts.Key.String())
	}
	// Workers log to stderr; stdout stays free.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, fmt.Errorf("start worker: %w", err))
	}
	logger := p.opts.Logger.With(logging.FieldService, serviceID, logging.FieldPID, cmd.Process.Pid)
	logger.Info("worker started", "socket", sockPath)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	startCtx, cancel := context.WithTimeout(ctx, p.opts.StartTimeout)
	defer cancel()
	if err := waitForSocket(startCtx, sockPath, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		if errors.Is(err, errWorkerExited) && waitErr != nil {
			err = fmt.Errorf("%w: %v", err, waitErr)
		}
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
	}

	conn, err := handshake(startCtx, sockPath, serviceID, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}

	t := &processTransport{Conn: conn, cmd: cmd, exited: exited, stop: p.opts.StopTimeout, logger: logger}
	t.release = func() {
		p.mu.Lock()
		delete(p.children, t)
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.children[t] = struct{}{}
	p.mu.Unlock()
	return t, nil
}

// Close stops every worker this launcher started.
func (p *Process) Close() error {
	p.mu.Lock()
	children := make([]*processTransport, 0, len(p.children))
	for t := range p.children {
		children = append(children, t)
	}
	p.mu.Unlock()
	var errs []error
	for _, t := range children {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errWorkerExited = errors.New("worker exited before its socket came up")

func waitForSocket(ctx context.Context, sockPath string, exited <-chan struct{}) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if socket.Ping(sockPath) {
			return nil
		}
		select {
		case <-exited:
			return errWorkerExited
		case <-ctx.Done():
			return fmt.Errorf("waiting for worker socket: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// processTransport owns the child process behind a socket connection.
type processTransport struct {
	*socket.Conn
	cmd     *exec.Cmd
	exited  chan struct{}
	stop    time.Duration
	logger  *slog.Logger
	release func()
	once    sync.Once
}

// Close asks the worker to shut down and kills it if it does not exit in time.
func (t *processTransport) Close() error {
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.stop)
		defer cancel()
		if err := t.Conn.Shutdown(ctx); err != nil {
			t.logger.Debug("worker shutdown request failed", "error", err)
		}
		select {
		case <-t.exited:
		case <-time.After(t.stop):
			t.logger.Warn("worker did not exit, killing")
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
		t.release()
		t.logger.Info("worker stopped")
	})
	return nil
}
