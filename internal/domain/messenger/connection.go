package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corey/mediabridge/internal/logging"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Unconnected State = iota
	Connecting
	Established
	Broken
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Broken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Backoff bounds how quickly a connection relaunches a worker that failed to
// start. After a failed launch the next attempt is allowed only once the
// current delay has passed; the delay doubles up to Max and resets on success.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when a table is built with a zero Backoff.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 30 * time.Second}

func (b Backoff) delay(failures int) time.Duration {
	if failures <= 0 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// connectAttempt is shared by every caller that arrives while a launch is in
// flight; they all get its outcome.
type connectAttempt struct {
	done   chan struct{}
	err    error
	closed bool // Close ran while the launch was in flight
}

// Connection is the channel from the host to the worker serving one
// descriptor identity.
//
//	Unconnected -> Connecting -> Established -> Broken -> Connecting ...
//
// A call on an Unconnected or Broken connection launches the worker. A failed
// launch fails that call once; it is never retried inside the call.
type Connection struct {
	serviceID string
	launcher  Launcher
	backoff   Backoff
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     State
	transport Transport
	attempt   *connectAttempt
	failures  int
	retryAt   time.Time
	launches  int
}

func newConnection(serviceID string, launcher Launcher, backoff Backoff, logger *slog.Logger) *Connection {
	return &Connection{
		serviceID: serviceID,
		launcher:  launcher,
		backoff:   backoff,
		logger:    logger,
		now:       time.Now,
	}
}

// ServiceID returns the worker service the connection launches.
func (c *Connection) ServiceID() string {
	return c.serviceID
}

// State returns the current state. An Established connection whose
// transport has gone away reports Broken.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Established && transportDone(c.transport) {
		return Broken
	}
	return c.state
}

// Launches returns how many launch attempts the connection has made.
func (c *Connection) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

// Call sends one request, establishing the connection first if needed.
func (c *Connection) Call(ctx context.Context, method string, desc *Descriptor, params, result any) error {
	t, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	err = t.Call(ctx, method, desc, params, result)
	if errors.Is(err, ErrConnectionLost) {
		c.markBroken(t, err)
	}
	return err
}

// Close tears down the live transport, if any, and returns the connection to
// Unconnected. A launch still in flight is abandoned: its transport is closed
// as soon as it arrives.
func (c *Connection) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	if c.state == Connecting && c.attempt != nil {
		c.attempt.closed = true
	} else {
		c.state = Unconnected
	}
	c.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Connection) acquire(ctx context.Context) (Transport, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case Established:
			t := c.transport
			if !transportDone(t) {
				c.mu.Unlock()
				return t, nil
			}
			c.state = Broken
			c.transport = nil
			c.mu.Unlock()
			c.logger.Warn("worker connection dropped", logging.FieldService, c.serviceID)
			_ = t.Close()
			continue

		case Connecting:
			attempt := c.attempt
			c.mu.Unlock()
			select {
			case <-attempt.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if attempt.err != nil {
				return nil, attempt.err
			}
			continue

		default:
			if now := c.now(); !c.retryAt.IsZero() && now.Before(c.retryAt) {
				wait := c.retryAt.Sub(now)
				c.mu.Unlock()
				return nil, Errorf(ErrConnection, "connect", "worker %s failed to launch; next attempt allowed in %s", c.serviceID, wait.Round(time.Millisecond))
			}
			attempt := &connectAttempt{done: make(chan struct{})}
			c.state = Connecting
			c.attempt = attempt
			c.launches++
			c.mu.Unlock()

			return c.connect(ctx, attempt)
		}
	}
}

func (c *Connection) connect(ctx context.Context, attempt *connectAttempt) (Transport, error) {
	c.logger.Debug("launching worker", logging.FieldService, c.serviceID)
	t, err := c.launcher.Launch(ctx, c.serviceID)

	c.mu.Lock()
	defer close(attempt.done)
	c.attempt = nil
	if err != nil {
		c.state = Broken
		if ctx.Err() == nil {
			c.failures++
			c.retryAt = c.now().Add(c.backoff.delay(c.failures))
		}
		if !errors.Is(err, ErrLaunch) {
			err = fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		attempt.err = Wrap(ErrConnection, "connect", c.serviceID, err)
		failures := c.failures
		c.mu.Unlock()
		c.logger.Warn("worker launch failed", logging.FieldService, c.serviceID, "failures", failures, "error", err)
		return nil, attempt.err
	}
	if attempt.closed {
		c.state = Unconnected
		attempt.err = Errorf(ErrConnectionLost, "connect", "connection to %s closed during launch", c.serviceID)
		c.mu.Unlock()
		c.logger.Debug("discarding worker launched for a closed connection", logging.FieldService, c.serviceID)
		_ = t.Close()
		return nil, attempt.err
	}
	c.state = Established
	c.transport = t
	c.failures = 0
	c.retryAt = time.Time{}
	c.mu.Unlock()
	c.logger.Info("worker connected", logging.FieldService, c.serviceID)
	return t, nil
}

func (c *Connection) markBroken(t Transport, cause error) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.state = Broken
	c.transport = nil
	c.mu.Unlock()
	c.logger.Warn("worker connection lost", logging.FieldService, c.serviceID, "error", cause)
	_ = t.Close()
}

func transportDone(t Transport) bool {
	if t == nil {
		return true
	}
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

// ConnectionTable is the side table that holds live connection state for
// descriptors. There is at most one Connection per descriptor identity.
type ConnectionTable struct {
	launcher Launcher
	backoff  Backoff
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewConnectionTable returns an empty table whose connections launch workers
// with launcher.
func NewConnectionTable(launcher Launcher, backoff Backoff, logger *slog.Logger) *ConnectionTable {
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConnectionTable{
		launcher: launcher,
		backoff:  backoff,
		logger:   logger.With(logging.FieldComponent, "connection"),
		conns:    make(map[string]*Connection),
	}
}

// Connection returns the connection for d, creating an Unconnected one on
// first use.
func (t *ConnectionTable) Connection(d Descriptor, serviceID string) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[d.Key()]; ok {
		return c
	}
	c := newConnection(serviceID, t.launcher, t.backoff, t.logger.With(logging.FieldDescriptor, d.String()))
	t.conns[d.Key()] = c
	return c
}

// State reports the connection state for d. Descriptors the table has never
// seen, including freshly decoded ones, are Unconnected.
func (t *ConnectionTable) State(d Descriptor) State {
	t.mu.Lock()
	c, ok := t.conns[d.Key()]
	t.mu.Unlock()
	if !ok {
		return Unconnected
	}
	return c.State()
}

// Drop closes and forgets the connection for d.
func (t *ConnectionTable) Drop(d Descriptor) error {
	t.mu.Lock()
	c, ok := t.conns[d.Key()]
	delete(t.conns, d.Key())
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close closes every connection.
func (t *ConnectionTable) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*Connection)
	t.mu.Unlock()
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
