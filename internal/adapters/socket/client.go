package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// Conn is the host end of one worker connection. It implements
// messenger.Transport: calls may be issued concurrently and are pipelined
// over the single socket.
type Conn struct {
	sockPath string
	conn     net.Conn
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the worker listening on sockPath.
func Dial(ctx context.Context, sockPath string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	c := &Conn{
		sockPath: sockPath,
		conn:     nc,
		logger:   logger.With(logging.FieldComponent, "socket_client"),
		pending:  make(map[string]chan Response),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Ping checks whether a worker answers on sockPath.
func Ping(sockPath string) bool {
	conn, err := net.DialTimeout("unix", sockPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Call sends one request and waits for its response. A broken socket is
// reported as messenger.ErrConnectionLost; worker failures come back with
// the kind the worker reported.
func (c *Conn) Call(ctx context.Context, method string, desc *messenger.Descriptor, params, result any) error {
	req := Request{ID: uuid.NewString(), Method: method, Descriptor: desc}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return c.lost(method, err)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return c.lost(method, err)
	}

	var resp Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	case <-c.done:
		select {
		case resp = <-ch:
		default:
			return c.lost(method, c.cause())
		}
	}

	if resp.Error != "" {
		return messenger.FromCode(resp.Code, resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Done is closed once the socket is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the socket. Pending calls fail with ErrConnectionLost.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

// Hello performs the handshake and returns the worker's identity.
func (c *Conn) Hello(ctx context.Context) (*messenger.HelloResult, error) {
	var res messenger.HelloResult
	if err := c.Call(ctx, messenger.MethodHello, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health asks the worker for its status.
func (c *Conn) Health(ctx context.Context) (*HealthResult, error) {
	var res HealthResult
	if err := c.Call(ctx, messenger.MethodHealth, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Shutdown asks the worker to exit. The connection is unusable afterwards.
func (c *Conn) Shutdown(ctx context.Context) error {
	err := c.Call(ctx, messenger.MethodShutdown, nil, nil, nil)
	c.Close()
	return err
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxMessage)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			c.logger.Warn("dropping unreadable response", "socket", c.sockPath, "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", logging.FieldRequestID, resp.ID)
			continue
		}
		ch <- resp
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[string]chan Response)
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) lost(method string, err error) error {
	if errors.Is(err, io.EOF) {
		err = errors.New("worker closed the connection")
	}
	return messenger.Wrap(messenger.ErrConnectionLost, method, c.sockPath, err)
}
