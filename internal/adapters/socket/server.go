package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// Handler runs one messenger operation. *messenger.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, method string, desc *messenger.Descriptor, params json.RawMessage) (any, error)
}

// Server is the worker end of the protocol. It answers the control methods
// itself and hands every other request to its Handler. Requests on one
// connection are handled in order.
type Server struct {
	handler  Handler
	service  string
	classes  []string
	sockPath string
	logger   *slog.Logger

	lock     *flock.Flock
	listener net.Listener
	started  time.Time
	requests atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	done         chan struct{}
	shutdownCh   chan struct{} // closed when a remote shutdown request is received
	shutdownOnce sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a worker server for service. classes are the class
// identifiers reported in the hello handshake.
func NewServer(handler Handler, service string, classes []string, sockPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:    handler,
		service:    service,
		classes:    classes,
		sockPath:   sockPath,
		logger:     logger.With(logging.FieldComponent, "socket_server", logging.FieldService, service),
		lock:       flock.New(sockPath + ".lock"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins listening on the Unix socket. The socket path is guarded by a
// lock file; a leftover socket nobody answers on is removed before binding.
func (s *Server) Start() error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("worker already running at %s", s.sockPath)
	}

	if _, err := os.Stat(s.sockPath); err == nil {
		conn, err := net.DialTimeout("unix", s.sockPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			_ = s.lock.Unlock()
			return fmt.Errorf("worker already running at %s", s.sockPath)
		}
		// Stale socket
		os.Remove(s.sockPath)
	}

	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.started = time.Now()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("worker listening", "socket", s.sockPath)
	return nil
}

// Stop shuts down gracefully: no new connections are accepted, requests
// already read are answered, then the socket and lock files are removed.
// Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			if uc, ok := conn.(*net.UnixConn); ok {
				_ = uc.CloseRead()
			} else {
				conn.Close()
			}
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.cancel()
		os.Remove(s.sockPath)
		_ = s.lock.Unlock()
		os.Remove(s.lock.Path())
	})
	return nil
}

// Kill drops every connection at once without answering pending requests,
// the way a crashed worker would look to the host.
func (s *Server) Kill() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		os.Remove(s.sockPath)
		_ = s.lock.Unlock()
		os.Remove(s.lock.Path())
	})
}

// ShutdownCh returns a channel that is closed when a remote shutdown request
// is received. The worker's main goroutine selects on it alongside signals.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Addr returns the socket path the server is listening on.
func (s *Server) Addr() string {
	return s.sockPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxMessage)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(conn, Response{Error: "invalid request JSON", Code: messenger.CodeInternal})
			continue
		}

		resp := s.handleRequest(req)
		if err := s.writeResponse(conn, resp); err != nil {
			s.logger.Debug("write response failed", logging.FieldRequestID, req.ID, "error", err)
			return
		}

		if req.Method == messenger.MethodShutdown {
			s.shutdownOnce.Do(func() { close(s.shutdownCh) })
			return
		}
	}
}

func (s *Server) handleRequest(req Request) Response {
	s.requests.Add(1)
	switch req.Method {
	case messenger.MethodHello:
		return s.result(req, messenger.HelloResult{Service: s.service, Classes: s.classes, PID: os.Getpid()})
	case messenger.MethodHealth:
		return s.result(req, HealthResult{
			Status:   "ok",
			Service:  s.service,
			PID:      os.Getpid(),
			Requests: s.requests.Load(),
			Uptime:   time.Since(s.started).Round(time.Second).String(),
		})
	case messenger.MethodShutdown:
		return s.result(req, struct{}{})
	}

	start := time.Now()
	out, err := s.handler.Handle(s.ctx, req.Method, req.Descriptor, req.Params)
	if err != nil {
		s.logger.Debug("request failed", logging.FieldMethod, req.Method, logging.FieldRequestID, req.ID, "error", err)
		return Response{ID: req.ID, Error: err.Error(), Code: messenger.Code(err)}
	}
	s.logger.Debug("request handled", logging.FieldMethod, req.Method, logging.FieldRequestID, req.ID, "elapsed", time.Since(start))
	return s.result(req, out)
}

func (s *Server) result(req Request, v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{ID: req.ID, Error: fmt.Sprintf("marshal %s result: %v", req.Method, err), Code: messenger.CodeInternal}
	}
	return Response{ID: req.ID, Result: data}
}

// writeResponse sends resp as one line. A response the client could not read
// back is replaced by a malformed-source error for the same request.
func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if len(data) >= MaxMessage {
		s.logger.Warn("response too large", logging.FieldRequestID, resp.ID, "bytes", len(data))
		data, err = json.Marshal(Response{
			ID:    resp.ID,
			Error: fmt.Sprintf("response of %d bytes exceeds the %d byte message limit", len(data), MaxMessage),
			Code:  messenger.CodeMalformedSource,
		})
		if err != nil {
			return err
		}
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}
