// Package launcher starts messenger workers. Process runs each worker service
// as a child process of the host; InProcess serves it from a goroutine over
// the same socket protocol, for tests and single-binary setups.
package launcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corey/mediabridge/internal/adapters/socket"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
)

// handshake dials sockPath and checks that the worker there serves serviceID.
func handshake(ctx context.Context, sockPath, serviceID string, logger *slog.Logger) (*socket.Conn, error) {
	conn, err := socket.Dial(ctx, sockPath, logger)
	if err != nil {
		return nil, messenger.Wrap(messenger.ErrLaunch, "launch", serviceID, err)
	}
	hello, err := conn.Hello(ctx)
	if err != nil {
		conn.Close()
		return nil, messenger.Wrap(messenger.ErrLaunch, "handshake", serviceID, err)
	}
	if hello.Service != serviceID {
		conn.Close()
		return nil, messenger.Wrap(messenger.ErrLaunch, "handshake", serviceID,
			fmt.Errorf("worker at %s serves %q", sockPath, hello.Service))
	}
	logger.Debug("worker handshake complete", logging.FieldService, serviceID, logging.FieldPID, hello.PID, "classes", len(hello.Classes))
	return conn, nil
}
