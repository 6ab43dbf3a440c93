// Package socket carries messenger calls between the host and its workers as
// newline-delimited JSON over a Unix socket: each message is one JSON object
// followed by \n. One connection carries many requests; responses are matched
// to requests by ID.
package socket

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/corey/mediabridge/internal/domain/messenger"
)

// MaxMessage bounds a single line on the wire. Thumbnails travel inline, so
// this is well above a typical request.
const MaxMessage = 16 * 1024 * 1024

// SocketPath returns a fresh socket path for one launch of serviceID.
// Format: {dir}/mb-{service}-{first8hex}.sock
func SocketPath(dir, serviceID string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(serviceID)
	return filepath.Join(dir, fmt.Sprintf("mb-%s-%s.sock", name, uuid.NewString()[:8]))
}

// Request is the wire format for host-to-worker messages. Descriptor is
// absent for the control methods (hello, health, shutdown).
type Request struct {
	ID         string                `json:"id"`
	Method     string                `json:"method"`
	Descriptor *messenger.Descriptor `json:"descriptor,omitempty"`
	Params     json.RawMessage       `json:"params,omitempty"`
}

// Response is the wire format for worker-to-host messages. On failure Error
// holds the worker's message and Code its messenger error code.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// HealthResult is the result of a health request.
type HealthResult struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	PID      int    `json:"pid"`
	Requests uint64 `json:"requests"`
	Uptime   string `json:"uptime"`
}
