package messenger

import (
	"context"

	"github.com/corey/mediabridge/internal/ports"
)

// Operation names as they appear on the wire.
const (
	MethodHello                    = "hello"
	MethodHealth                   = "health"
	MethodShutdown                 = "shutdown"
	MethodTopLevelNodes            = "unpopulated_top_level_nodes"
	MethodPopulateNode             = "populate_node"
	MethodReloadNodeTree           = "reload_node_tree"
	MethodLoadThumbnail            = "load_thumbnail"
	MethodLoadMetadata             = "load_metadata"
	MethodLoadThumbnailAndMetadata = "load_thumbnail_and_metadata"
	MethodBookmark                 = "bookmark"
)

// NodeParams is the params of populate_node and reload_node_tree.
type NodeParams struct {
	Node *ports.Node `json:"node"`
}

// ObjectParams is the params of the load_* and bookmark calls.
type ObjectParams struct {
	Object *ports.Object `json:"object"`
}

// NodesResult is the result of unpopulated_top_level_nodes.
type NodesResult struct {
	Nodes []*ports.Node `json:"nodes"`
}

// NodeResult is the result of populate_node and reload_node_tree.
type NodeResult struct {
	Node *ports.Node `json:"node"`
}

// ObjectResult is the result of the load_* calls.
type ObjectResult struct {
	Object *ports.Object `json:"object"`
}

// BookmarkResult is the result of bookmark.
type BookmarkResult struct {
	Bookmark []byte `json:"bookmark"`
}

// HelloResult is the worker's handshake answer.
type HelloResult struct {
	Service string   `json:"service"`
	Classes []string `json:"classes"`
	PID     int      `json:"pid"`
}

// Transport is one live channel to a worker. Call must be safe for
// concurrent use; requests may be pipelined.
//
// Call returns an error matching ErrConnectionLost when the channel failed
// mid-call. Worker-side failures come back with their original kind.
type Transport interface {
	Call(ctx context.Context, method string, desc *Descriptor, params, result any) error
	// Done is closed once the transport can no longer carry calls.
	Done() <-chan struct{}
	Close() error
}

// Launcher starts (or reaches) the worker named by serviceID and completes
// the handshake. Failures are reported as ErrLaunch.
type Launcher interface {
	Launch(ctx context.Context, serviceID string) (Transport, error)
}
