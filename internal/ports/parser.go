// Package ports defines the contracts between the messenger and its
// backends: the node/object tree both processes exchange, the parser a
// worker runs and the watcher the host uses to notice source changes.
package ports

import "context"

// ParserConfig is handed to a parser factory when the worker instantiates a
// backend for a descriptor.
type ParserConfig struct {
	Identifier  string // stable instance identifier, e.g. "photos.default"
	MediaType   string
	MediaSource string // URI of the library/source
}

// Parser reads one media source. Implementations live only in the worker
// process; the host never holds a Parser, only the descriptor that names it.
// The concrete backends live in internal/adapters/folder and
// internal/adapters/catalog.
//
// Every method may perform blocking I/O. Implementations are called serially
// per worker connection but must tolerate concurrent calls from separate
// connections.
type Parser interface {
	// Identifier returns the instance identifier the parser was created with.
	// Nodes and objects it produces carry it as ParserIdentifier.
	Identifier() string

	// UnpopulatedTopLevelNodes enumerates root nodes without descending into
	// them. Must not perform deep I/O.
	UnpopulatedTopLevelNodes(ctx context.Context) ([]*Node, error)

	// PopulateNode replaces node.Subnodes and node.Objects with the node's
	// direct children. Calling it twice on an unchanged source yields the
	// same children.
	PopulateNode(ctx context.Context, node *Node) error

	// ReloadNodeTree re-reads the source below node, discarding any cached
	// state, and returns the fresh node.
	ReloadNodeTree(ctx context.Context, node *Node) (*Node, error)

	// LoadThumbnail attaches thumbnail bytes to obj. Read only.
	LoadThumbnail(ctx context.Context, obj *Object) error

	// LoadMetadata attaches the metadata map to obj. Read only.
	LoadMetadata(ctx context.Context, obj *Object) error
}

// FilePathResolver is implemented by parsers whose objects are not plain
// file:// locations (e.g. catalog entries that point into a package). The
// dispatcher uses it to find the file a bookmark should grant access to.
type FilePathResolver interface {
	FilePath(obj *Object) (string, error)
}
