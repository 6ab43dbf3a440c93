package messenger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corey/mediabridge/internal/logging"
	"github.com/corey/mediabridge/internal/ports"
)

// Client is the host-side entry point: it resolves descriptors to classes and
// hands out Proxies that share one Connection per descriptor identity.
type Client struct {
	registry *Registry
	conns    *ConnectionTable
	logger   *slog.Logger
	locks    *keyedMutex
}

// NewClient returns a client resolving classes from registry and reaching
// workers through conns.
func NewClient(registry *Registry, conns *ConnectionTable, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		registry: registry,
		conns:    conns,
		logger:   logger.With(logging.FieldComponent, "messenger"),
		locks:    newKeyedMutex(),
	}
}

// Registry returns the client's registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Connections returns the client's connection table.
func (c *Client) Connections() *ConnectionTable {
	return c.conns
}

// Proxy returns the host-side handle for d. It fails with ErrNotFound when no
// class is registered for d.
func (c *Client) Proxy(d Descriptor) (*Proxy, error) {
	class, err := c.registry.ClassFor(d)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Proxy{
		desc:   d,
		class:  class,
		conn:   c.conns.Connection(d, class.WorkerServiceIdentifier),
		locks:  c.locks,
		logger: c.logger.With(logging.FieldDescriptor, d.String()),
	}, nil
}

// Proxy forwards dispatcher operations for one descriptor to its worker.
// Every forwarding method blocks for a full round trip, including a worker
// launch when the connection is not established.
type Proxy struct {
	desc   Descriptor
	class  Class
	conn   *Connection
	locks  *keyedMutex
	logger *slog.Logger
}

// Descriptor returns a copy of the proxied descriptor.
func (p *Proxy) Descriptor() Descriptor {
	return p.desc
}

// Class returns the descriptor's messenger class.
func (p *Proxy) Class() Class {
	return p.class
}

// State returns the connection state.
func (p *Proxy) State() State {
	return p.conn.State()
}

func (p *Proxy) call(ctx context.Context, method string, params, result any) error {
	desc := p.desc
	err := p.conn.Call(ctx, method, &desc, params, result)
	if err != nil {
		p.logger.Debug("call failed", logging.FieldMethod, method, "error", err)
	}
	return err
}

// UnpopulatedTopLevelNodes returns the descriptor's root nodes without
// children.
func (p *Proxy) UnpopulatedTopLevelNodes(ctx context.Context) ([]*ports.Node, error) {
	var res NodesResult
	if err := p.call(ctx, MethodTopLevelNodes, nil, &res); err != nil {
		return nil, err
	}
	for _, n := range res.Nodes {
		n.Subnodes = nil
		n.Objects = nil
	}
	return res.Nodes, nil
}

// PopulateNode loads node's direct children into node and returns it.
// Children already present keep their position and identity; newly reported
// ones are appended. On error node is left untouched.
func (p *Proxy) PopulateNode(ctx context.Context, node *ports.Node) (*ports.Node, error) {
	if node == nil {
		return nil, Errorf(ErrNotFound, MethodPopulateNode, "node is required")
	}
	unlock := p.locks.Lock(p.nodeKey(node))
	defer unlock()

	var res NodeResult
	if err := p.call(ctx, MethodPopulateNode, NodeParams{Node: node.Shallow()}, &res); err != nil {
		return nil, err
	}
	if res.Node == nil {
		return nil, Errorf(ErrMalformedSource, MethodPopulateNode, "worker returned no node for %q", node.Identifier)
	}
	mergeChildren(node, res.Node)
	return node, nil
}

// ReloadNodeTree re-reads node from the source and replaces its children, so
// entries the source no longer has disappear. On error node is left untouched.
func (p *Proxy) ReloadNodeTree(ctx context.Context, node *ports.Node) (*ports.Node, error) {
	if node == nil {
		return nil, Errorf(ErrNotFound, MethodReloadNodeTree, "node is required")
	}
	unlock := p.locks.Lock(p.nodeKey(node))
	defer unlock()

	var res NodeResult
	if err := p.call(ctx, MethodReloadNodeTree, NodeParams{Node: node.Shallow()}, &res); err != nil {
		return nil, err
	}
	if res.Node == nil {
		return nil, Errorf(ErrMalformedSource, MethodReloadNodeTree, "worker returned no node for %q", node.Identifier)
	}
	fresh := res.Node
	node.Name = fresh.Name
	node.IsLeaf = fresh.IsLeaf
	node.Attributes = fresh.Attributes
	node.Subnodes = fresh.Subnodes
	node.Objects = fresh.Objects
	if node.Subnodes == nil {
		node.Subnodes = []*ports.Node{}
	}
	return node, nil
}

// LoadThumbnailForObject attaches the object's thumbnail and returns obj.
func (p *Proxy) LoadThumbnailForObject(ctx context.Context, obj *ports.Object) (*ports.Object, error) {
	return p.loadObject(ctx, MethodLoadThumbnail, obj, true, false)
}

// LoadMetadataForObject attaches the object's metadata and its description.
func (p *Proxy) LoadMetadataForObject(ctx context.Context, obj *ports.Object) (*ports.Object, error) {
	return p.loadObject(ctx, MethodLoadMetadata, obj, false, true)
}

// LoadThumbnailAndMetadataForObject does both in one round trip.
func (p *Proxy) LoadThumbnailAndMetadataForObject(ctx context.Context, obj *ports.Object) (*ports.Object, error) {
	return p.loadObject(ctx, MethodLoadThumbnailAndMetadata, obj, true, true)
}

func (p *Proxy) loadObject(ctx context.Context, method string, obj *ports.Object, thumb, meta bool) (*ports.Object, error) {
	if obj == nil {
		return nil, Errorf(ErrNotFound, method, "object is required")
	}
	req := obj.Clone()
	req.Thumbnail = nil
	var res ObjectResult
	if err := p.call(ctx, method, ObjectParams{Object: req}, &res); err != nil {
		return nil, err
	}
	if res.Object == nil {
		return nil, Errorf(ErrMalformedSource, method, "worker returned no object for %q", obj.Identifier)
	}
	if thumb {
		obj.Thumbnail = res.Object.Thumbnail
		obj.ThumbnailType = res.Object.ThumbnailType
	}
	if meta {
		obj.Metadata = res.Object.Metadata
		obj.MetadataDescription = p.MetadataDescription(obj.Metadata)
	}
	return obj, nil
}

// BookmarkForObject asks the worker for a scoped bookmark to the object's file.
func (p *Proxy) BookmarkForObject(ctx context.Context, obj *ports.Object) ([]byte, error) {
	if obj == nil {
		return nil, Errorf(ErrNotFound, MethodBookmark, "object is required")
	}
	req := obj.Clone()
	req.Thumbnail = nil
	var res BookmarkResult
	if err := p.call(ctx, MethodBookmark, ObjectParams{Object: req}, &res); err != nil {
		return nil, err
	}
	if len(res.Bookmark) == 0 {
		return nil, Errorf(ErrAccessDenied, MethodBookmark, "worker returned an empty bookmark for %q", obj.Identifier)
	}
	return res.Bookmark, nil
}

// mergeChildren appends the children of src that dst does not have yet.
// Existing entries are never reordered or replaced.
func mergeChildren(dst, src *ports.Node) {
	if dst.Subnodes == nil {
		dst.Subnodes = []*ports.Node{}
	}
	seen := make(map[string]struct{}, len(dst.Subnodes))
	for _, n := range dst.Subnodes {
		seen[n.Identifier] = struct{}{}
	}
	for _, n := range src.Subnodes {
		if _, ok := seen[n.Identifier]; ok {
			continue
		}
		dst.Subnodes = append(dst.Subnodes, n)
	}

	if dst.Objects == nil {
		dst.Objects = []*ports.Object{}
	}
	seenObj := make(map[string]struct{}, len(dst.Objects))
	for _, o := range dst.Objects {
		seenObj[o.Identifier] = struct{}{}
	}
	for _, o := range src.Objects {
		if _, ok := seenObj[o.Identifier]; ok {
			continue
		}
		dst.Objects = append(dst.Objects, o)
	}
	if src.IsLeaf {
		dst.IsLeaf = true
	}
}

// nodeKey names node within the source. Identifiers are only unique per
// parser instance, so the instance is part of the key.
func (p *Proxy) nodeKey(node *ports.Node) string {
	return p.desc.Key() + "\x1f" + node.ParserIdentifier + "\x1f" + node.Identifier
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
