package messenger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corey/mediabridge/internal/logging"
	"github.com/corey/mediabridge/internal/ports"
)

// BookmarkMinter issues scoped bookmarks for single files.
type BookmarkMinter interface {
	Mint(path, objectID string) ([]byte, error)
}

// Dispatcher is the worker-side operation set. It owns every backend parser
// instance and caches them per (descriptor identity, parser identifier).
type Dispatcher struct {
	registry *Registry
	minter   BookmarkMinter
	logger   *slog.Logger

	// canRead reports whether the worker may read path; replaced in tests.
	canRead func(path string) error

	mu   sync.Mutex
	sets map[string]*instanceSet
}

// instanceSet holds the parsers created for one descriptor. Its mutex is the
// single writer guarantee: concurrent first calls build the set once.
type instanceSet struct {
	mu      sync.Mutex
	ready   bool
	order   []string
	parsers map[string]ports.Parser
}

// NewDispatcher returns a dispatcher over registry. minter may be nil, in
// which case BookmarkForObject fails with ErrAccessDenied.
func NewDispatcher(registry *Registry, minter BookmarkMinter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		registry: registry,
		minter:   minter,
		logger:   logger.With(logging.FieldComponent, "dispatcher"),
		canRead:  checkReadable,
		sets:     make(map[string]*instanceSet),
	}
}

// Registry returns the registry the dispatcher resolves classes from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) set(desc Descriptor) *instanceSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[desc.Key()]
	if !ok {
		s = &instanceSet{}
		d.sets[desc.Key()] = s
	}
	return s
}

// ParserInstances returns the parsers for desc, creating them on first use.
// A failed creation is not cached; the next call tries again.
func (d *Dispatcher) ParserInstances(ctx context.Context, desc Descriptor) ([]ports.Parser, error) {
	byID, order, err := d.loaded(ctx, desc)
	if err != nil {
		return nil, err
	}
	out := make([]ports.Parser, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// ParserWithIdentifier returns the cached parser id for desc, creating the
// descriptor's parser set on first use.
func (d *Dispatcher) ParserWithIdentifier(ctx context.Context, desc Descriptor, id string) (ports.Parser, error) {
	byID, _, err := d.loaded(ctx, desc)
	if err != nil {
		return nil, err
	}
	p, ok := byID[id]
	if !ok {
		return nil, Errorf(ErrNotFound, "parser with identifier", "no parser %q for %s", id, desc.String())
	}
	return p, nil
}

// loaded returns a snapshot of the descriptor's parser set, building it if
// needed while holding the set's lock.
func (d *Dispatcher) loaded(ctx context.Context, desc Descriptor) (map[string]ports.Parser, []string, error) {
	s := d.set(desc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		parsers, err := d.registry.CreateParserInstances(ctx, desc)
		if err != nil {
			d.logger.Warn("parser instantiation failed", logging.FieldDescriptor, desc.String(), "error", err)
			return nil, nil, err
		}
		byID := make(map[string]ports.Parser, len(parsers))
		order := make([]string, 0, len(parsers))
		for _, p := range parsers {
			id := p.Identifier()
			if _, dup := byID[id]; dup {
				closeParsers(parsers)
				return nil, nil, Errorf(ErrInstantiation, "create parser instances", "duplicate parser identifier %q", id)
			}
			byID[id] = p
			order = append(order, id)
		}
		s.parsers, s.order, s.ready = byID, order, true
		d.logger.Debug("parsers created", logging.FieldDescriptor, desc.String(), "count", len(parsers))
	}
	return s.parsers, s.order, nil
}

// NewParser builds a fresh, uncached default parser for desc.
func (d *Dispatcher) NewParser(desc Descriptor) (ports.Parser, error) {
	c, err := d.registry.ClassFor(desc)
	if err != nil {
		return nil, err
	}
	return d.registry.NewParser(c, desc)
}

// Forget drops the cached parsers for desc, closing those that hold resources.
func (d *Dispatcher) Forget(desc Descriptor) {
	d.mu.Lock()
	s, ok := d.sets[desc.Key()]
	delete(d.sets, desc.Key())
	d.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		closeParser(s.parsers[id])
	}
	s.ready = false
	s.parsers = nil
}

// Close drops every cached parser.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	descs := make([]*instanceSet, 0, len(d.sets))
	for _, s := range d.sets {
		descs = append(descs, s)
	}
	d.sets = make(map[string]*instanceSet)
	d.mu.Unlock()
	for _, s := range descs {
		s.mu.Lock()
		for _, id := range s.order {
			closeParser(s.parsers[id])
		}
		s.mu.Unlock()
	}
}

// UnpopulatedTopLevelNodes collects the root nodes of every parser instance.
// Returned nodes never carry children, whatever the backend filled in.
func (d *Dispatcher) UnpopulatedTopLevelNodes(ctx context.Context, desc Descriptor) ([]*ports.Node, error) {
	parsers, err := d.ParserInstances(ctx, desc)
	if err != nil {
		return nil, err
	}
	var nodes []*ports.Node
	for _, p := range parsers {
		roots, err := p.UnpopulatedTopLevelNodes(ctx)
		if err != nil {
			return nil, backendError(MethodTopLevelNodes, p.Identifier(), err)
		}
		for _, n := range roots {
			n = n.Shallow()
			if n.ParserIdentifier == "" {
				n.ParserIdentifier = p.Identifier()
			}
			if n.MediaSource == "" {
				n.MediaSource = desc.MediaSource
			}
			n.IsTopLevel = true
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// PopulateNode fills in the direct children of node. The argument is not
// modified; the populated copy is returned.
func (d *Dispatcher) PopulateNode(ctx context.Context, desc Descriptor, node *ports.Node) (*ports.Node, error) {
	p, err := d.parserForNode(ctx, desc, node)
	if err != nil {
		return nil, err
	}
	work := node.Shallow()
	if err := p.PopulateNode(ctx, work); err != nil {
		return nil, backendError(MethodPopulateNode, node.Identifier, err)
	}
	return finishPopulated(work, p.Identifier()), nil
}

// ReloadNodeTree re-enumerates node from the source. Reloading a top-level
// node also rebuilds the descriptor's parser set, so libraries that appeared
// or vanished are picked up.
func (d *Dispatcher) ReloadNodeTree(ctx context.Context, desc Descriptor, node *ports.Node) (*ports.Node, error) {
	if node == nil {
		return nil, Errorf(ErrNotFound, MethodReloadNodeTree, "node is required")
	}
	if node.IsTopLevel {
		d.Forget(desc)
	}
	p, err := d.parserForNode(ctx, desc, node)
	if err != nil {
		return nil, err
	}
	fresh, err := p.ReloadNodeTree(ctx, node.Shallow())
	if err != nil {
		return nil, backendError(MethodReloadNodeTree, node.Identifier, err)
	}
	if fresh == nil {
		return nil, Errorf(ErrNotFound, MethodReloadNodeTree, "node %q no longer exists", node.Identifier)
	}
	fresh.IsTopLevel = node.IsTopLevel
	if fresh.Subnodes == nil {
		fresh.Subnodes = []*ports.Node{}
	}
	return finishPopulated(fresh, p.Identifier()), nil
}

// LoadThumbnailForObject returns a copy of obj with its thumbnail attached.
func (d *Dispatcher) LoadThumbnailForObject(ctx context.Context, desc Descriptor, obj *ports.Object) (*ports.Object, error) {
	return d.loadObject(ctx, desc, obj, MethodLoadThumbnail, true, false)
}

// LoadMetadataForObject returns a copy of obj with its metadata attached.
func (d *Dispatcher) LoadMetadataForObject(ctx context.Context, desc Descriptor, obj *ports.Object) (*ports.Object, error) {
	return d.loadObject(ctx, desc, obj, MethodLoadMetadata, false, true)
}

// LoadThumbnailAndMetadataForObject returns a copy of obj with both attached.
func (d *Dispatcher) LoadThumbnailAndMetadataForObject(ctx context.Context, desc Descriptor, obj *ports.Object) (*ports.Object, error) {
	return d.loadObject(ctx, desc, obj, MethodLoadThumbnailAndMetadata, true, true)
}

func (d *Dispatcher) loadObject(ctx context.Context, desc Descriptor, obj *ports.Object, op string, thumb, meta bool) (*ports.Object, error) {
	p, err := d.parserForObject(ctx, desc, obj, op)
	if err != nil {
		return nil, err
	}
	work := obj.Clone()
	if thumb {
		if err := p.LoadThumbnail(ctx, work); err != nil {
			return nil, backendError(op, obj.Identifier, err)
		}
	}
	if meta {
		if err := p.LoadMetadata(ctx, work); err != nil {
			return nil, backendError(op, obj.Identifier, err)
		}
	}
	return work, nil
}

// BookmarkForObject mints a scoped bookmark for the file behind obj. It fails
// with ErrAccessDenied when the worker itself cannot read the file.
func (d *Dispatcher) BookmarkForObject(ctx context.Context, desc Descriptor, obj *ports.Object) ([]byte, error) {
	p, err := d.parserForObject(ctx, desc, obj, MethodBookmark)
	if err != nil {
		return nil, err
	}
	var path string
	if r, ok := p.(ports.FilePathResolver); ok {
		path, err = r.FilePath(obj)
	} else {
		path, err = FilePath(obj.Location)
	}
	if err != nil {
		return nil, backendError(MethodBookmark, obj.Identifier, err)
	}
	if err := d.canRead(path); err != nil {
		return nil, err
	}
	if d.minter == nil {
		return nil, Errorf(ErrAccessDenied, MethodBookmark, "worker has no bookmark key")
	}
	token, err := d.minter.Mint(path, obj.Identifier)
	if err != nil {
		return nil, Wrap(ErrAccessDenied, MethodBookmark, obj.Identifier, err)
	}
	d.logger.Debug("bookmark minted", "object", obj.Identifier)
	return token, nil
}

func (d *Dispatcher) parserForNode(ctx context.Context, desc Descriptor, node *ports.Node) (ports.Parser, error) {
	if node == nil || node.Identifier == "" {
		return nil, Errorf(ErrNotFound, "node", "node identifier is required")
	}
	return d.ParserWithIdentifier(ctx, desc, node.ParserIdentifier)
}

func (d *Dispatcher) parserForObject(ctx context.Context, desc Descriptor, obj *ports.Object, op string) (ports.Parser, error) {
	if obj == nil || obj.Identifier == "" {
		return nil, Errorf(ErrNotFound, op, "object identifier is required")
	}
	return d.ParserWithIdentifier(ctx, desc, obj.ParserIdentifier)
}

// finishPopulated fills ownership fields the backend left empty and marks the
// node as populated.
func finishPopulated(n *ports.Node, parserID string) *ports.Node {
	if n.ParserIdentifier == "" {
		n.ParserIdentifier = parserID
	}
	if n.Subnodes == nil {
		n.Subnodes = []*ports.Node{}
	}
	if n.Objects == nil {
		n.Objects = []*ports.Object{}
	}
	for _, sub := range n.Subnodes {
		if sub.ParentIdentifier == "" {
			sub.ParentIdentifier = n.Identifier
		}
		if sub.ParserIdentifier == "" {
			sub.ParserIdentifier = n.ParserIdentifier
		}
		if sub.MediaSource == "" {
			sub.MediaSource = n.MediaSource
		}
	}
	for _, obj := range n.Objects {
		if obj.ParserIdentifier == "" {
			obj.ParserIdentifier = n.ParserIdentifier
		}
	}
	return n
}

// backendError keeps classified backend failures as they are and tags the rest
// as malformed source, which is what an unreadable source looks like from the
// outside.
func backendError(op, subject string, err error) error {
	if Code(err) != CodeInternal {
		return err
	}
	return Wrap(ErrMalformedSource, op, subject, err)
}

func checkReadable(path string) error {
	if err := unix.Access(path, unix.R_OK); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return Wrap(ErrNotFound, MethodBookmark, path, err)
		}
		return Wrap(ErrAccessDenied, MethodBookmark, path, err)
	}
	return nil
}

func closeParser(p ports.Parser) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func closeParsers(ps []ports.Parser) {
	for _, p := range ps {
		closeParser(p)
	}
}
