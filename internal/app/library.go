// Package app wires the messenger, its adapters and the on-disk state into
// the two process roles: the host Library that browses sources, and the
// worker that serves them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corey/mediabridge/internal/adapters/bbolt"
	"github.com/corey/mediabridge/internal/adapters/bookmark"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/logging"
	"github.com/corey/mediabridge/internal/ports"
)

// Store persists the user-added sources and caches thumbnails. Implemented
// by bbolt.Store.
type Store interface {
	LoadAll() ([]messenger.Descriptor, error)
	SaveAll(descs []messenger.Descriptor) error
	PutThumbnail(d messenger.Descriptor, objectID string, th bbolt.Thumbnail) error
	GetThumbnail(d messenger.Descriptor, objectID string) (*bbolt.Thumbnail, error)
	DropThumbnails(d messenger.Descriptor) error
}

var (
	// ErrBuiltinSource is returned when removing a source the user did not add.
	ErrBuiltinSource = errors.New("built-in sources cannot be removed")
	// ErrDuplicateSource is returned when adding a source that is already present.
	ErrDuplicateSource = errors.New("source already present")
	// ErrUnknownSource is returned for descriptors the library does not hold.
	ErrUnknownSource = errors.New("unknown source")
)

// Options configures a Library.
type Options struct {
	Client      *messenger.Client
	Store       Store
	Redeemer    *bookmark.Minter // verifies bookmarks minted by workers
	Builtin     []messenger.Descriptor
	Watcher     ports.SourceWatcher // optional
	Parallelism int
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// source is one configured media source and its cached top-level nodes.
type source struct {
	desc  messenger.Descriptor
	proxy *messenger.Proxy
	root  string // watched directory; empty when not watchable

	mu   sync.Mutex
	tops []*ports.Node // nil until first listed

	tree sync.RWMutex // guards the contents of the nodes under tops
}

// Library is the host's view of every configured media source. It holds
// the node trees returned by workers and never runs backend code itself.
type Library struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	sources []*source
	orphans []messenger.Descriptor // stored sources whose class is not registered

	reloads  sync.WaitGroup
	onReload func(messenger.Descriptor)
	closed   bool
}

// NewLibrary builds a library over the built-in sources followed by the
// user-added ones found in the store.
func NewLibrary(opts Options) (*Library, error) {
	if opts.Client == nil || opts.Store == nil {
		return nil, errors.New("library: client and store are required")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	l := &Library{opts: opts, logger: opts.Logger.With(logging.FieldComponent, "library")}

	for _, d := range opts.Builtin {
		d.IsUserAdded = false
		if _, err := l.attach(d); err != nil {
			return nil, fmt.Errorf("built-in source %s: %w", d, err)
		}
	}
	stored, err := opts.Store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	for _, d := range stored {
		if _, err := l.attach(d); err != nil {
			if errors.Is(err, ErrDuplicateSource) {
				continue
			}
			l.logger.Warn("skipping stored source", logging.FieldDescriptor, d.String(), "error", err)
			l.orphans = append(l.orphans, d)
		}
	}
	return l, nil
}

// attach adds d without persisting it.
func (l *Library) attach(d messenger.Descriptor) (*source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources {
		if s.desc.Equal(d) {
			return nil, ErrDuplicateSource
		}
	}
	proxy, err := l.opts.Client.Proxy(d)
	if err != nil {
		return nil, err
	}
	s := &source{desc: d, proxy: proxy}
	if path, err := d.SourcePath(); err == nil {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			s.root = path
		}
	}
	if s.root != "" && l.opts.Watcher != nil {
		if err := l.opts.Watcher.Add(s.root); err != nil {
			l.logger.Warn("source not watched", logging.FieldDescriptor, d.String(), "error", err)
		}
	}
	l.sources = append(l.sources, s)
	return s, nil
}

func (l *Library) find(d messenger.Descriptor) (*source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources {
		if s.desc.Equal(d) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSource, d)
}

func (l *Library) persist() error {
	var user []messenger.Descriptor
	for _, s := range l.sources {
		if s.desc.IsUserAdded {
			user = append(user, s.desc)
		}
	}
	user = append(user, l.orphans...)
	return l.opts.Store.SaveAll(user)
}

// Watch starts watching every directory source with w and hands w to the
// library, which stops it on Close. Sources added later are watched too.
func (l *Library) Watch(w ports.SourceWatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.Watcher = w
	for _, s := range l.sources {
		if s.root == "" {
			continue
		}
		if err := w.Add(s.root); err != nil {
			l.logger.Warn("source not watched", logging.FieldDescriptor, s.desc.String(), "error", err)
		}
	}
}

// SetOnReload registers fn to run after a source was reloaded because its
// files changed.
func (l *Library) SetOnReload(fn func(messenger.Descriptor)) {
	l.mu.Lock()
	l.onReload = fn
	l.mu.Unlock()
}

// Sources returns the configured descriptors, built-in ones first.
func (l *Library) Sources() []messenger.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]messenger.Descriptor, 0, len(l.sources))
	for _, s := range l.sources {
		out = append(out, s.desc)
	}
	return out
}

// Proxy returns the messenger proxy of a configured source, for its hooks.
func (l *Library) Proxy(d messenger.Descriptor) (*messenger.Proxy, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	return s.proxy, nil
}

// AddSource adds a user source of the given class at path and persists it.
func (l *Library) AddSource(classID, path string) (messenger.Descriptor, error) {
	class, err := l.opts.Client.Registry().Class(classID)
	if err != nil {
		return messenger.Descriptor{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return messenger.Descriptor{}, messenger.Wrap(messenger.ErrNotFound, "add source", path, err)
	}
	d := messenger.NewDescriptor(class, path, true)
	if _, err := l.attach(d); err != nil {
		return messenger.Descriptor{}, err
	}
	l.mu.Lock()
	err = l.persist()
	l.mu.Unlock()
	if err != nil {
		return messenger.Descriptor{}, fmt.Errorf("save sources: %w", err)
	}
	l.logger.Info("source added", logging.FieldDescriptor, d.String())
	return d, nil
}

// RemoveSource removes a user-added source, drops its worker connection and
// its cached thumbnails.
func (l *Library) RemoveSource(d messenger.Descriptor) error {
	l.mu.Lock()
	idx := -1
	for i, s := range l.sources {
		if s.desc.Equal(d) {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, d)
	}
	s := l.sources[idx]
	if !s.desc.IsUserAdded {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBuiltinSource, d)
	}
	l.sources = append(l.sources[:idx:idx], l.sources[idx+1:]...)
	err := l.persist()
	unwatch := s.root != "" && !l.rootInUse(s.root)
	w := l.opts.Watcher
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save sources: %w", err)
	}

	if unwatch && w != nil {
		_ = w.Remove(s.root)
	}
	if err := l.opts.Client.Connections().Drop(d); err != nil {
		l.logger.Debug("close connection", logging.FieldDescriptor, d.String(), "error", err)
	}
	if err := l.opts.Store.DropThumbnails(d); err != nil {
		return fmt.Errorf("drop thumbnails: %w", err)
	}
	l.logger.Info("source removed", logging.FieldDescriptor, d.String())
	return nil
}

// rootInUse reports whether another source watches root. Caller holds l.mu.
func (l *Library) rootInUse(root string) bool {
	for _, s := range l.sources {
		if s.root == root {
			return true
		}
	}
	return false
}

func (l *Library) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opts.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opts.CallTimeout)
}

// TopLevelNodes returns the source's root nodes, asking the worker only the
// first time. The returned nodes are the library's own and fill in as they
// are populated.
func (l *Library) TopLevelNodes(ctx context.Context, d messenger.Descriptor) ([]*ports.Node, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tops != nil {
		return s.tops, nil
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	tops, err := s.proxy.UnpopulatedTopLevelNodes(ctx)
	if err != nil {
		return nil, err
	}
	if tops == nil {
		tops = []*ports.Node{}
	}
	s.tops = tops
	return tops, nil
}

// FindNode looks up a node by identifier in the trees loaded so far. Nodes of
// multi-library sources are matched on their owning parser when parserID
// is set.
func (l *Library) FindNode(d messenger.Descriptor, parserID, nodeID string) (*ports.Node, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.RLock()
	defer s.tree.RUnlock()
	for _, top := range s.tops {
		if parserID != "" && top.ParserIdentifier != parserID {
			continue
		}
		if n := top.Find(nodeID); n != nil {
			return n, nil
		}
	}
	return nil, messenger.Errorf(messenger.ErrNotFound, "find node", "%q is not loaded in %s", nodeID, d)
}

// PopulateNode loads node's children from its source's worker.
func (l *Library) PopulateNode(ctx context.Context, d messenger.Descriptor, node *ports.Node) (*ports.Node, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	s.tree.RLock()
	work := detach(node)
	s.tree.RUnlock()
	if _, err := s.proxy.PopulateNode(ctx, work); err != nil {
		return nil, err
	}
	s.tree.Lock()
	mergeInto(node, work)
	s.tree.Unlock()
	return node, nil
}

// ReloadNodeTree re-reads node from the source. Reloading a top-level node
// also drops the source's cached thumbnails.
func (l *Library) ReloadNodeTree(ctx context.Context, d messenger.Descriptor, node *ports.Node) (*ports.Node, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	s.tree.RLock()
	work := detach(node)
	s.tree.RUnlock()
	if _, err := s.proxy.ReloadNodeTree(ctx, work); err != nil {
		return nil, err
	}
	s.tree.Lock()
	replace(node, work)
	s.tree.Unlock()
	if node.IsTopLevel {
		if err := l.opts.Store.DropThumbnails(d); err != nil {
			l.logger.Warn("drop thumbnails", logging.FieldDescriptor, d.String(), "error", err)
		}
	}
	return node, nil
}

// Reload relists a source's top-level nodes and reloads the ones already
// populated. Nodes that vanished are dropped from the cache.
func (l *Library) Reload(ctx context.Context, d messenger.Descriptor) error {
	s, err := l.find(d)
	if err != nil {
		return err
	}
	if err := l.opts.Store.DropThumbnails(d); err != nil {
		l.logger.Warn("drop thumbnails", logging.FieldDescriptor, d.String(), "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	var tops []*ports.Node
	for _, old := range s.tops {
		s.tree.RLock()
		populated := old.IsPopulated()
		work := detach(old)
		s.tree.RUnlock()
		if !populated {
			continue
		}
		if _, err := s.proxy.ReloadNodeTree(ctx, work); err != nil {
			if errors.Is(err, messenger.ErrNotFound) {
				continue
			}
			return err
		}
		s.tree.Lock()
		replace(old, work)
		s.tree.Unlock()
	}
	listed, err := s.proxy.UnpopulatedTopLevelNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range listed {
		if prev := matchTop(s.tops, n); prev != nil {
			tops = append(tops, prev)
			continue
		}
		tops = append(tops, n)
	}
	if tops == nil {
		tops = []*ports.Node{}
	}
	s.tops = tops
	return nil
}

func matchTop(tops []*ports.Node, n *ports.Node) *ports.Node {
	for _, t := range tops {
		if t.Identifier == n.Identifier && t.ParserIdentifier == n.ParserIdentifier {
			return t
		}
	}
	return nil
}

// OnSourceChanged reloads every source rooted at root. The watcher calls it
// from its own goroutine; the reload runs in the background.
func (l *Library) OnSourceChanged(root string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	var hit []messenger.Descriptor
	for _, s := range l.sources {
		if s.root == root {
			hit = append(hit, s.desc)
		}
	}
	l.reloads.Add(len(hit))
	notify := l.onReload
	l.mu.Unlock()

	for _, d := range hit {
		go func() {
			defer l.reloads.Done()
			if err := l.Reload(context.Background(), d); err != nil {
				l.logger.Warn("reload after change failed", logging.FieldDescriptor, d.String(), "error", err)
				return
			}
			l.logger.Debug("source reloaded", logging.FieldDescriptor, d.String())
			if notify != nil {
				notify(d)
			}
		}()
	}
}

// LoadMetadata attaches metadata and its description to obj.
func (l *Library) LoadMetadata(ctx context.Context, d messenger.Descriptor, obj *ports.Object) (*ports.Object, error) {
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	s.tree.RLock()
	work := obj.Clone()
	s.tree.RUnlock()
	if _, err := s.proxy.LoadMetadataForObject(ctx, work); err != nil {
		return nil, err
	}
	s.tree.Lock()
	obj.Metadata = work.Metadata
	obj.MetadataDescription = work.MetadataDescription
	s.tree.Unlock()
	return obj, nil
}

// OpenObject asks the worker for a bookmark to obj's file and redeems it for
// a read-only handle.
func (l *Library) OpenObject(ctx context.Context, d messenger.Descriptor, obj *ports.Object) (*os.File, error) {
	if l.opts.Redeemer == nil {
		return nil, messenger.Errorf(messenger.ErrAccessDenied, "open object", "host has no bookmark key")
	}
	s, err := l.find(d)
	if err != nil {
		return nil, err
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()
	token, err := s.proxy.BookmarkForObject(ctx, obj)
	if err != nil {
		return nil, err
	}
	f, claims, err := l.opts.Redeemer.Redeem(token)
	if err != nil {
		return nil, err
	}
	if claims.Object != obj.Identifier {
		f.Close()
		return nil, messenger.Errorf(messenger.ErrAccessDenied, "open object", "bookmark names %q, not %q", claims.Object, obj.Identifier)
	}
	if obj.Location != "" {
		want, err := messenger.FilePath(obj.Location)
		if err != nil || filepath.Clean(want) != filepath.Clean(claims.Path) {
			f.Close()
			return nil, messenger.Errorf(messenger.ErrAccessDenied, "open object", "bookmark path %s does not match %s", claims.Path, obj.Location)
		}
	}
	return f, nil
}

// Close stops watching, waits for background reloads and closes every
// worker connection.
func (l *Library) Close() error {
	l.mu.Lock()
	l.closed = true
	w := l.opts.Watcher
	l.mu.Unlock()
	var errs []error
	if w != nil {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	l.reloads.Wait()
	if err := l.opts.Client.Connections().Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
