package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/corey/mediabridge/internal/ports"
)

// treeParser serves a fixed tree: children maps a node identifier to the
// identifiers of its direct subnodes. Objects are leaves named "<node>#<n>".
type treeParser struct {
	id string

	mu       sync.Mutex
	children map[string][]string
	objects  map[string][]string
	fail     error
	block    chan struct{} // PopulateNode waits on it when non-nil
	populate int
}

func newTreeParser(id string) *treeParser {
	return &treeParser{
		id: id,
		children: map[string][]string{
			"root": {"root/Events", "root/Faces"},
		},
		objects: map[string][]string{},
	}
}

func (p *treeParser) Identifier() string { return p.id }

func (p *treeParser) UnpopulatedTopLevelNodes(ctx context.Context) ([]*ports.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	// Deliberately hand back a pre-populated root; the dispatcher must strip it.
	root := &ports.Node{Identifier: "root", Name: "Library", ParserIdentifier: p.id}
	root.Subnodes = []*ports.Node{{Identifier: "root/leaked"}}
	return []*ports.Node{root}, nil
}

func (p *treeParser) PopulateNode(ctx context.Context, node *ports.Node) error {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.populate++
	if p.fail != nil {
		return p.fail
	}
	kids, ok := p.children[node.Identifier]
	if !ok && !strings.HasPrefix(node.Identifier, "root") {
		return Errorf(ErrNotFound, "populate", "no node %q", node.Identifier)
	}
	node.Subnodes = []*ports.Node{}
	for _, k := range kids {
		node.Subnodes = append(node.Subnodes, &ports.Node{Identifier: k, Name: k[strings.LastIndex(k, "/")+1:]})
	}
	node.Objects = []*ports.Object{}
	for _, o := range p.objects[node.Identifier] {
		node.Objects = append(node.Objects, &ports.Object{Identifier: o, Name: o, Location: "file:///tmp/" + o})
	}
	return nil
}

func (p *treeParser) ReloadNodeTree(ctx context.Context, node *ports.Node) (*ports.Node, error) {
	if err := p.PopulateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *treeParser) LoadThumbnail(ctx context.Context, obj *ports.Object) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	obj.Thumbnail = []byte("thumb:" + obj.Identifier)
	obj.ThumbnailType = "image/png"
	return nil
}

func (p *treeParser) LoadMetadata(ctx context.Context, obj *ports.Object) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	obj.Metadata = map[string]string{"width": "640", "height": "480", "size": "2048"}
	return nil
}

func (p *treeParser) setChildren(id string, kids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children[id] = kids
}

func (p *treeParser) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// photosFixture registers one "photos" class over treeParser and counts
// constructions. Tree edits made through setChildren survive parser rebuilds,
// the way a library on disk outlives the parser reading it.
type photosFixture struct {
	registry *Registry
	created  atomic.Int32
	mu       sync.Mutex
	last     *treeParser
	tree     map[string][]string
}

func newPhotosFixture() *photosFixture {
	f := &photosFixture{registry: NewRegistry(), tree: map[string][]string{}}
	f.registry.RegisterParser("tree", func(cfg ports.ParserConfig) (ports.Parser, error) {
		f.created.Add(1)
		p := newTreeParser(cfg.Identifier)
		f.mu.Lock()
		for id, kids := range f.tree {
			p.children[id] = kids
		}
		f.last = p
		f.mu.Unlock()
		return p, nil
	})
	f.registry.Register(Class{
		Identifier:              "photos.default",
		MediaType:               "photos",
		ParserClassName:         "tree",
		WorkerServiceIdentifier: "svc.photos",
	})
	return f
}

func (f *photosFixture) parser() *treeParser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *photosFixture) setChildren(id string, kids ...string) {
	f.mu.Lock()
	f.tree[id] = kids
	last := f.last
	f.mu.Unlock()
	if last != nil {
		last.setChildren(id, kids...)
	}
}

func photosDescriptor() Descriptor {
	return Descriptor{
		Class:       "photos.default",
		MediaType:   "photos",
		MediaSource: "file:///Users/x/Pictures/Lib.photoslibrary",
		IsUserAdded: false,
	}
}

// loopback is an in-memory Transport that JSON round-trips every call through
// a dispatcher, the same way the socket transport does.
type loopback struct {
	d    *Dispatcher
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	calls []string
}

func newLoopback(d *Dispatcher) *loopback {
	return &loopback{d: d, done: make(chan struct{})}
}

func (l *loopback) Call(ctx context.Context, method string, desc *Descriptor, params, result any) error {
	select {
	case <-l.done:
		return Errorf(ErrConnectionLost, method, "loopback closed")
	default:
	}
	l.mu.Lock()
	l.calls = append(l.calls, method)
	l.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if params == nil {
		raw = nil
	}
	var descCopy *Descriptor
	if desc != nil {
		data, _ := Encode(*desc)
		d, _ := Decode(data)
		descCopy = &d
	}
	out, err := l.d.Handle(ctx, method, descCopy, raw)

	select {
	case <-l.done:
		return Errorf(ErrConnectionLost, method, "loopback closed during call")
	default:
	}
	if err != nil {
		return FromCode(Code(err), err.Error())
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (l *loopback) Done() <-chan struct{} { return l.done }

func (l *loopback) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *loopback) methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeLauncher hands out loopback transports over fresh dispatchers, one per
// launch, so each launch sees an empty backend cache like a new process.
type fakeLauncher struct {
	registry *Registry

	mu         sync.Mutex
	launches   int
	failNext   int
	failErr    error
	gate       chan struct{}
	transports []*loopback
	services   []string
}

func (l *fakeLauncher) Launch(ctx context.Context, serviceID string) (Transport, error) {
	l.mu.Lock()
	l.launches++
	l.services = append(l.services, serviceID)
	gate := l.gate
	fail := l.failNext > 0
	if fail {
		l.failNext--
	}
	failErr := l.failErr
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		if failErr == nil {
			failErr = errors.New("exec: worker binary missing")
		}
		return nil, failErr
	}
	t := newLoopback(NewDispatcher(l.registry, nil, nil))
	l.mu.Lock()
	l.transports = append(l.transports, t)
	l.mu.Unlock()
	return t, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// crash closes every live transport, as if the worker process died.
func (l *fakeLauncher) crash() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.transports {
		_ = t.Close()
	}
}

func nodeIDs(nodes []*ports.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Identifier)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
