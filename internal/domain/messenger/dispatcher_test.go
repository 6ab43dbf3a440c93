package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/mediabridge/internal/logging"
	"github.com/corey/mediabridge/internal/ports"
)

type recordingMinter struct {
	mu    sync.Mutex
	paths []string
}

func (m *recordingMinter) Mint(path, objectID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return []byte("bm:" + objectID), nil
}

// =============================================================================
// Instance cache
// =============================================================================

func TestDispatcher_ParserInstancesAreCached(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()

	first, err := d.ParserInstances(ctx, photosDescriptor())
	require.NoError(t, err)
	second, err := d.ParserInstances(ctx, photosDescriptor())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Same(t, first[0], second[0])
	assert.EqualValues(t, 1, f.created.Load())

	p, err := d.ParserWithIdentifier(ctx, photosDescriptor(), "photos.default")
	require.NoError(t, err)
	assert.Same(t, first[0], p)

	_, err = d.ParserWithIdentifier(ctx, photosDescriptor(), "photos.other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_LogsWithStandardFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, logger)

	_, err := d.ParserInstances(context.Background(), photosDescriptor())
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "parsers created", line["msg"])
	assert.Equal(t, "dispatcher", line[logging.FieldComponent])
	assert.Equal(t, photosDescriptor().String(), line[logging.FieldDescriptor])
}

func TestDispatcher_ConcurrentFirstCallsCreateOnce(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)

	var wg sync.WaitGroup
	results := make([]ports.Parser, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ps, err := d.ParserInstances(context.Background(), photosDescriptor())
			if err == nil {
				results[i] = ps[0]
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.created.Load())
	for _, p := range results {
		assert.Same(t, results[0], p)
	}
}

func TestDispatcher_DistinctIdentitiesGetDistinctInstances(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	a := photosDescriptor()
	b := a
	b.IsUserAdded = true

	pa, err := d.ParserInstances(context.Background(), a)
	require.NoError(t, err)
	pb, err := d.ParserInstances(context.Background(), b)
	require.NoError(t, err)
	assert.NotSame(t, pa[0], pb[0])
	assert.EqualValues(t, 2, f.created.Load())
}

func TestDispatcher_FailedCreationIsNotCached(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.RegisterParser("flaky", func(cfg ports.ParserConfig) (ports.Parser, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("library locked")
		}
		return newTreeParser(cfg.Identifier), nil
	})
	r.Register(Class{Identifier: "flaky", MediaType: "m", ParserClassName: "flaky", WorkerServiceIdentifier: "s"})
	d := NewDispatcher(r, nil, nil)
	desc := Descriptor{Class: "flaky", MediaType: "m", MediaSource: "file:///lib"}

	_, err := d.ParserInstances(context.Background(), desc)
	assert.ErrorIs(t, err, ErrInstantiation)

	ps, err := d.ParserInstances(context.Background(), desc)
	require.NoError(t, err)
	assert.Len(t, ps, 1)
	assert.Equal(t, 2, calls)
}

func TestDispatcher_NewParserIsUncached(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	a, err := d.NewParser(photosDescriptor())
	require.NoError(t, err)
	b, err := d.NewParser(photosDescriptor())
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

// =============================================================================
// Tree operations
// =============================================================================

func TestDispatcher_TopLevelNodesAreUnpopulated(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)

	nodes, err := d.UnpopulatedTopLevelNodes(context.Background(), photosDescriptor())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	root := nodes[0]
	assert.Equal(t, "root", root.Identifier)
	assert.True(t, root.IsTopLevel)
	assert.False(t, root.IsPopulated())
	assert.Nil(t, root.Subnodes)
	assert.Equal(t, "photos.default", root.ParserIdentifier)
	assert.Equal(t, photosDescriptor().MediaSource, root.MediaSource)
}

func TestDispatcher_TopLevelNodesFailWhenAnyInstanceFails(t *testing.T) {
	f := newPhotosFixture()
	f.registry.Register(Class{
		Identifier:              "photos.multi",
		MediaType:               "photos",
		ParserClassName:         "tree",
		WorkerServiceIdentifier: "svc.photos",
		CreateInstances: func(ctx context.Context, d Descriptor, base ports.ParserConfig, newParser NewParserFunc) ([]ports.Parser, error) {
			var out []ports.Parser
			for _, suffix := range []string{":a", ":b"} {
				cfg := base
				cfg.Identifier = base.Identifier + suffix
				p, err := newParser(cfg)
				if err != nil {
					return nil, err
				}
				out = append(out, p)
			}
			return out, nil
		},
	})
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	desc := photosDescriptor()
	desc.Class = "photos.multi"

	_, err := d.ParserInstances(ctx, desc)
	require.NoError(t, err)
	second := f.parser()
	require.Equal(t, "photos.multi:b", second.Identifier())

	second.setFail(Errorf(ErrAccessDenied, "open", "library is locked"))
	nodes, err := d.UnpopulatedTopLevelNodes(ctx, desc)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Nil(t, nodes)

	second.setFail(errors.New("sqlite: file is not a database"))
	nodes, err = d.UnpopulatedTopLevelNodes(ctx, desc)
	assert.ErrorIs(t, err, ErrMalformedSource)
	assert.Contains(t, err.Error(), "photos.multi:b")
	assert.Nil(t, nodes)
}

func TestDispatcher_PhotosLibraryScenario(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	desc := photosDescriptor()

	nodes, err := d.UnpopulatedTopLevelNodes(ctx, desc)
	require.NoError(t, err)
	root := nodes[0]

	populated, err := d.PopulateNode(ctx, desc, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"root/Events", "root/Faces"}, nodeIDs(populated.Subnodes))
	assert.Nil(t, root.Subnodes, "argument must not be modified")
	for _, sub := range populated.Subnodes {
		assert.Equal(t, "root", sub.ParentIdentifier)
		assert.Equal(t, "photos.default", sub.ParserIdentifier)
	}

	f.setChildren("root", "root/Events")
	reloaded, err := d.ReloadNodeTree(ctx, desc, populated)
	require.NoError(t, err)
	assert.Equal(t, []string{"root/Events"}, nodeIDs(reloaded.Subnodes))
	assert.True(t, reloaded.IsTopLevel)
}

func TestDispatcher_ReloadTopLevelRebuildsInstances(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	desc := photosDescriptor()

	nodes, err := d.UnpopulatedTopLevelNodes(ctx, desc)
	require.NoError(t, err)
	_, err = d.ReloadNodeTree(ctx, desc, nodes[0])
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.created.Load())

	// Non-root reloads keep the cached parser.
	_, err = d.ReloadNodeTree(ctx, desc, &ports.Node{Identifier: "root/Events", ParserIdentifier: "photos.default"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.created.Load())
}

func TestDispatcher_BackendFailures(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	desc := photosDescriptor()

	_, err := d.PopulateNode(ctx, desc, &ports.Node{Identifier: "ghost", ParserIdentifier: "photos.default"})
	assert.ErrorIs(t, err, ErrNotFound)

	f.parser().setFail(errors.New("sqlite: file is not a database"))
	_, err = d.PopulateNode(ctx, desc, &ports.Node{Identifier: "root", ParserIdentifier: "photos.default"})
	assert.ErrorIs(t, err, ErrMalformedSource)

	_, err = d.PopulateNode(ctx, desc, &ports.Node{Identifier: "root", ParserIdentifier: "elsewhere"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.PopulateNode(ctx, desc, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Objects
// =============================================================================

func TestDispatcher_LoadObject(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	obj := &ports.Object{Identifier: "img1", ParserIdentifier: "photos.default"}

	got, err := d.LoadThumbnailForObject(ctx, photosDescriptor(), obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("thumb:img1"), got.Thumbnail)
	assert.Nil(t, got.Metadata)
	assert.Nil(t, obj.Thumbnail)

	got, err = d.LoadMetadataForObject(ctx, photosDescriptor(), obj)
	require.NoError(t, err)
	assert.Nil(t, got.Thumbnail)
	assert.Equal(t, "640", got.Metadata["width"])

	got, err = d.LoadThumbnailAndMetadataForObject(ctx, photosDescriptor(), obj)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Thumbnail)
	assert.Equal(t, []string{"height", "size", "width"}, sortedKeys(got.Metadata))

	_, err = d.LoadThumbnailForObject(ctx, photosDescriptor(), &ports.Object{ParserIdentifier: "photos.default"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_Bookmark(t *testing.T) {
	f := newPhotosFixture()
	minter := &recordingMinter{}
	d := NewDispatcher(f.registry, minter, nil)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "IMG_0001.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))
	obj := &ports.Object{Identifier: "img1", ParserIdentifier: "photos.default", Location: SourceURI(path)}

	token, err := d.BookmarkForObject(ctx, photosDescriptor(), obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("bm:img1"), token)
	assert.Equal(t, []string{path}, minter.paths)

	missing := &ports.Object{Identifier: "img2", ParserIdentifier: "photos.default", Location: SourceURI(path + ".gone")}
	_, err = d.BookmarkForObject(ctx, photosDescriptor(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	d.canRead = func(string) error {
		return Errorf(ErrAccessDenied, MethodBookmark, "sandbox refused read")
	}
	_, err = d.BookmarkForObject(ctx, photosDescriptor(), obj)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Len(t, minter.paths, 1)

	remote := &ports.Object{Identifier: "img3", ParserIdentifier: "photos.default", Location: "https://cdn.example.com/a.jpg"}
	_, err = d.BookmarkForObject(ctx, photosDescriptor(), remote)
	assert.ErrorIs(t, err, ErrMalformedSource)
}

func TestDispatcher_BookmarkWithoutMinter(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	d.canRead = func(string) error { return nil }
	obj := &ports.Object{Identifier: "img1", ParserIdentifier: "photos.default", Location: "file:///tmp/x.jpg"}
	_, err := d.BookmarkForObject(context.Background(), photosDescriptor(), obj)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

// =============================================================================
// Wire dispatch
// =============================================================================

func TestDispatcher_HandleRejectsBadRequests(t *testing.T) {
	f := newPhotosFixture()
	d := NewDispatcher(f.registry, nil, nil)
	ctx := context.Background()
	desc := photosDescriptor()

	_, err := d.Handle(ctx, MethodTopLevelNodes, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Handle(ctx, "rename_node", &desc, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Handle(ctx, MethodPopulateNode, &desc, []byte(`{"node": 7}`))
	require.Error(t, err)
	assert.Equal(t, CodeInternal, Code(err))

	out, err := d.Handle(ctx, MethodTopLevelNodes, &desc, nil)
	require.NoError(t, err)
	assert.Len(t, out.(NodesResult).Nodes, 1)
}
