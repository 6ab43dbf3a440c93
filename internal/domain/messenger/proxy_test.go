package messenger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/mediabridge/internal/ports"
)

func connectedProxy(t *testing.T, f *photosFixture) (*Proxy, *fakeLauncher, *ports.Node) {
	t.Helper()
	l := &fakeLauncher{registry: f.registry}
	client, _ := newTestClient(t, f, l)
	p, err := client.Proxy(photosDescriptor())
	require.NoError(t, err)
	nodes, err := p.UnpopulatedTopLevelNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return p, l, nodes[0]
}

func TestClient_ProxyRequiresRegisteredClass(t *testing.T) {
	f := newPhotosFixture()
	client, _ := newTestClient(t, f, &fakeLauncher{registry: f.registry})

	d := photosDescriptor()
	d.Class = "aperture.default"
	_, err := client.Proxy(d)
	assert.ErrorIs(t, err, ErrNotFound)

	d = photosDescriptor()
	d.MediaSource = ""
	_, err = client.Proxy(d)
	assert.ErrorIs(t, err, ErrMalformedSource)
}

func TestProxy_TopLevelNodesCarryNoChildren(t *testing.T) {
	f := newPhotosFixture()
	_, _, root := connectedProxy(t, f)
	assert.Equal(t, "root", root.Identifier)
	assert.False(t, root.IsPopulated())
	assert.True(t, root.IsTopLevel)
}

func TestProxy_PopulateMergesWithoutReordering(t *testing.T) {
	f := newPhotosFixture()
	p, _, root := connectedProxy(t, f)
	ctx := context.Background()

	got, err := p.PopulateNode(ctx, root)
	require.NoError(t, err)
	assert.Same(t, root, got)
	assert.Equal(t, []string{"root/Events", "root/Faces"}, nodeIDs(root.Subnodes))
	events := root.Subnodes[0]

	f.setChildren("root", "root/Places", "root/Faces", "root/Events")
	_, err = p.PopulateNode(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"root/Events", "root/Faces", "root/Places"}, nodeIDs(root.Subnodes))
	assert.Same(t, events, root.Subnodes[0])
}

func TestProxy_ReloadReplacesChildren(t *testing.T) {
	f := newPhotosFixture()
	p, _, root := connectedProxy(t, f)
	ctx := context.Background()

	_, err := p.PopulateNode(ctx, root)
	require.NoError(t, err)

	f.setChildren("root", "root/Events")
	_, err = p.ReloadNodeTree(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"root/Events"}, nodeIDs(root.Subnodes))
	assert.Nil(t, root.Subnode("root/Faces"))
}

func TestProxy_FailedPopulateLeavesNodeUntouched(t *testing.T) {
	f := newPhotosFixture()
	p, _, root := connectedProxy(t, f)
	ctx := context.Background()

	_, err := p.PopulateNode(ctx, root)
	require.NoError(t, err)
	before := nodeIDs(root.Subnodes)

	f.setChildren("root", "root/Events", "root/Faces", "root/Places")
	f.parser().setFail(Errorf(ErrMalformedSource, "populate", "album table missing"))
	_, err = p.PopulateNode(ctx, root)
	assert.ErrorIs(t, err, ErrMalformedSource)
	assert.Equal(t, before, nodeIDs(root.Subnodes))

	_, err = p.ReloadNodeTree(ctx, root.Subnodes[0])
	assert.ErrorIs(t, err, ErrMalformedSource)
	assert.Equal(t, before, nodeIDs(root.Subnodes))
}

func TestProxy_SameNodeMutationsAreSerialized(t *testing.T) {
	f := newPhotosFixture()
	p, _, root := connectedProxy(t, f)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.PopulateNode(context.Background(), root)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"root/Events", "root/Faces"}, nodeIDs(root.Subnodes))
}

func TestProxy_SameIdentifierOtherInstanceIsNotSerialized(t *testing.T) {
	f := newPhotosFixture()
	p, _, root := connectedProxy(t, f)
	block := make(chan struct{})
	f.parser().mu.Lock()
	f.parser().block = block
	f.parser().mu.Unlock()

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = p.PopulateNode(context.Background(), root)
	}()
	require.Eventually(t, func() bool {
		p.locks.mu.Lock()
		defer p.locks.mu.Unlock()
		return len(p.locks.locks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	other := &ports.Node{Identifier: root.Identifier, ParserIdentifier: "photos.other"}
	done := make(chan error, 1)
	go func() {
		_, err := p.PopulateNode(context.Background(), other)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("populate of another instance's node waited on the first")
	}
	close(block)
	<-first
}

func TestProxy_LoadObjectFillsInPlace(t *testing.T) {
	f := newPhotosFixture()
	p, _, _ := connectedProxy(t, f)
	ctx := context.Background()
	obj := &ports.Object{Identifier: "img1", ParserIdentifier: "photos.default", Name: "IMG_0001"}

	_, err := p.LoadThumbnailForObject(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("thumb:img1"), obj.Thumbnail)
	assert.Equal(t, "image/png", obj.ThumbnailType)
	assert.Nil(t, obj.Metadata)

	_, err = p.LoadMetadataForObject(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, "Dimensions: 640 × 480\nSize: 2.0 kB", obj.MetadataDescription)
	assert.Equal(t, []byte("thumb:img1"), obj.Thumbnail)

	other := &ports.Object{Identifier: "img2", ParserIdentifier: "photos.default"}
	_, err = p.LoadThumbnailAndMetadataForObject(ctx, other)
	require.NoError(t, err)
	assert.NotEmpty(t, other.Thumbnail)
	assert.NotEmpty(t, other.MetadataDescription)
}

func TestProxy_BookmarkErrorsCrossTheWire(t *testing.T) {
	f := newPhotosFixture()
	p, _, _ := connectedProxy(t, f)
	obj := &ports.Object{Identifier: "img1", ParserIdentifier: "photos.default", Location: "file:///nonexistent/IMG_0001.jpg"}
	_, err := p.BookmarkForObject(context.Background(), obj)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "/nonexistent/IMG_0001.jpg")
}

// =============================================================================
// Hooks
// =============================================================================

type albumHooks struct{}

func (albumHooks) NodeMenuItems(node *ports.Node) []MenuItem {
	return []MenuItem{{Title: "Show Slideshow", Command: "slideshow", Enabled: node.IsPopulated()}}
}

func (albumHooks) ObjectMenuItems(obj *ports.Object) []MenuItem {
	return []MenuItem{{Title: "Reveal in Library", Command: "reveal", Enabled: true}}
}

func (albumHooks) CustomView(slot ViewSlot, node *ports.Node) (string, bool) {
	if slot == HeaderView {
		return "album-header", true
	}
	return "", false
}

func (albumHooks) DescribeMetadata(md map[string]string) string {
	return "album:" + md["title"]
}

func TestProxy_ContextMenus(t *testing.T) {
	f := newPhotosFixture()
	f.registry.Register(Class{
		Identifier:              "photos.albums",
		MediaType:               "photos",
		ParserClassName:         "tree",
		WorkerServiceIdentifier: "svc.photos",
		Hooks:                   albumHooks{},
	})
	client, _ := newTestClient(t, f, &fakeLauncher{registry: f.registry})

	plain, err := client.Proxy(photosDescriptor())
	require.NoError(t, err)
	top := &ports.Node{Identifier: "root", IsTopLevel: true}
	items := plain.ContextMenuForNode(top)
	require.Len(t, items, 1)
	assert.Equal(t, CommandReload, items[0].Command)

	d := photosDescriptor()
	d.Class = "photos.albums"
	d.IsUserAdded = true
	hooked, err := client.Proxy(d)
	require.NoError(t, err)

	var commands []string
	for _, it := range hooked.ContextMenuForNode(top) {
		commands = append(commands, it.Command)
	}
	assert.Equal(t, []string{CommandReload, CommandRemoveSource, "slideshow"}, commands)

	inner := &ports.Node{Identifier: "root/Events"}
	commands = nil
	for _, it := range hooked.ContextMenuForNode(inner) {
		commands = append(commands, it.Command)
	}
	assert.Equal(t, []string{CommandReload, "slideshow"}, commands)

	objItems := hooked.ContextMenuForObject(&ports.Object{Identifier: "a", Location: "file:///a.jpg"})
	require.Len(t, objItems, 2)
	assert.True(t, objItems[0].Enabled)
	assert.Equal(t, "reveal", objItems[1].Command)
	assert.False(t, plain.ContextMenuForObject(&ports.Object{Identifier: "b"})[0].Enabled)

	view, ok := hooked.CustomView(HeaderView, top)
	assert.True(t, ok)
	assert.Equal(t, "album-header", view)
	_, ok = hooked.CustomView(FooterView, top)
	assert.False(t, ok)
	_, ok = plain.CustomView(HeaderView, top)
	assert.False(t, ok)

	assert.Equal(t, "album:Trip", hooked.MetadataDescription(map[string]string{"title": "Trip"}))
	assert.Equal(t, "Title: Trip", plain.MetadataDescription(map[string]string{"title": "Trip"}))
}

func TestDescribeMetadata(t *testing.T) {
	assert.Equal(t, "", DescribeMetadata(nil))
	assert.Equal(t,
		"Dimensions: 4032 × 3024\nCamera Model: iPhone 15\nSize: 3.1 MB",
		DescribeMetadata(map[string]string{
			"width":        "4032",
			"height":       "3024",
			"camera_model": "iPhone 15",
			"size":         "3100000",
			"notes":        " ",
		}))
	assert.Equal(t, "Width: 10", DescribeMetadata(map[string]string{"width": "10"}))
	assert.Equal(t, "Size: unknown", DescribeMetadata(map[string]string{"size": "unknown"}))
}

func TestViewSlot_String(t *testing.T) {
	assert.Equal(t, "header", HeaderView.String())
	assert.Equal(t, "footer", FooterView.String())
	assert.Equal(t, "view(9)", ViewSlot(9).String())
}
