package folder

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// pictures builds:
//
//	Pictures/
//	  a.png
//	  notes.txt
//	  .hidden.png
//	  Trip/
//	    beach.png
//	  Work/
func pictures(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Pictures")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Trip"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Work"), 0o755))
	writePNG(t, filepath.Join(root, "a.png"), 400, 200)
	writePNG(t, filepath.Join(root, ".hidden.png"), 10, 10)
	writePNG(t, filepath.Join(root, "Trip", "beach.png"), 20, 10)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	return root
}

func newParser(t *testing.T, root, mediaType string) *Parser {
	t.Helper()
	p, err := New(ports.ParserConfig{Identifier: ImagesClass, MediaType: mediaType, MediaSource: messenger.SourceURI(root)})
	require.NoError(t, err)
	return p.(*Parser)
}

func TestParser_TreeWalk(t *testing.T) {
	root := pictures(t)
	p := newParser(t, root, "image")
	ctx := context.Background()

	tops, err := p.UnpopulatedTopLevelNodes(ctx)
	require.NoError(t, err)
	require.Len(t, tops, 1)
	assert.Equal(t, "/", tops[0].Identifier)
	assert.Equal(t, "Pictures", tops[0].Name)

	node := tops[0]
	require.NoError(t, p.PopulateNode(ctx, node))
	var subs, objs []string
	for _, n := range node.Subnodes {
		subs = append(subs, n.Identifier)
	}
	for _, o := range node.Objects {
		objs = append(objs, o.Identifier)
	}
	assert.Equal(t, []string{"/Trip", "/Work"}, subs)
	assert.Equal(t, []string{"/a.png"}, objs)
	assert.Equal(t, "1", node.Attributes["objects"])
	assert.False(t, node.IsLeaf)

	trip := node.Subnodes[0]
	require.NoError(t, p.PopulateNode(ctx, trip))
	require.Len(t, trip.Objects, 1)
	assert.Equal(t, "/Trip/beach.png", trip.Objects[0].Identifier)
	assert.True(t, trip.IsLeaf)
}

func TestParser_MediaTypeFilters(t *testing.T) {
	root := pictures(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "song.mp3"), []byte("id3"), 0o644))
	p := newParser(t, root, "audio")

	node := &ports.Node{Identifier: "/"}
	require.NoError(t, p.PopulateNode(context.Background(), node))
	require.Len(t, node.Objects, 1)
	assert.Equal(t, "song.mp3", node.Objects[0].Name)

	obj := node.Objects[0]
	require.NoError(t, p.LoadThumbnail(context.Background(), obj))
	assert.Nil(t, obj.Thumbnail)
}

func TestParser_ThumbnailAndMetadata(t *testing.T) {
	root := pictures(t)
	p := newParser(t, root, "image")
	obj := &ports.Object{Identifier: "/a.png"}

	require.NoError(t, p.LoadThumbnail(context.Background(), obj))
	assert.Equal(t, "image/png", obj.ThumbnailType)
	thumb, err := png.Decode(bytes.NewReader(obj.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, 160, thumb.Bounds().Dx())

	require.NoError(t, p.LoadMetadata(context.Background(), obj))
	assert.Equal(t, "400", obj.Metadata["width"])
	assert.Equal(t, "200", obj.Metadata["height"])
	assert.Equal(t, "png", obj.Metadata["format"])
	assert.NotEmpty(t, obj.Metadata["size"])
}

func TestParser_UndecodableImagesHaveNoThumbnail(t *testing.T) {
	root := pictures(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.heic"), []byte("ftypheic"), 0o644))
	p := newParser(t, root, "image")

	obj := &ports.Object{Identifier: "/c.heic"}
	require.NoError(t, p.LoadThumbnail(context.Background(), obj))
	assert.Nil(t, obj.Thumbnail)
	assert.Empty(t, obj.ThumbnailType)

	err := p.LoadThumbnail(context.Background(), &ports.Object{Identifier: "/missing.heic"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
}

func TestParser_ReloadDropsRemovedEntries(t *testing.T) {
	root := pictures(t)
	p := newParser(t, root, "image")
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(filepath.Join(root, "Work")))
	fresh, err := p.ReloadNodeTree(ctx, &ports.Node{Identifier: "/"})
	require.NoError(t, err)
	require.Len(t, fresh.Subnodes, 1)
	assert.Equal(t, "/Trip", fresh.Subnodes[0].Identifier)

	gone, err := p.ReloadNodeTree(ctx, &ports.Node{Identifier: "/Work"})
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestParser_Errors(t *testing.T) {
	root := pictures(t)
	p := newParser(t, root, "image")
	ctx := context.Background()

	err := p.PopulateNode(ctx, &ports.Node{Identifier: "/../etc"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
	err = p.PopulateNode(ctx, &ports.Node{Identifier: "Trip"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
	err = p.LoadMetadata(ctx, &ports.Object{Identifier: "/missing.png"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.png"), []byte("nope"), 0o644))
	err = p.LoadThumbnail(ctx, &ports.Object{Identifier: "/broken.png"})
	assert.ErrorIs(t, err, messenger.ErrMalformedSource)

	path, err := p.FilePath(&ports.Object{Identifier: "/Trip/beach.png"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Trip", "beach.png"), path)
}

func TestNew_RejectsBadSources(t *testing.T) {
	_, err := New(ports.ParserConfig{Identifier: ImagesClass, MediaType: "image", MediaSource: messenger.SourceURI(filepath.Join(t.TempDir(), "missing"))})
	assert.ErrorIs(t, err, messenger.ErrNotFound)

	file := filepath.Join(t.TempDir(), "file.png")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(ports.ParserConfig{Identifier: ImagesClass, MediaType: "image", MediaSource: messenger.SourceURI(file)})
	assert.ErrorIs(t, err, messenger.ErrMalformedSource)

	_, err = New(ports.ParserConfig{Identifier: ImagesClass, MediaType: "ebook", MediaSource: messenger.SourceURI(t.TempDir())})
	assert.ErrorIs(t, err, messenger.ErrInstantiation)
}

func TestRegister_ThroughDispatcher(t *testing.T) {
	r := messenger.NewRegistry()
	Register(r)
	assert.Len(t, r.ServiceClasses(ServiceID), 3)

	root := pictures(t)
	c, err := r.Class(ImagesClass)
	require.NoError(t, err)
	d := messenger.NewDescriptor(c, root, true)
	disp := messenger.NewDispatcher(r, nil, nil)
	ctx := context.Background()

	tops, err := disp.UnpopulatedTopLevelNodes(ctx, d)
	require.NoError(t, err)
	require.Len(t, tops, 1)
	populated, err := disp.PopulateNode(ctx, d, tops[0])
	require.NoError(t, err)
	assert.Equal(t, ImagesClass, populated.Objects[0].ParserIdentifier)
	assert.Equal(t, "/", populated.Subnodes[0].ParentIdentifier)
}

func TestHooks(t *testing.T) {
	var h Hooks
	items := h.NodeMenuItems(&ports.Node{Identifier: "/"})
	require.Len(t, items, 1)
	assert.Equal(t, CommandReveal, items[0].Command)

	view, ok := h.CustomView(messenger.FooterView, &ports.Node{Attributes: map[string]string{"objects": "3"}})
	assert.True(t, ok)
	assert.Equal(t, "folder-summary", view)
	_, ok = h.CustomView(messenger.HeaderView, &ports.Node{})
	assert.False(t, ok)
}
