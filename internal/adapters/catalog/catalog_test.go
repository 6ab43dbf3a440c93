package catalog

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// buildCatalog writes a catalog at dir/name.catalog:
//
//	Vacation (1)
//	  Beach (3): beach.png, missing.png
//	Family (2)
func buildCatalog(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+Extension)
	db, err := Create(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 32))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beach.png"), buf.Bytes(), 0o644))

	stmts := []string{
		`INSERT INTO albums (id, parent_id, name, position) VALUES (1, NULL, 'Vacation', 0)`,
		`INSERT INTO albums (id, parent_id, name, position) VALUES (2, NULL, 'Family', 1)`,
		`INSERT INTO albums (id, parent_id, name, position) VALUES (3, 1, 'Beach', 0)`,
		`INSERT INTO images (id, album_id, name, path, width, height, taken_at, camera)
			VALUES (10, 3, 'beach.png', 'beach.png', 64, 32, '2024-06-01', 'X100')`,
		`INSERT INTO images (id, album_id, name, path, thumbnail, thumbnail_type)
			VALUES (11, 3, 'missing.png', '/nowhere/missing.png', x'89504e47', 'image/png')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return path
}

func openParser(t *testing.T, path string) *Parser {
	t.Helper()
	p, err := Open(ports.ParserConfig{Identifier: PhotosClass, MediaType: "photos", MediaSource: messenger.SourceURI(path)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.(*Parser).Close() })
	return p.(*Parser)
}

func TestParser_Albums(t *testing.T) {
	dir := t.TempDir()
	p := openParser(t, buildCatalog(t, dir, "Main"))
	ctx := context.Background()

	tops, err := p.UnpopulatedTopLevelNodes(ctx)
	require.NoError(t, err)
	require.Len(t, tops, 1)
	root := tops[0]
	assert.Equal(t, "Main", root.Name)
	assert.Equal(t, "3", root.Attributes["albums"])

	require.NoError(t, p.PopulateNode(ctx, root))
	require.Len(t, root.Subnodes, 2)
	assert.Equal(t, "Vacation", root.Subnodes[0].Name)
	assert.Equal(t, "Family", root.Subnodes[1].Name)
	assert.Empty(t, root.Objects)

	vacation := root.Subnodes[0]
	require.NoError(t, p.PopulateNode(ctx, vacation))
	require.Len(t, vacation.Subnodes, 1)
	beach := vacation.Subnodes[0]
	require.NoError(t, p.PopulateNode(ctx, beach))
	assert.True(t, beach.IsLeaf)
	require.Len(t, beach.Objects, 2)
	assert.Equal(t, "image:10", beach.Objects[0].Identifier)
	assert.Equal(t, messenger.SourceURI(filepath.Join(dir, "beach.png")), beach.Objects[0].Location)
	assert.Equal(t, "file:///nowhere/missing.png", beach.Objects[1].Location)
}

func TestParser_ThumbnailsAndMetadata(t *testing.T) {
	dir := t.TempDir()
	p := openParser(t, buildCatalog(t, dir, "Main"))
	ctx := context.Background()

	stored := &ports.Object{Identifier: "image:11"}
	require.NoError(t, p.LoadThumbnail(ctx, stored))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, stored.Thumbnail)
	assert.Equal(t, "image/png", stored.ThumbnailType)

	rendered := &ports.Object{Identifier: "image:10"}
	require.NoError(t, p.LoadThumbnail(ctx, rendered))
	img, err := png.Decode(bytes.NewReader(rendered.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	require.NoError(t, p.LoadMetadata(ctx, rendered))
	assert.Equal(t, "Beach", rendered.Metadata["album"])
	assert.Equal(t, "64", rendered.Metadata["width"])
	assert.Equal(t, "X100", rendered.Metadata["camera"])
	assert.NotEmpty(t, rendered.Metadata["size"])

	path, err := p.FilePath(rendered)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beach.png"), path)

	err = p.LoadMetadata(ctx, &ports.Object{Identifier: "image:99"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
	err = p.LoadThumbnail(ctx, &ports.Object{Identifier: "bogus"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
}

func TestParser_ReloadDeletedAlbum(t *testing.T) {
	dir := t.TempDir()
	path := buildCatalog(t, dir, "Main")
	p := openParser(t, path)
	ctx := context.Background()

	family := &ports.Node{Identifier: "album:2"}
	got, err := p.ReloadNodeTree(ctx, family)
	require.NoError(t, err)
	require.NotNil(t, got)

	db, err := Create(ctx, path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM albums WHERE id = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	got, err = p.ReloadNodeTree(ctx, family)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = p.PopulateNode(ctx, &ports.Node{Identifier: "album:2"})
	assert.ErrorIs(t, err, messenger.ErrNotFound)
}

func TestOpen_Errors(t *testing.T) {
	cfg := func(path string) ports.ParserConfig {
		return ports.ParserConfig{Identifier: PhotosClass, MediaType: "photos", MediaSource: messenger.SourceURI(path)}
	}
	dir := t.TempDir()

	_, err := Open(cfg(filepath.Join(dir, "absent.catalog")))
	assert.ErrorIs(t, err, messenger.ErrNotFound)

	junk := filepath.Join(dir, "junk.catalog")
	require.NoError(t, os.WriteFile(junk, []byte("not a database at all, just text"), 0o644))
	_, err = Open(cfg(junk))
	assert.ErrorIs(t, err, messenger.ErrMalformedSource)

	empty := filepath.Join(dir, "empty.catalog")
	db, err := Create(context.Background(), empty)
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE images`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, err = Open(cfg(empty))
	assert.ErrorIs(t, err, messenger.ErrMalformedSource)
}

func TestLibraries(t *testing.T) {
	dir := t.TempDir()
	buildCatalog(t, dir, "B")
	buildCatalog(t, dir, "A")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	libs, err := Libraries(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "A.catalog"), filepath.Join(dir, "B.catalog")}, libs)

	single, err := Libraries(libs[0])
	require.NoError(t, err)
	assert.Equal(t, libs[:1], single)

	_, err = Libraries(filepath.Join(dir, "gone"))
	assert.ErrorIs(t, err, messenger.ErrNotFound)
}

func TestRegister_OneInstancePerCatalog(t *testing.T) {
	r := messenger.NewRegistry()
	Register(r)
	dir := t.TempDir()
	mainPath := buildCatalog(t, dir, "Main")
	archivePath := buildCatalog(t, dir, "Archive")

	c, err := r.Class(PhotosClass)
	require.NoError(t, err)
	d := messenger.NewDescriptor(c, dir, true)
	disp := messenger.NewDispatcher(r, nil, nil)
	defer disp.Close()
	ctx := context.Background()

	parsers, err := disp.ParserInstances(ctx, d)
	require.NoError(t, err)
	var ids []string
	for _, p := range parsers {
		ids = append(ids, p.Identifier())
	}
	assert.Equal(t, []string{"catalog.photos:" + archivePath, "catalog.photos:" + mainPath}, ids)

	tops, err := disp.UnpopulatedTopLevelNodes(ctx, d)
	require.NoError(t, err)
	require.Len(t, tops, 2)
	main, err := disp.PopulateNode(ctx, d, tops[1])
	require.NoError(t, err)
	assert.Equal(t, "catalog.photos:"+mainPath, main.Subnodes[0].ParserIdentifier)

	empty := messenger.NewDescriptor(c, t.TempDir(), true)
	_, err = disp.ParserInstances(ctx, empty)
	assert.ErrorIs(t, err, messenger.ErrInstantiation)
}

func TestRegister_SameBaseNameGetsDistinctInstances(t *testing.T) {
	r := messenger.NewRegistry()
	Register(r)
	dir := t.TempDir()
	first := buildCatalog(t, dir, "Main")
	upper := filepath.Join(dir, "Main"+strings.ToUpper(Extension))
	require.NoError(t, os.Rename(first, upper))
	lower := buildCatalog(t, dir, "Main")

	c, err := r.Class(PhotosClass)
	require.NoError(t, err)
	disp := messenger.NewDispatcher(r, nil, nil)
	defer disp.Close()

	parsers, err := disp.ParserInstances(context.Background(), messenger.NewDescriptor(c, dir, true))
	require.NoError(t, err)
	require.Len(t, parsers, 2)
	assert.ElementsMatch(t, []string{"catalog.photos:" + upper, "catalog.photos:" + lower},
		[]string{parsers[0].Identifier(), parsers[1].Identifier()})
}

func TestHooks(t *testing.T) {
	var h Hooks
	got := h.DescribeMetadata(map[string]string{
		"album":    "Beach",
		"taken_at": "2024-06-01",
		"camera":   "X100",
		"size":     "2048",
	})
	assert.Equal(t, "Album: Beach\nTaken: 2024-06-01\nCamera: X100\nSize: 2.0 kB", got)

	view, ok := h.CustomView(messenger.HeaderView, &ports.Node{IsTopLevel: true})
	assert.True(t, ok)
	assert.Equal(t, "catalog-header", view)
	_, ok = h.CustomView(messenger.FooterView, &ports.Node{IsTopLevel: true})
	assert.False(t, ok)
}
