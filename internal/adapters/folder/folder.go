// Package folder is the filesystem backend: a media source is a directory,
// subdirectories are nodes and files of the class's media type are objects.
package folder

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/corey/mediabridge/internal/adapters/thumbnail"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// ServiceID is the worker service hosting every folder class.
const ServiceID = "mediabridge.folders"

// Extensions recognised per media type.
var extensions = map[string]map[string]bool{
	"image": {".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".heic": true, ".tif": true, ".tiff": true},
	"audio": {".mp3": true, ".m4a": true, ".aac": true, ".flac": true, ".wav": true, ".ogg": true},
	"movie": {".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".avi": true},
}

// Parser reads one directory tree. Node identifiers are slash-separated
// paths relative to the root, starting with "/".
type Parser struct {
	id        string
	mediaType string
	root      string
	exts      map[string]bool
}

// New returns a parser over the directory named by cfg.MediaSource.
func New(cfg ports.ParserConfig) (ports.Parser, error) {
	exts, ok := extensions[cfg.MediaType]
	if !ok {
		return nil, messenger.Errorf(messenger.ErrInstantiation, "folder", "unsupported media type %q", cfg.MediaType)
	}
	root, err := messenger.FilePath(cfg.MediaSource)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, messenger.Wrap(messenger.ErrNotFound, "folder", root, err)
	case errors.Is(err, fs.ErrPermission):
		return nil, messenger.Wrap(messenger.ErrAccessDenied, "folder", root, err)
	case err != nil:
		return nil, messenger.Wrap(messenger.ErrMalformedSource, "folder", root, err)
	case !info.IsDir():
		return nil, messenger.Errorf(messenger.ErrMalformedSource, "folder", "%s is not a directory", root)
	}
	return &Parser{id: cfg.Identifier, mediaType: cfg.MediaType, root: root, exts: exts}, nil
}

func (p *Parser) Identifier() string { return p.id }

func (p *Parser) UnpopulatedTopLevelNodes(ctx context.Context) ([]*ports.Node, error) {
	return []*ports.Node{{
		Identifier: "/",
		Name:       filepath.Base(p.root),
		Attributes: map[string]string{"path": p.root},
	}}, nil
}

func (p *Parser) PopulateNode(ctx context.Context, node *ports.Node) error {
	dir, err := p.resolve(node.Identifier)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return classify(node.Identifier, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	node.Subnodes = []*ports.Node{}
	node.Objects = []*ports.Object{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		id := path.Join(node.Identifier, name)
		if e.IsDir() {
			node.Subnodes = append(node.Subnodes, &ports.Node{Identifier: id, Name: name})
			continue
		}
		if !e.Type().IsRegular() || !p.exts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		node.Objects = append(node.Objects, &ports.Object{
			Identifier: id,
			Name:       name,
			Location:   messenger.SourceURI(filepath.Join(dir, name)),
		})
	}
	node.IsLeaf = len(node.Subnodes) == 0
	if node.Attributes == nil {
		node.Attributes = map[string]string{}
	}
	node.Attributes["objects"] = strconv.Itoa(len(node.Objects))
	return nil
}

// ReloadNodeTree re-reads node. A directory that no longer exists yields nil.
func (p *Parser) ReloadNodeTree(ctx context.Context, node *ports.Node) (*ports.Node, error) {
	err := p.PopulateNode(ctx, node)
	if errors.Is(err, messenger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) LoadThumbnail(ctx context.Context, obj *ports.Object) error {
	if p.mediaType != "image" {
		return nil
	}
	f, err := p.open(obj)
	if err != nil {
		return err
	}
	defer f.Close()
	// Formats without a decoder (HEIC) and oversized images get no
	// thumbnail, like non-image objects.
	if !thumbnail.Supports(path.Ext(obj.Identifier)) {
		return nil
	}
	data, err := thumbnail.Render(f, thumbnail.DefaultSize)
	if errors.Is(err, thumbnail.ErrTooLarge) {
		return nil
	}
	if err != nil {
		return messenger.Wrap(messenger.ErrMalformedSource, "thumbnail", obj.Identifier, err)
	}
	obj.Thumbnail = data
	obj.ThumbnailType = thumbnail.ContentType
	return nil
}

func (p *Parser) LoadMetadata(ctx context.Context, obj *ports.Object) error {
	f, err := p.open(obj)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return classify(obj.Identifier, err)
	}
	md := map[string]string{
		"size":     strconv.FormatInt(info.Size(), 10),
		"modified": info.ModTime().UTC().Format(time.RFC3339),
		"kind":     p.mediaType,
	}
	if p.mediaType == "image" {
		// Formats without a registered decoder (HEIC, TIFF) simply lack dimensions.
		if dims, err := thumbnail.Metadata(f); err == nil {
			for k, v := range dims {
				md[k] = v
			}
		}
	}
	obj.Metadata = md
	return nil
}

// FilePath maps an object back to its file, refusing anything outside root.
func (p *Parser) FilePath(obj *ports.Object) (string, error) {
	return p.resolve(obj.Identifier)
}

func (p *Parser) open(obj *ports.Object) (*os.File, error) {
	full, err := p.resolve(obj.Identifier)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, classify(obj.Identifier, err)
	}
	return f, nil
}

// resolve turns a node or object identifier into a path below root.
func (p *Parser) resolve(id string) (string, error) {
	if !strings.HasPrefix(id, "/") {
		return "", messenger.Errorf(messenger.ErrNotFound, "folder", "identifier %q is not a folder path", id)
	}
	clean := path.Clean(id)
	if clean != id && clean+"/" != id {
		return "", messenger.Errorf(messenger.ErrNotFound, "folder", "identifier %q is not canonical", id)
	}
	return filepath.Join(p.root, filepath.FromSlash(clean)), nil
}

func classify(id string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return messenger.Wrap(messenger.ErrNotFound, "folder", id, err)
	case errors.Is(err, fs.ErrPermission):
		return messenger.Wrap(messenger.ErrAccessDenied, "folder", id, err)
	default:
		return messenger.Wrap(messenger.ErrMalformedSource, "folder", id, err)
	}
}
