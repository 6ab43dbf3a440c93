// Package catalog is the SQLite backend: a media source is a directory of
// *.catalog files, each an independent photo library with nested albums.
// Every catalog file becomes its own parser instance.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/corey/mediabridge/internal/adapters/thumbnail"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// Extension marks catalog files inside a source directory.
const Extension = ".catalog"

// Node identifier forms.
const (
	rootID      = "catalog"
	albumPrefix = "album:"
	imagePrefix = "image:"
)

// Parser reads one catalog file, opened read-only.
type Parser struct {
	id   string
	path string
	dir  string
	db   *sql.DB
}

// Open opens the catalog named by cfg.MediaSource, which must be a catalog
// file (the class's CreateInstances expands directories).
func Open(cfg ports.ParserConfig) (ports.Parser, error) {
	path, err := messenger.FilePath(cfg.MediaSource)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, messenger.Wrap(messenger.ErrNotFound, "catalog", path, err)
		}
		return nil, messenger.Wrap(messenger.ErrAccessDenied, "catalog", path, err)
	}

	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, messenger.Wrap(messenger.ErrMalformedSource, "catalog", path, fmt.Errorf("open sqlite db: %w", err))
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, messenger.Wrap(messenger.ErrMalformedSource, "catalog", path, err)
	}
	if err := checkSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, messenger.Wrap(messenger.ErrMalformedSource, "catalog", path, err)
	}
	return &Parser{id: cfg.Identifier, path: path, dir: filepath.Dir(path), db: db}, nil
}

// Libraries lists the catalog files making up source: the file itself, or
// every *.catalog file directly inside a directory, sorted by name.
func Libraries(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, messenger.Wrap(messenger.ErrNotFound, "catalog", source, err)
		}
		return nil, messenger.Wrap(messenger.ErrAccessDenied, "catalog", source, err)
	}
	if !info.IsDir() {
		return []string{source}, nil
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, messenger.Wrap(messenger.ErrAccessDenied, "catalog", source, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), Extension) {
			out = append(out, filepath.Join(source, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Parser) Identifier() string { return p.id }

// Close releases the database handle.
func (p *Parser) Close() error {
	return p.db.Close()
}

func (p *Parser) UnpopulatedTopLevelNodes(ctx context.Context) ([]*ports.Node, error) {
	var albums int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM albums").Scan(&albums); err != nil {
		return nil, p.queryError(err)
	}
	name := strings.TrimSuffix(filepath.Base(p.path), filepath.Ext(p.path))
	return []*ports.Node{{
		Identifier: rootID,
		Name:       name,
		IsLeaf:     albums == 0,
		Attributes: map[string]string{"catalog": p.path, "albums": strconv.Itoa(albums)},
	}}, nil
}

func (p *Parser) PopulateNode(ctx context.Context, node *ports.Node) error {
	var (
		albumID int64
		isRoot  bool
	)
	switch {
	case node.Identifier == rootID:
		isRoot = true
	case strings.HasPrefix(node.Identifier, albumPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(node.Identifier, albumPrefix), 10, 64)
		if err != nil {
			return messenger.Errorf(messenger.ErrNotFound, "catalog", "bad album identifier %q", node.Identifier)
		}
		var exists int
		if err := p.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM albums WHERE id = ?", id).Scan(&exists); err != nil {
			return p.queryError(err)
		}
		if exists == 0 {
			return messenger.Errorf(messenger.ErrNotFound, "catalog", "album %d not in %s", id, p.path)
		}
		albumID = id
	default:
		return messenger.Errorf(messenger.ErrNotFound, "catalog", "unknown node %q", node.Identifier)
	}

	subs, err := p.albums(ctx, albumID, isRoot)
	if err != nil {
		return err
	}
	node.Subnodes = subs
	node.Objects = []*ports.Object{}
	if !isRoot {
		objs, err := p.images(ctx, albumID)
		if err != nil {
			return err
		}
		node.Objects = objs
	}
	node.IsLeaf = len(node.Subnodes) == 0
	return nil
}

func (p *Parser) albums(ctx context.Context, parent int64, root bool) ([]*ports.Node, error) {
	query := "SELECT id, name FROM albums WHERE parent_id = ? ORDER BY position, id"
	args := []any{parent}
	if root {
		query = "SELECT id, name FROM albums WHERE parent_id IS NULL ORDER BY position, id"
		args = nil
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.queryError(err)
	}
	defer rows.Close()
	out := []*ports.Node{}
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, p.queryError(err)
		}
		out = append(out, &ports.Node{Identifier: albumPrefix + strconv.FormatInt(id, 10), Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, p.queryError(err)
	}
	return out, nil
}

func (p *Parser) images(ctx context.Context, album int64) ([]*ports.Object, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT id, name, path FROM images WHERE album_id = ? ORDER BY id", album)
	if err != nil {
		return nil, p.queryError(err)
	}
	defer rows.Close()
	out := []*ports.Object{}
	for rows.Next() {
		var (
			id         int64
			name, path string
		)
		if err := rows.Scan(&id, &name, &path); err != nil {
			return nil, p.queryError(err)
		}
		out = append(out, &ports.Object{
			Identifier: imagePrefix + strconv.FormatInt(id, 10),
			Name:       name,
			Location:   messenger.SourceURI(p.abs(path)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, p.queryError(err)
	}
	return out, nil
}

// ReloadNodeTree re-reads node. An album deleted from the catalog yields nil.
func (p *Parser) ReloadNodeTree(ctx context.Context, node *ports.Node) (*ports.Node, error) {
	err := p.PopulateNode(ctx, node)
	if errors.Is(err, messenger.ErrNotFound) && node.Identifier != rootID {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

type imageRow struct {
	path          string
	width, height sql.NullInt64
	takenAt       sql.NullString
	camera        sql.NullString
	album         string
	thumb         []byte
	thumbType     sql.NullString
}

func (p *Parser) image(ctx context.Context, objectID string) (*imageRow, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(objectID, imagePrefix), 10, 64)
	if err != nil || !strings.HasPrefix(objectID, imagePrefix) {
		return nil, messenger.Errorf(messenger.ErrNotFound, "catalog", "bad image identifier %q", objectID)
	}
	var r imageRow
	err = p.db.QueryRowContext(ctx, `
		SELECT i.path, i.width, i.height, i.taken_at, i.camera, a.name, i.thumbnail, i.thumbnail_type
		FROM images i JOIN albums a ON a.id = i.album_id
		WHERE i.id = ?`, id).
		Scan(&r.path, &r.width, &r.height, &r.takenAt, &r.camera, &r.album, &r.thumb, &r.thumbType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messenger.Errorf(messenger.ErrNotFound, "catalog", "image %d not in %s", id, p.path)
	}
	if err != nil {
		return nil, p.queryError(err)
	}
	r.path = p.abs(r.path)
	return &r, nil
}

// LoadThumbnail uses the thumbnail stored in the catalog and falls back to
// rendering the image file.
func (p *Parser) LoadThumbnail(ctx context.Context, obj *ports.Object) error {
	r, err := p.image(ctx, obj.Identifier)
	if err != nil {
		return err
	}
	if len(r.thumb) > 0 {
		obj.Thumbnail = r.thumb
		obj.ThumbnailType = r.thumbType.String
		if obj.ThumbnailType == "" {
			obj.ThumbnailType = "image/jpeg"
		}
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return messenger.Wrap(messenger.ErrNotFound, "catalog thumbnail", obj.Identifier, err)
		}
		return messenger.Wrap(messenger.ErrAccessDenied, "catalog thumbnail", obj.Identifier, err)
	}
	defer f.Close()
	data, err := thumbnail.Render(f, thumbnail.DefaultSize)
	if err != nil {
		return messenger.Wrap(messenger.ErrMalformedSource, "catalog thumbnail", obj.Identifier, err)
	}
	obj.Thumbnail = data
	obj.ThumbnailType = thumbnail.ContentType
	return nil
}

func (p *Parser) LoadMetadata(ctx context.Context, obj *ports.Object) error {
	r, err := p.image(ctx, obj.Identifier)
	if err != nil {
		return err
	}
	md := map[string]string{"album": r.album}
	if r.width.Valid && r.height.Valid {
		md["width"] = strconv.FormatInt(r.width.Int64, 10)
		md["height"] = strconv.FormatInt(r.height.Int64, 10)
	}
	if r.takenAt.Valid {
		md["taken_at"] = r.takenAt.String
	}
	if r.camera.Valid {
		md["camera"] = r.camera.String
	}
	if info, err := os.Stat(r.path); err == nil {
		md["size"] = strconv.FormatInt(info.Size(), 10)
	}
	obj.Metadata = md
	return nil
}

// FilePath returns the image file recorded in the catalog for obj.
func (p *Parser) FilePath(obj *ports.Object) (string, error) {
	r, err := p.image(context.Background(), obj.Identifier)
	if err != nil {
		return "", err
	}
	return r.path, nil
}

func (p *Parser) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.dir, filepath.FromSlash(path))
}

func (p *Parser) queryError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return messenger.Wrap(messenger.ErrMalformedSource, "catalog", p.path, err)
}
