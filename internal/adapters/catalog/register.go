package catalog

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// ServiceID is the worker service that hosts catalog parsers.
const ServiceID = "mediabridge.catalogs"

// ParserClassName is the registry name of the catalog parser factory.
const ParserClassName = "catalog"

// PhotosClass serves photo catalogs.
const PhotosClass = "catalog.photos"

func init() {
	Register(messenger.Default())
}

// Register adds the catalog parser and class to r.
func Register(r *messenger.Registry) {
	r.RegisterParser(ParserClassName, Open)
	r.Register(messenger.Class{
		Identifier:              PhotosClass,
		MediaType:               "photos",
		ParserClassName:         ParserClassName,
		WorkerServiceIdentifier: ServiceID,
		CreateInstances:         createInstances,
		Hooks:                   Hooks{},
	})
}

// createInstances opens one parser per catalog file, named after the file's
// path. The first failure closes the parsers already opened.
func createInstances(ctx context.Context, d messenger.Descriptor, base ports.ParserConfig, newParser messenger.NewParserFunc) ([]ports.Parser, error) {
	source, err := d.SourcePath()
	if err != nil {
		return nil, err
	}
	libs, err := Libraries(source)
	if err != nil {
		return nil, err
	}
	var out []ports.Parser
	for _, lib := range libs {
		if err := ctx.Err(); err != nil {
			closeAll(out)
			return nil, err
		}
		cfg := base
		// The full path keeps Main.catalog and Main.CATALOG apart.
		cfg.Identifier = base.Identifier + ":" + filepath.Clean(lib)
		cfg.MediaSource = messenger.SourceURI(lib)
		p, err := newParser(cfg)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func closeAll(ps []ports.Parser) {
	for _, p := range ps {
		if c, ok := p.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Hooks puts the album and capture details first in metadata descriptions
// and gives catalogs their own header.
type Hooks struct{}

func (Hooks) DescribeMetadata(md map[string]string) string {
	rest := make(map[string]string, len(md))
	var lead []string
	for k, v := range md {
		switch k {
		case "album":
			lead = append([]string{"Album: " + v}, lead...)
		case "taken_at":
			lead = append(lead, "Taken: "+v)
		default:
			rest[k] = v
		}
	}
	tail := messenger.DescribeMetadata(rest)
	if tail != "" {
		lead = append(lead, tail)
	}
	return strings.Join(lead, "\n")
}

func (Hooks) CustomView(slot messenger.ViewSlot, node *ports.Node) (string, bool) {
	if slot == messenger.HeaderView && node != nil && node.IsTopLevel {
		return "catalog-header", true
	}
	return "", false
}
