package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/corey/mediabridge/internal/adapters/bbolt"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// thumbKey scopes a cached thumbnail to the parser instance that produced
// it; multi-library sources reuse object identifiers across libraries.
func thumbKey(obj *ports.Object) string {
	return obj.ParserIdentifier + "\x1f" + obj.Identifier
}

// LoadThumbnails attaches thumbnails to every object, serving cached ones
// from the store and fetching the rest with bounded parallelism. It is all
// or nothing: on error no object is modified.
func (l *Library) LoadThumbnails(ctx context.Context, d messenger.Descriptor, objs []*ports.Object) error {
	s, err := l.find(d)
	if err != nil {
		return err
	}
	ctx, cancel := l.callCtx(ctx)
	defer cancel()

	for i, obj := range objs {
		if obj == nil {
			return messenger.Errorf(messenger.ErrNotFound, messenger.MethodLoadThumbnail, "object %d is nil", i)
		}
	}

	s.tree.RLock()
	loaded := make([]*ports.Object, len(objs))
	for i, obj := range objs {
		loaded[i] = obj.Clone()
	}
	s.tree.RUnlock()

	fetched := make([]bool, len(objs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Parallelism)
	for i := range objs {
		g.Go(func() error {
			work := loaded[i]
			cached, err := l.opts.Store.GetThumbnail(d, thumbKey(work))
			if err != nil {
				l.logger.Debug("thumbnail cache read", "object", work.Identifier, "error", err)
			}
			if cached != nil {
				work.Thumbnail = cached.Data
				work.ThumbnailType = cached.Type
				return nil
			}
			if _, err := s.proxy.LoadThumbnailForObject(gctx, work); err != nil {
				return err
			}
			fetched[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.tree.Lock()
	for i, obj := range objs {
		obj.Thumbnail = loaded[i].Thumbnail
		obj.ThumbnailType = loaded[i].ThumbnailType
	}
	s.tree.Unlock()

	for i, work := range loaded {
		if !fetched[i] {
			continue
		}
		th := bbolt.Thumbnail{Type: work.ThumbnailType, Data: work.Thumbnail}
		if err := l.opts.Store.PutThumbnail(d, thumbKey(work), th); err != nil {
			l.logger.Warn("thumbnail cache write", "object", work.Identifier, "error", err)
		}
	}
	return nil
}
