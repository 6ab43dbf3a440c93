package messenger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handle decodes params for one dispatcher operation, runs it and returns
// the wire result. Transports call it for every method other than the
// handshake and control methods they answer themselves.
func (d *Dispatcher) Handle(ctx context.Context, method string, desc *Descriptor, params json.RawMessage) (any, error) {
	if desc == nil {
		return nil, Errorf(ErrNotFound, method, "request carries no descriptor")
	}
	switch method {
	case MethodTopLevelNodes:
		nodes, err := d.UnpopulatedTopLevelNodes(ctx, *desc)
		if err != nil {
			return nil, err
		}
		return NodesResult{Nodes: nodes}, nil

	case MethodPopulateNode, MethodReloadNodeTree:
		var p NodeParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		run := d.PopulateNode
		if method == MethodReloadNodeTree {
			run = d.ReloadNodeTree
		}
		node, err := run(ctx, *desc, p.Node)
		if err != nil {
			return nil, err
		}
		return NodeResult{Node: node}, nil

	case MethodLoadThumbnail, MethodLoadMetadata, MethodLoadThumbnailAndMetadata:
		var p ObjectParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		run := d.LoadThumbnailForObject
		switch method {
		case MethodLoadMetadata:
			run = d.LoadMetadataForObject
		case MethodLoadThumbnailAndMetadata:
			run = d.LoadThumbnailAndMetadataForObject
		}
		obj, err := run(ctx, *desc, p.Object)
		if err != nil {
			return nil, err
		}
		return ObjectResult{Object: obj}, nil

	case MethodBookmark:
		var p ObjectParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		token, err := d.BookmarkForObject(ctx, *desc, p.Object)
		if err != nil {
			return nil, err
		}
		return BookmarkResult{Bookmark: token}, nil

	default:
		return nil, Errorf(ErrNotFound, method, "unknown method")
	}
}

func decodeParams(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: missing params", method)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", method, err)
	}
	return nil
}
