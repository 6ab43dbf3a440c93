package ports

// Node is one entry of a media library tree (a folder, album, event, ...).
// Subnodes is nil until the node has been populated; an empty non-nil slice
// means "populated, no children". Hosts append to Subnodes and Objects but
// never reorder existing entries.
type Node struct {
	Identifier       string            `json:"identifier"`
	ParentIdentifier string            `json:"parent_identifier,omitempty"`
	ParserIdentifier string            `json:"parser_identifier"` // owning backend instance
	Name             string            `json:"name"`
	MediaSource      string            `json:"media_source,omitempty"`
	IsTopLevel       bool              `json:"is_top_level,omitempty"`
	IsLeaf           bool              `json:"is_leaf,omitempty"`
	Subnodes         []*Node           `json:"subnodes"`
	Objects          []*Object         `json:"objects"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// IsPopulated reports whether the node's direct children have been loaded.
func (n *Node) IsPopulated() bool {
	return n != nil && n.Subnodes != nil
}

// Subnode returns the direct child with the given identifier, or nil.
func (n *Node) Subnode(identifier string) *Node {
	if n == nil {
		return nil
	}
	for _, sub := range n.Subnodes {
		if sub.Identifier == identifier {
			return sub
		}
	}
	return nil
}

// Find walks the tree depth-first and returns the node with the given
// identifier, or nil.
func (n *Node) Find(identifier string) *Node {
	if n == nil {
		return nil
	}
	if n.Identifier == identifier {
		return n
	}
	for _, sub := range n.Subnodes {
		if found := sub.Find(identifier); found != nil {
			return found
		}
	}
	return nil
}

// Shallow returns a copy of the node without children. It is what gets sent
// across the process boundary when only the node's identity matters.
func (n *Node) Shallow() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Subnodes = nil
	cp.Objects = nil
	if n.Attributes != nil {
		cp.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// Object is a single media item (image, track, movie) inside a node.
type Object struct {
	Identifier          string            `json:"identifier"`
	ParserIdentifier    string            `json:"parser_identifier"`
	Name                string            `json:"name"`
	Location            string            `json:"location"` // file:// URI of the backing file
	ThumbnailType       string            `json:"thumbnail_type,omitempty"`
	Thumbnail           []byte            `json:"thumbnail,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	MetadataDescription string            `json:"metadata_description,omitempty"`
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Thumbnail != nil {
		cp.Thumbnail = append([]byte(nil), o.Thumbnail...)
	}
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
