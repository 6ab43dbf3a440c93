package app

import (
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// Worker calls run on detached copies of the cached nodes; the results are
// written back under the source's tree lock. Readers hold the read lock.

// detach copies node with its own child slices and attributes. It must be
// called with the tree lock held in either mode.
func detach(node *ports.Node) *ports.Node {
	cp := *node
	if node.Subnodes != nil {
		cp.Subnodes = append([]*ports.Node{}, node.Subnodes...)
	}
	if node.Objects != nil {
		cp.Objects = append([]*ports.Object{}, node.Objects...)
	}
	if node.Attributes != nil {
		cp.Attributes = make(map[string]string, len(node.Attributes))
		for k, v := range node.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// mergeInto appends the children of src that dst does not have yet, keeping
// the identity of existing ones. Tree lock held for writing.
func mergeInto(dst, src *ports.Node) {
	if dst.Subnodes == nil {
		dst.Subnodes = []*ports.Node{}
	}
	seen := make(map[string]bool, len(dst.Subnodes))
	for _, n := range dst.Subnodes {
		seen[n.Identifier] = true
	}
	for _, n := range src.Subnodes {
		if !seen[n.Identifier] {
			dst.Subnodes = append(dst.Subnodes, n)
		}
	}
	if dst.Objects == nil {
		dst.Objects = []*ports.Object{}
	}
	seenObj := make(map[string]bool, len(dst.Objects))
	for _, o := range dst.Objects {
		seenObj[o.Identifier] = true
	}
	for _, o := range src.Objects {
		if !seenObj[o.Identifier] {
			dst.Objects = append(dst.Objects, o)
		}
	}
	dst.IsLeaf = dst.IsLeaf || src.IsLeaf
	if src.Attributes != nil {
		dst.Attributes = src.Attributes
	}
}

// replace overwrites dst's contents with a reloaded copy. Tree lock held
// for writing.
func replace(dst, src *ports.Node) {
	dst.Name = src.Name
	dst.IsLeaf = src.IsLeaf
	dst.Attributes = src.Attributes
	dst.Subnodes = src.Subnodes
	dst.Objects = src.Objects
}

// ReadTree runs fn with d's cached tree locked against concurrent populate
// and reload. Nodes returned by the library must only be walked inside fn
// while other goroutines may be changing the tree.
func (l *Library) ReadTree(d messenger.Descriptor, fn func()) error {
	s, err := l.find(d)
	if err != nil {
		return err
	}
	s.tree.RLock()
	defer s.tree.RUnlock()
	fn()
	return nil
}
