package messenger

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/corey/mediabridge/internal/ports"
)

// The hooks below run in the host only. They see the node/object data the
// host already holds and must not call back into the worker.

// MenuItem is one context menu entry.
type MenuItem struct {
	Title   string `json:"title"`
	Command string `json:"command"`
	Enabled bool   `json:"enabled"`
}

// Standard menu commands added for every messenger.
const (
	CommandReload       = "reload"
	CommandRemoveSource = "remove_source"
	CommandOpen         = "open"
)

// MenuContributor adds class-specific context menu entries.
type MenuContributor interface {
	NodeMenuItems(node *ports.Node) []MenuItem
	ObjectMenuItems(obj *ports.Object) []MenuItem
}

// ViewSlot names a replaceable part of the node browser.
type ViewSlot int

const (
	HeaderView ViewSlot = iota
	ObjectView
	FooterView
)

func (s ViewSlot) String() string {
	switch s {
	case HeaderView:
		return "header"
	case ObjectView:
		return "object"
	case FooterView:
		return "footer"
	default:
		return "view(" + strconv.Itoa(int(s)) + ")"
	}
}

// ViewProvider substitutes a custom view, identified by name, for one slot.
type ViewProvider interface {
	CustomView(slot ViewSlot, node *ports.Node) (string, bool)
}

// MetadataDescriber renders a metadata map for display.
type MetadataDescriber interface {
	DescribeMetadata(metadata map[string]string) string
}

// ContextMenuForNode returns the standard entries for node followed by the
// class's own.
func (p *Proxy) ContextMenuForNode(node *ports.Node) []MenuItem {
	items := []MenuItem{{Title: "Reload", Command: CommandReload, Enabled: node != nil}}
	if node != nil && node.IsTopLevel && p.desc.IsUserAdded {
		items = append(items, MenuItem{Title: "Remove Source", Command: CommandRemoveSource, Enabled: true})
	}
	if mc, ok := p.class.Hooks.(MenuContributor); ok && node != nil {
		items = append(items, mc.NodeMenuItems(node)...)
	}
	return items
}

// ContextMenuForObject returns the standard entries for obj followed by the
// class's own.
func (p *Proxy) ContextMenuForObject(obj *ports.Object) []MenuItem {
	items := []MenuItem{{Title: "Open", Command: CommandOpen, Enabled: obj != nil && obj.Location != ""}}
	if mc, ok := p.class.Hooks.(MenuContributor); ok && obj != nil {
		items = append(items, mc.ObjectMenuItems(obj)...)
	}
	return items
}

// CustomView returns the class's replacement view for slot, if it has one.
func (p *Proxy) CustomView(slot ViewSlot, node *ports.Node) (string, bool) {
	if vp, ok := p.class.Hooks.(ViewProvider); ok {
		return vp.CustomView(slot, node)
	}
	return "", false
}

// MetadataDescription renders metadata with the class's describer, falling
// back to DescribeMetadata.
func (p *Proxy) MetadataDescription(metadata map[string]string) string {
	if md, ok := p.class.Hooks.(MetadataDescriber); ok {
		return md.DescribeMetadata(metadata)
	}
	return DescribeMetadata(metadata)
}

// DescribeMetadata renders metadata as "Key: value" lines sorted by key.
// Width and height are folded into one Dimensions line and byte sizes are
// humanized.
func DescribeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	title := cases.Title(language.Und)
	var lines []string
	w, hasW := metadata["width"]
	h, hasH := metadata["height"]
	if hasW && hasH {
		lines = append(lines, "Dimensions: "+w+" × "+h)
	}
	for _, k := range keys {
		v := metadata[k]
		switch k {
		case "width", "height":
			if hasW && hasH {
				continue
			}
		case "size":
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				v = humanize.Bytes(n)
			}
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		lines = append(lines, title.String(strings.ReplaceAll(k, "_", " "))+": "+v)
	}
	return strings.Join(lines, "\n")
}
