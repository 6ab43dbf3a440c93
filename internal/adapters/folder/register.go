package folder

import (
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// ParserClassName is the registry name of the folder parser factory.
const ParserClassName = "folder"

// Class identifiers.
const (
	ImagesClass = "folder.images"
	AudioClass  = "folder.audio"
	MoviesClass = "folder.movies"
)

func init() {
	Register(messenger.Default())
}

// Register adds the folder parser and its classes to r.
func Register(r *messenger.Registry) {
	r.RegisterParser(ParserClassName, New)
	for _, c := range []struct{ id, mediaType string }{
		{ImagesClass, "image"},
		{AudioClass, "audio"},
		{MoviesClass, "movie"},
	} {
		r.Register(messenger.Class{
			Identifier:              c.id,
			MediaType:               c.mediaType,
			ParserClassName:         ParserClassName,
			WorkerServiceIdentifier: ServiceID,
			Hooks:                   Hooks{},
		})
	}
}

// Hooks adds folder-specific menu entries and the folder summary footer.
type Hooks struct{}

// Menu commands contributed by folder classes.
const (
	CommandReveal = "reveal"
)

func (Hooks) NodeMenuItems(node *ports.Node) []messenger.MenuItem {
	return []messenger.MenuItem{{Title: "Show in File Manager", Command: CommandReveal, Enabled: node.Identifier != ""}}
}

func (Hooks) ObjectMenuItems(obj *ports.Object) []messenger.MenuItem {
	return []messenger.MenuItem{{Title: "Show in File Manager", Command: CommandReveal, Enabled: obj.Location != ""}}
}

func (Hooks) CustomView(slot messenger.ViewSlot, node *ports.Node) (string, bool) {
	if slot == messenger.FooterView && node != nil && node.Attributes["objects"] != "" {
		return "folder-summary", true
	}
	return "", false
}
