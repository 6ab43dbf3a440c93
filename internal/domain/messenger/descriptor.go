// Package messenger implements the parser messenger protocol: the Descriptor
// that names a parser class over a media source, the registry that maps class
// identifiers to backend factories, the host-side Proxy and its per-identity
// Connection, and the worker-side Dispatcher that resolves backend parser
// instances and runs operations on them.
//
// The host never loads parsing code. It holds Descriptors (plain values that
// can be copied, compared and archived) and talks to worker processes through
// a Transport. Live connection state is kept in a ConnectionTable keyed by
// the Descriptor's identity, never inside the Descriptor itself.
package messenger

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Descriptor names "which parser class, over which source". It is a plain
// comparable value: assignment copies it, == compares identity.
type Descriptor struct {
	Class       string `json:"class"` // registry identifier of the messenger class
	MediaType   string `json:"media_type"`
	MediaSource string `json:"media_source"` // URI
	IsUserAdded bool   `json:"user_added"`
}

// NewDescriptor builds a descriptor for class over source. A bare filesystem
// path is converted to a file:// URI.
func NewDescriptor(class Class, source string, userAdded bool) Descriptor {
	return Descriptor{
		Class:       class.Identifier,
		MediaType:   class.MediaType,
		MediaSource: SourceURI(source),
		IsUserAdded: userAdded,
	}
}

// Equal reports whether two descriptors have the same identity.
func (d Descriptor) Equal(other Descriptor) bool {
	return d == other
}

// Key returns a string form of the identity suitable for map and database keys.
func (d Descriptor) Key() string {
	return strings.Join([]string{d.Class, d.MediaType, strconv.FormatBool(d.IsUserAdded), d.MediaSource}, "\x1f")
}

func (d Descriptor) String() string {
	flag := ""
	if d.IsUserAdded {
		flag = " (user)"
	}
	return fmt.Sprintf("%s[%s] %s%s", d.Class, d.MediaType, d.MediaSource, flag)
}

// Validate checks that the descriptor names a class, a media type and a
// parseable source URI.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Class) == "" {
		return Errorf(ErrNotFound, "descriptor", "class identifier is required")
	}
	if strings.TrimSpace(d.MediaType) == "" {
		return Errorf(ErrMalformedSource, "descriptor", "media type is required")
	}
	if strings.TrimSpace(d.MediaSource) == "" {
		return Errorf(ErrMalformedSource, "descriptor", "media source is required")
	}
	if _, err := url.Parse(d.MediaSource); err != nil {
		return Wrap(ErrMalformedSource, "descriptor", "media source", err)
	}
	return nil
}

// SourcePath returns the local filesystem path of a file:// media source.
func (d Descriptor) SourcePath() (string, error) {
	return FilePath(d.MediaSource)
}

// SourceURI converts a filesystem path to a file:// URI. Values that already
// carry a scheme are returned unchanged.
func SourceURI(source string) string {
	if strings.Contains(source, "://") {
		return source
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// FilePath converts a file:// URI back to a local path.
func FilePath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", Wrap(ErrMalformedSource, "file path", uri, err)
	}
	if u.Scheme != "file" {
		return "", Errorf(ErrMalformedSource, "file path", "unsupported scheme %q in %s", u.Scheme, uri)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", Errorf(ErrMalformedSource, "file path", "remote host %q not supported", u.Host)
	}
	return filepath.FromSlash(u.Path), nil
}

// Encode archives the descriptor. Only the identity fields are written.
func Encode(d Descriptor) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return data, nil
}

// Decode restores a descriptor archived by Encode. Unknown fields are ignored
// and missing ones take their zero value, so archives written by newer or
// older versions still decode.
func Decode(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, nil
}
