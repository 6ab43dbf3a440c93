// Package thumbnail renders small PNG previews of image files and reads
// their dimensions without decoding the full image.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/tiff"
)

// DefaultSize is the longest edge of a generated thumbnail, in pixels.
const DefaultSize = 160

// ContentType is the MIME type of generated thumbnails.
const ContentType = "image/png"

// MaxPixels bounds the decoded size of a source image.
const MaxPixels = 100_000_000

// ErrTooLarge is returned by Render for images above MaxPixels.
var ErrTooLarge = errors.New("image too large to thumbnail")

// decodable lists the file extensions a registered decoder handles.
var decodable = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".tif": true, ".tiff": true,
}

// Supports reports whether files with extension ext can be thumbnailed.
func Supports(ext string) bool {
	return decodable[strings.ToLower(ext)]
}

// Render decodes an image from r and returns a PNG no larger than size on
// its longest edge. Images already that small are re-encoded as they are.
func Render(r io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	dst := scale(src, size)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions returns width, height and format of the image in r.
func Dimensions(r io.Reader) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

// Metadata returns the width/height/format entries for the image in r.
func Metadata(r io.Reader) (map[string]string, error) {
	w, h, format, err := Dimensions(r)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"width":  strconv.Itoa(w),
		"height": strconv.Itoa(h),
		"format": format,
	}, nil
}

// scale shrinks src so that its longest edge is at most size.
func scale(src image.Image, size int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= size && h <= size {
		return src
	}
	dw, dh := size, size
	if w >= h {
		dh = max(1, h*size/w)
	} else {
		dw = max(1, w*size/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
