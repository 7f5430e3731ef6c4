// Package media validates image attachments against WhatsApp constraints
// and renders dashboard thumbnails.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxBytes is the WhatsApp image size ceiling.
	MaxBytes = 5 * 1024 * 1024
	// MaxDimension is the per-side pixel ceiling.
	MaxDimension = 5000
	// ThumbnailMax is the longest side of generated thumbnails.
	ThumbnailMax = 320
)

var (
	ErrTooLarge          = errors.New("media: image exceeds size limit")
	ErrDimensionExceeded = errors.New("media: image dimension exceeds limit")
	ErrUnsupportedFormat = errors.New("media: unsupported image format")
)

// Info describes a validated image.
type Info struct {
	Format string
	Width  int
	Height int
	Bytes  int
}

// Validate checks an image payload without fully decoding it. Formats
// accepted: png, jpeg, webp.
func Validate(data []byte) (*Info, error) {
	if len(data) > MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), MaxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	switch format {
	case "png", "jpeg", "webp":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d, limit %d per side", ErrDimensionExceeded, cfg.Width, cfg.Height, MaxDimension)
	}
	return &Info{Format: format, Width: cfg.Width, Height: cfg.Height, Bytes: len(data)}, nil
}

// Thumbnail renders a JPEG with the longest side capped at ThumbnailMax.
// Smaller images are re-encoded without scaling.
func Thumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > ThumbnailMax || h > ThumbnailMax {
		scale := float64(ThumbnailMax) / float64(w)
		if h > w {
			scale = float64(ThumbnailMax) / float64(h)
		}
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return out.Bytes(), nil
}
