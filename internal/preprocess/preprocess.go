// Package preprocess turns uploaded images into model input buffers.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/derma-api/internal/tensor"
)

// DefaultSize is the side length MobileNet-style classifiers expect.
const DefaultSize = 224

// DefaultMaxPixels caps width*height of an uploaded image when no limit
// is configured.
const DefaultMaxPixels = 50_000_000

// ErrDecode is returned for input that is not a readable image.
var ErrDecode = errors.New("invalid image format, supported: JPEG, PNG, GIF")

// Options control Preprocess.
type Options struct {
	Size int
	// Normalize divides every channel by 255. Leave it off for models that
	// rescale inside the graph.
	Normalize bool
}

// DefaultOptions returns 224x224 normalized input.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Normalize: true}
}

// Decode reads an encoded image. The header is checked first and images
// larger than maxPixels (DefaultMaxPixels when <= 0) are rejected before
// the frame is allocated. Any failure is reported as ErrDecode.
func Decode(r io.Reader, maxPixels int64) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrDecode)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, format, nil
}

// Preprocess resizes img to Size x Size with bilinear interpolation and
// writes it into a [1,Size,Size,3] NHWC buffer owned by scope.
func Preprocess(img image.Image, scope *tensor.Scope, opts Options) (*tensor.Buffer, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrDecode)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}

	buf, err := scope.Alloc(1, size, size, 3)
	if err != nil {
		return nil, err
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	scale := float32(1)
	if opts.Normalize {
		scale = 1.0 / 255.0
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+size; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			buf.Data[i] = float32(r>>8) * scale
			buf.Data[i+1] = float32(g>>8) * scale
			buf.Data[i+2] = float32(b>>8) * scale
			i += 3
		}
	}
	return buf, nil
}

// FromValues copies an already preprocessed NHWC array into a scope-owned
// input buffer.
func FromValues(values []float32, size int, scope *tensor.Scope) (*tensor.Buffer, error) {
	want := size * size * 3
	if len(values) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(values))
	}
	buf, err := scope.Alloc(1, size, size, 3)
	if err != nil {
		return nil, err
	}
	copy(buf.Data, values)
	return buf, nil
}
