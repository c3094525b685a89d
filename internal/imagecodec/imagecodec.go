// Package imagecodec decodes captured frames and re-encodes accepted poses.
package imagecodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const JPEGQuality = 92

// DefaultMaxPixels bounds the decoded size of a frame (25 megapixels).
const DefaultMaxPixels = 25_000_000

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooManyPixels     = errors.New("image dimensions exceed the pixel limit")
)

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// IsSupported reports whether contentType names a format Decode understands.
func IsSupported(contentType string) bool {
	return supportedTypes[contentType]
}

// Sniff detects the content type of data from its leading bytes.
func Sniff(data []byte) string {
	return http.DetectContentType(data)
}

// Decode returns the image held in data together with its format name.
// Frames larger than DefaultMaxPixels are rejected.
func Decode(data []byte) (image.Image, string, error) {
	return DecodeWithLimit(data, DefaultMaxPixels)
}

// DecodeWithLimit is Decode with an explicit pixel budget. The header is
// read first so an oversized frame is refused before its raster is allocated.
// A non-positive maxPixels selects DefaultMaxPixels.
func DecodeWithLimit(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrUnsupportedFormat
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("reading image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty %dx%d frame", ErrUnsupportedFormat, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, format, nil
}

// EncodeJPEG re-encodes img as a baseline JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
