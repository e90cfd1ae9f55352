package services

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"

	_ "image/gif"
	_ "image/png"

	"finsync/internal/core"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// jpegQualities are tried in order until the encoded image fits.
var jpegQualities = []int{90, 80, 70, 60, 50, 40}

const (
	downscaleStep = 0.75
	minDimension  = 64
)

// decodeImage decodes any registered format. The header is checked first so
// images over maxPixels are rejected before their pixels are allocated.
// Every failure is ErrInvalidImage.
func decodeImage(r io.Reader, maxPixels int) (image.Image, string, error) {
	br := bufio.NewReader(r)
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(br, &head))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", core.ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty image", core.ErrInvalidImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", core.ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(io.MultiReader(&head, br))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", core.ErrInvalidImage, err)
	}
	return img, format, nil
}

// normalizeImage re-encodes img as JPEG no larger than maxBytes. Quality is
// lowered first; if the lowest quality is still too large the image is
// scaled down by the same factor on both axes until it fits.
func normalizeImage(img image.Image, maxBytes int) ([]byte, error) {
	var buf bytes.Buffer
	encode := func(src image.Image, quality int) error {
		buf.Reset()
		return jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality})
	}

	for _, q := range jpegQualities {
		if err := encode(img, q); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() <= maxBytes {
			return bytes.Clone(buf.Bytes()), nil
		}
	}

	lowest := jpegQualities[len(jpegQualities)-1]
	b := img.Bounds()
	scale := 1.0
	for {
		scale *= downscaleStep
		w := int(math.Round(float64(b.Dx()) * scale))
		h := int(math.Round(float64(b.Dy()) * scale))
		if w < minDimension && h < minDimension {
			return nil, fmt.Errorf("%w: cannot fit image in %d bytes", core.ErrInvalidImage, maxBytes)
		}
		dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		if err := encode(dst, lowest); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() <= maxBytes {
			return bytes.Clone(buf.Bytes()), nil
		}
	}
}
