package rimage

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 75

// EncodeJPEG encodes img at the given quality, in [1, 100].
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("cannot encode a nil image")
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img inside r, clipped to the image bounds. Images that support
// SubImage share pixels with the result; the caller must treat both as read-only.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	return imaging.Crop(img, r)
}
