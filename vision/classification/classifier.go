// Package classification decides whether a slot crop is occupied.
package classification

import (
	"context"
	"image"
)

// Result is the verdict for one crop.
type Result struct {
	Occupied bool
	// Confidence is in [0, 1].
	Confidence float64
}

// A Classifier classifies crops of a processed frame. Implementations must be safe to call from
// one goroutine at a time and must not retain the crop.
type Classifier interface {
	Classify(ctx context.Context, crop image.Image) (Result, error)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(ctx context.Context, crop image.Image) (Result, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, crop image.Image) (Result, error) {
	return f(ctx, crop)
}

// Preprocessor turns a raw frame into the processed frame crops are taken from. It must not
// modify its input.
type Preprocessor func(image.Image) image.Image

// Identity is the Preprocessor that returns its input.
func Identity(img image.Image) image.Image {
	return img
}

// Stages are the intermediate images of one preprocessing pass. Either may be nil.
type Stages struct {
	Grayscale image.Image
	Threshold image.Image
}

// StagedPreprocessor is a Preprocessor that also returns its intermediate images for the debug
// feeds.
type StagedPreprocessor func(image.Image) (image.Image, Stages)

// Unstaged adapts a Preprocessor that has no intermediate images.
func Unstaged(p Preprocessor) StagedPreprocessor {
	return func(img image.Image) (image.Image, Stages) {
		return p(img), Stages{}
	}
}
