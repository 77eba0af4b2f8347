// Package gostream hands frames from the pipeline to any number of video feed viewers.
package gostream

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Variant names one of the images of a snapshot.
type Variant string

// The published variants.
const (
	Raw       Variant = "raw"
	Annotated Variant = "annotated"
	Debug     Variant = "debug"
	Grayscale Variant = "grayscale"
	Threshold Variant = "threshold"
)

// Variants lists every variant.
var Variants = []Variant{Raw, Annotated, Debug, Grayscale, Threshold}

// IsStage reports whether the variant shows a processing stage rather than the camera image.
func (v Variant) IsStage() bool {
	return v == Debug || v == Grayscale || v == Threshold
}

// ParseVariant validates a variant name.
func ParseVariant(name string) (Variant, error) {
	switch v := Variant(name); v {
	case Raw, Annotated, Debug, Grayscale, Threshold:
		return v, nil
	default:
		return "", errors.Errorf("unknown feed %q", name)
	}
}

// ErrNonIncreasingGeneration is returned when a snapshot is not newer than the latest one.
var ErrNonIncreasingGeneration = errors.New("snapshot generation must increase")

// FrameSnapshot is one published frame. It must not be modified after it is published.
// Grayscale and Threshold are nil when the preprocessor keeps no stages.
type FrameSnapshot struct {
	Generation uint64
	Raw        image.Image
	Annotated  image.Image
	Debug      image.Image
	Grayscale  image.Image
	Threshold  image.Image
	Timestamp  time.Time
}

// Image returns the image of the given variant, or nil.
func (fs *FrameSnapshot) Image(v Variant) image.Image {
	switch v {
	case Raw:
		return fs.Raw
	case Annotated:
		return fs.Annotated
	case Debug:
		return fs.Debug
	case Grayscale:
		return fs.Grayscale
	case Threshold:
		return fs.Threshold
	default:
		return nil
	}
}

// FrameBuffer holds the latest snapshot. There is one writer and any number of readers; Publish
// and Latest never wait on each other.
type FrameBuffer struct {
	latest atomic.Pointer[FrameSnapshot]

	mu      sync.Mutex
	changed chan struct{}
}

// NewFrameBuffer returns an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{changed: make(chan struct{})}
}

// Publish makes snap the latest snapshot and wakes every waiter.
func (fb *FrameBuffer) Publish(snap *FrameSnapshot) error {
	if snap == nil {
		return errors.New("cannot publish a nil snapshot")
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if prev := fb.latest.Load(); prev != nil && snap.Generation <= prev.Generation {
		return errors.Wrapf(ErrNonIncreasingGeneration, "got %d after %d", snap.Generation, prev.Generation)
	}
	fb.latest.Store(snap)
	close(fb.changed)
	fb.changed = make(chan struct{})
	return nil
}

// Latest returns the latest snapshot, or nil before the first Publish.
func (fb *FrameBuffer) Latest() *FrameSnapshot {
	return fb.latest.Load()
}

// Wait blocks until a snapshot newer than afterGeneration is published and returns it.
func (fb *FrameBuffer) Wait(ctx context.Context, afterGeneration uint64) (*FrameSnapshot, error) {
	for {
		fb.mu.Lock()
		changed := fb.changed
		fb.mu.Unlock()

		if snap := fb.latest.Load(); snap != nil && snap.Generation > afterGeneration {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}
