package gostream

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func snapshot(gen uint64) *FrameSnapshot {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	return &FrameSnapshot{Generation: gen, Raw: img, Annotated: img, Debug: img, Timestamp: time.Now()}
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants {
		parsed, err := ParseVariant(string(v))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, v)
	}
	_, err := ParseVariant("thermal")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameBufferPublish(t *testing.T) {
	fb := NewFrameBuffer()
	test.That(t, fb.Latest(), test.ShouldBeNil)
	test.That(t, fb.Publish(nil), test.ShouldNotBeNil)

	test.That(t, fb.Publish(snapshot(1)), test.ShouldBeNil)
	test.That(t, fb.Latest().Generation, test.ShouldEqual, 1)

	err := fb.Publish(snapshot(1))
	test.That(t, errors.Is(err, ErrNonIncreasingGeneration), test.ShouldBeTrue)
	test.That(t, fb.Publish(snapshot(5)), test.ShouldBeNil)
	test.That(t, fb.Latest().Generation, test.ShouldEqual, 5)
}

func TestFrameBufferWait(t *testing.T) {
	fb := NewFrameBuffer()
	test.That(t, fb.Publish(snapshot(3)), test.ShouldBeNil)

	// Already newer.
	snap, err := fb.Wait(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Generation, test.ShouldEqual, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fb.Wait(ctx, 3)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	got := make(chan uint64, 1)
	go func() {
		snap, err := fb.Wait(context.Background(), 3)
		if err == nil {
			got <- snap.Generation
		}
	}()
	test.That(t, fb.Publish(snapshot(4)), test.ShouldBeNil)
	select {
	case gen := <-got:
		test.That(t, gen, test.ShouldEqual, 4)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSnapshotImage(t *testing.T) {
	raw := image.NewGray(image.Rect(0, 0, 1, 1))
	debug := image.NewGray(image.Rect(0, 0, 2, 2))
	snap := &FrameSnapshot{Raw: raw, Debug: debug}
	test.That(t, snap.Image(Raw), test.ShouldEqual, raw)
	test.That(t, snap.Image(Debug), test.ShouldEqual, debug)
	test.That(t, snap.Image(Annotated), test.ShouldBeNil)
	test.That(t, snap.Image(Threshold), test.ShouldBeNil)

	threshold := image.NewGray(image.Rect(0, 0, 3, 3))
	snap.Threshold = threshold
	test.That(t, snap.Image(Threshold), test.ShouldEqual, threshold)

	for v, stage := range map[Variant]bool{Raw: false, Annotated: false, Debug: true, Grayscale: true, Threshold: true} {
		test.That(t, v.IsStage(), test.ShouldEqual, stage)
	}
}
