package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"

	"go.spotsense.io/slotwatch/logging"
)

func TestStoppableWorkers(t *testing.T) {
	var started atomic.Int32
	var stopped atomic.Int32
	worker := func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
		stopped.Add(1)
	}

	sw := NewStoppableWorkers(worker, worker)
	sw.AddWorkers(worker)
	sw.Stop()
	test.That(t, started.Load(), test.ShouldEqual, 3)
	test.That(t, stopped.Load(), test.ShouldEqual, 3)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// Adding after Stop is a no-op.
	sw.AddWorkers(worker)
	test.That(t, started.Load(), test.ShouldEqual, 3)
}

func TestStoppableWorkersParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sw := NewStoppableWorkersWithContext(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe parent cancellation")
	}
	sw.Stop()
}

func TestRollingAverage(t *testing.T) {
	ra := NewRollingAverage(3)
	test.That(t, ra.NumSamples(), test.ShouldEqual, 3)
	test.That(t, ra.Average(), test.ShouldEqual, time.Duration(0))

	ra.Add(10 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 10*time.Millisecond)
	ra.Add(20 * time.Millisecond)
	ra.Add(30 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 20*time.Millisecond)
	ra.Add(60 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 110*time.Millisecond/3)
}

func TestMultipartMixedReplace(t *testing.T) {
	test.That(t, MultipartMixedReplace(MultipartBoundary), test.ShouldEqual, "multipart/x-mixed-replace; boundary=frame")
}

func TestSlowLoggerStops(t *testing.T) {
	logger := logging.NewTestLogger(t)
	stop := SlowLogger(context.Background(), "waiting", "slot", "A1", logger)
	stop()
}
