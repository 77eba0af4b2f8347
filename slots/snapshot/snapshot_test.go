package snapshot

import (
	"context"
	"image"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/slots"
)

func TestStoreRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	store, err := Open(dir, logger)
	test.That(t, err, test.ShouldBeNil)

	states := []slots.State{
		{ID: "a", Occupied: true, Known: true, Confidence: 0.5, LastChanged: time.Unix(10, 0).UTC()},
		{ID: "b", Known: true},
	}
	test.That(t, store.Save(context.Background(), states), test.ShouldBeNil)
	test.That(t, store.Close(), test.ShouldBeNil)

	store, err = Open(dir, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, store.Close(), test.ShouldBeNil) }()
	loaded, err := store.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldHaveLength, 2)
	test.That(t, loaded[0].ID, test.ShouldEqual, "a")
	test.That(t, loaded[0].Occupied, test.ShouldBeTrue)
	test.That(t, loaded[0].LastChanged.Equal(time.Unix(10, 0)), test.ShouldBeTrue)

	// Slots that are gone from the registry are dropped.
	test.That(t, store.Save(context.Background(), states[1:]), test.ShouldBeNil)
	loaded, err = store.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldHaveLength, 1)
	test.That(t, loaded[0].ID, test.ShouldEqual, "b")
}

func TestSchedulerSaves(t *testing.T) {
	logger := logging.NewTestLogger(t)
	store, err := Open("", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, store.Close(), test.ShouldBeNil) }()

	l, err := layout.New(10, 10, []string{"a", "b"}, []image.Point{image.Pt(0, 0), image.Pt(20, 0)})
	test.That(t, err, test.ShouldBeNil)
	registry := slots.NewRegistry(l)
	_, err = registry.Update("b", true, 1)
	test.That(t, err, test.ShouldBeNil)

	_, err = NewScheduler(store, registry, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)

	sched, err := NewScheduler(store, registry, 20*time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	sched.Start()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		loaded, err := store.Load(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, loaded, test.ShouldHaveLength, 2)
	})

	_, err = registry.Update("a", true, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sched.Stop(), test.ShouldBeNil)

	loaded, err := store.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	restored := slots.NewRegistry(l)
	test.That(t, restored.Restore(loaded), test.ShouldEqual, 2)
	test.That(t, restored.Counts().Occupied, test.ShouldEqual, 2)
}
