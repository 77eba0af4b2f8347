package pipeline

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/components/camera/fake"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/control"
	"go.spotsense.io/slotwatch/gostream"
	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/notify"
	"go.spotsense.io/slotwatch/slots"
	"go.spotsense.io/slotwatch/vision/classification"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		OpenAttempts:   3,
		OpenBackoff:    time.Millisecond,
		OpenBackoffMax: 4 * time.Millisecond,
		ReadRetries:    3,
		ReadRetryDelay: time.Millisecond,
	}
}

func threeSlotLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.New(layout.DefaultWidth, layout.DefaultHeight,
		[]string{"1", "2", "3"},
		[]image.Point{{0, 0}, {200, 0}, {400, 0}})
	test.That(t, err, test.ShouldBeNil)
	return l
}

// scriptedSource returns its frames once and then blocks until closed or cancelled.
type scriptedSource struct {
	mu     sync.Mutex
	frames []image.Image
	closed chan struct{}
	once   sync.Once
}

func newScriptedSource(frames ...image.Image) *scriptedSource {
	return &scriptedSource{frames: frames, closed: make(chan struct{})}
}

func (s *scriptedSource) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		img := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return img, nil
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("closed")
	}
}

func (s *scriptedSource) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// frameWithCars returns a black frame with a white pixel inside every listed slot origin.
func frameWithCars(xs ...int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 600, 100))
	for _, x := range xs {
		img.SetGray(x+10, 10, color.Gray{Y: 255})
	}
	return img
}

// brightSpot says a crop is occupied when the pixel 10,10 into it is lit.
var brightSpot = classification.ClassifierFunc(func(ctx context.Context, crop image.Image) (classification.Result, error) {
	b := crop.Bounds()
	r, _, _, _ := crop.At(b.Min.X+10, b.Min.Y+10).RGBA()
	return classification.Result{Occupied: r > 0, Confidence: 1}, nil
})

func newTestWorker(t *testing.T, p Params) *Worker {
	t.Helper()
	if p.Layout == nil {
		p.Layout = threeSlotLayout(t)
	}
	if p.Registry == nil {
		p.Registry = slots.NewRegistry(p.Layout)
	}
	if p.Classifier == nil {
		p.Classifier = brightSpot
	}
	if p.Rate == nil {
		rate, err := control.NewRateController(control.DefaultRateConfig())
		test.That(t, err, test.ShouldBeNil)
		p.Rate = rate
	}
	if p.Buffer == nil {
		p.Buffer = gostream.NewFrameBuffer()
	}
	if p.Config == (config.WorkerConfig{}) {
		p.Config = testWorkerConfig()
	}
	w, err := NewWorker(p, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(w.Stop)
	return w
}

func sourceOpener(src camera.Source) camera.Opener {
	return func(context.Context) (camera.Source, error) { return src, nil }
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) Send(_ context.Context, id string, occupied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id+":"+slots.StatusString(occupied))
	return nil
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestWorkerScenario(t *testing.T) {
	logger := logging.NewTestLogger(t)
	l := threeSlotLayout(t)
	registry := slots.NewRegistry(l)
	sink := &recordingSink{}
	mock := clock.NewMock()
	throttle := notify.NewThrottle(sink, registry, notify.ThrottleConfig{Window: 5 * time.Second, Clock: mock}, logger)
	defer throttle.Close()

	buffer := gostream.NewFrameBuffer()
	src := newScriptedSource(frameWithCars(), frameWithCars(200))
	w := newTestWorker(t, Params{
		Open:     sourceOpener(src),
		Layout:   l,
		Registry: registry,
		Buffer:   buffer,
		Notifier: throttle,
	})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := buffer.Wait(ctx, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Generation, test.ShouldEqual, 2)
	test.That(t, snap.Annotated, test.ShouldNotBeNil)
	test.That(t, snap.Debug, test.ShouldNotBeNil)
	test.That(t, snap.Annotated.Bounds(), test.ShouldResemble, snap.Raw.Bounds())

	states := registry.Snapshot()
	test.That(t, states, test.ShouldHaveLength, 3)
	test.That(t, states[0].Occupied, test.ShouldBeFalse)
	test.That(t, states[1].Occupied, test.ShouldBeTrue)
	test.That(t, states[2].Occupied, test.ShouldBeFalse)
	for _, st := range states {
		test.That(t, st.Known, test.ShouldBeTrue)
	}
	test.That(t, throttle.Pending(), test.ShouldEqual, 1)
	test.That(t, sink.Calls(), test.ShouldBeEmpty)

	mock.Add(5 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sink.Calls(), test.ShouldResemble, []string{"2:occupied"})
	})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		st, err := registry.Get("2")
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, st.LastNotified.IsZero(), test.ShouldBeFalse)
	})

	test.That(t, w.State(), test.ShouldEqual, StateRunning)
	w.Stop()
	test.That(t, w.State(), test.ShouldEqual, StateStopped)
	test.That(t, src.isClosed(), test.ShouldBeTrue)
	test.That(t, w.Err(), test.ShouldBeNil)
}

func TestWorkerReadRetries(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.New(fake.Config{Width: 160, Height: 120, FailReads: []int{0, 1, 2}}, logger)
	test.That(t, err, test.ShouldBeNil)

	buffer := gostream.NewFrameBuffer()
	cfg := testWorkerConfig()
	cfg.FrameInterval = time.Millisecond
	w := newTestWorker(t, Params{Open: sourceOpener(src), Buffer: buffer, Config: cfg})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last uint64
	for i := 0; i < 5; i++ {
		snap, err := buffer.Wait(ctx, last)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, snap.Generation, test.ShouldBeGreaterThan, last)
		last = snap.Generation
	}
	test.That(t, w.State(), test.ShouldEqual, StateRunning)
	// three failed attempts before the first frame
	test.That(t, src.Reads(), test.ShouldBeGreaterThanOrEqualTo, 3+5)
}

func TestWorkerFailsAfterReadRetries(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.New(fake.Config{Width: 160, Height: 120, FailReads: []int{0, 1, 2, 3}}, logger)
	test.That(t, err, test.ShouldBeNil)

	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: sourceOpener(src), Buffer: buffer})
	w.Start(context.Background())

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not give up")
	}
	test.That(t, w.State(), test.ShouldEqual, StateFailed)
	test.That(t, w.Err(), test.ShouldNotBeNil)
	var serr *camera.SourceError
	test.That(t, errors.As(w.Err(), &serr), test.ShouldBeTrue)
	test.That(t, errors.Is(w.Err(), fake.ErrInjected), test.ShouldBeTrue)
	test.That(t, src.Reads(), test.ShouldEqual, 4)
	test.That(t, buffer.Latest(), test.ShouldBeNil)
	test.That(t, w.Status().State.Terminal(), test.ShouldBeTrue)
}

func TestWorkerOpenBackoff(t *testing.T) {
	var calls atomic.Int32
	opener := func(context.Context) (camera.Source, error) {
		calls.Add(1)
		return nil, camera.NewSourceError("open", errors.New("connection refused"))
	}
	w := newTestWorker(t, Params{Open: opener})
	w.Start(context.Background())
	<-w.Done()
	test.That(t, w.State(), test.ShouldEqual, StateFailed)
	test.That(t, calls.Load(), test.ShouldEqual, 3)
	test.That(t, w.Err().Error(), test.ShouldContainSubstring, "connection refused")

	calls.Store(0)
	badConfig := func(context.Context) (camera.Source, error) {
		calls.Add(1)
		return nil, config.NewConfigError("source.type", errors.New("nope"))
	}
	w = newTestWorker(t, Params{Open: badConfig})
	w.Start(context.Background())
	<-w.Done()
	test.That(t, calls.Load(), test.ShouldEqual, 1)
	test.That(t, config.IsConfigError(w.Err()), test.ShouldBeTrue)
}

func TestWorkerOpensLate(t *testing.T) {
	var calls atomic.Int32
	src := newScriptedSource(frameWithCars())
	opener := func(context.Context) (camera.Source, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return src, nil
	}
	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: opener, Buffer: buffer})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := buffer.Wait(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.State(), test.ShouldEqual, StateRunning)
}

func TestWorkerRewindsFiniteSources(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.New(fake.Config{Width: 160, Height: 120, Frames: 2}, logger)
	test.That(t, err, test.ShouldBeNil)

	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: sourceOpener(src), Buffer: buffer})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := buffer.Wait(ctx, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Generation, test.ShouldBeGreaterThan, 5)
	test.That(t, w.State(), test.ShouldEqual, StateRunning)
}

func TestWorkerEmptySource(t *testing.T) {
	logger := logging.NewTestLogger(t)
	// the only frame is gone before the worker starts
	src, err := fake.New(fake.Config{Width: 16, Height: 16, Frames: 1}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = src.Read(context.Background())
	test.That(t, err, test.ShouldBeNil)

	empty := &noRewind{src}
	w := newTestWorker(t, Params{Open: sourceOpener(empty)})
	w.Start(context.Background())
	<-w.Done()
	test.That(t, w.State(), test.ShouldEqual, StateFailed)
	test.That(t, errors.Is(w.Err(), camera.ErrEndOfStream), test.ShouldBeTrue)
}

// noRewind hides the Rewind method of a finite source.
type noRewind struct {
	src *fake.Source
}

func (n *noRewind) Read(ctx context.Context) (image.Image, error) { return n.src.Read(ctx) }
func (n *noRewind) Close(ctx context.Context) error               { return n.src.Close(ctx) }

func TestWorkerSkipsFramesUnderLoad(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.New(fake.Config{Width: 160, Height: 120}, logger)
	test.That(t, err, test.ShouldBeNil)

	// every pass counts as slow
	rate, err := control.NewRateController(control.RateConfig{MaxSkip: 2, HighLatency: time.Nanosecond})
	test.That(t, err, test.ShouldBeNil)
	var classified atomic.Int32
	slow := classification.ClassifierFunc(func(ctx context.Context, crop image.Image) (classification.Result, error) {
		classified.Add(1)
		time.Sleep(time.Millisecond)
		return classification.Result{}, nil
	})

	l, err := layout.New(10, 10, []string{"a"}, []image.Point{{0, 0}})
	test.That(t, err, test.ShouldBeNil)
	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: sourceOpener(src), Layout: l, Classifier: slow, Rate: rate, Buffer: buffer})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := buffer.Wait(ctx, 30)
	test.That(t, err, test.ShouldBeNil)
	w.Stop()

	// every frame is published, only some are classified
	test.That(t, int(classified.Load()), test.ShouldBeLessThan, int(snap.Generation))
	test.That(t, w.Status().SkipCount, test.ShouldEqual, 2)
	test.That(t, snap.Debug, test.ShouldNotBeNil)
}

func TestWorkerClassificationErrorsAreIsolated(t *testing.T) {
	l := threeSlotLayout(t)
	registry := slots.NewRegistry(l)
	flaky := classification.ClassifierFunc(func(ctx context.Context, crop image.Image) (classification.Result, error) {
		if crop.Bounds().Min.X == 200 {
			return classification.Result{}, errors.New("bad crop")
		}
		return brightSpot(ctx, crop)
	})
	buffer := gostream.NewFrameBuffer()
	src := newScriptedSource(frameWithCars(0, 200, 400))
	w := newTestWorker(t, Params{Open: sourceOpener(src), Layout: l, Registry: registry, Classifier: flaky, Buffer: buffer})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := buffer.Wait(ctx, 0)
	test.That(t, err, test.ShouldBeNil)

	states := registry.Snapshot()
	test.That(t, states[0].Occupied, test.ShouldBeTrue)
	test.That(t, states[1].Known, test.ShouldBeFalse)
	test.That(t, states[1].Occupied, test.ShouldBeFalse)
	test.That(t, states[2].Occupied, test.ShouldBeTrue)
}

func TestWorkerSetLayout(t *testing.T) {
	l := threeSlotLayout(t)
	registry := slots.NewRegistry(l)
	w := newTestWorker(t, Params{Open: sourceOpener(newScriptedSource()), Layout: l, Registry: registry})

	smaller, err := l.WithoutSlot("3")
	test.That(t, err, test.ShouldBeNil)
	w.SetLayout(smaller)
	test.That(t, w.Layout().Len(), test.ShouldEqual, 2)
	test.That(t, registry.Len(), test.ShouldEqual, 2)
}

func TestWorkerResetLayoutClearsStates(t *testing.T) {
	l := threeSlotLayout(t)
	registry := slots.NewRegistry(l)
	w := newTestWorker(t, Params{Open: sourceOpener(newScriptedSource()), Layout: l, Registry: registry})
	_, err := registry.Update("2", true, 1)
	test.That(t, err, test.ShouldBeNil)

	// a reload keeps what survives, a reset does not
	w.SetLayout(l)
	test.That(t, registry.Counts().Occupied, test.ShouldEqual, 1)
	w.ResetLayout(l)
	test.That(t, registry.Counts(), test.ShouldResemble, slots.Counts{Total: 3, Available: 3, Unknown: 3})
	test.That(t, w.Layout(), test.ShouldEqual, l)
}

func TestWorkerLayoutSwapsStayConsistent(t *testing.T) {
	l := threeSlotLayout(t)
	smaller, err := l.WithoutSlot("3")
	test.That(t, err, test.ShouldBeNil)
	other, err := layout.New(10, 10, []string{"x", "y"}, []image.Point{{0, 0}, {20, 0}})
	test.That(t, err, test.ShouldBeNil)

	registry := slots.NewRegistry(l)
	w := newTestWorker(t, Params{Open: sourceOpener(newScriptedSource()), Layout: l, Registry: registry})

	layouts := []*layout.Layout{l, smaller, other}
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := layouts[i%len(layouts)]
			if i%2 == 0 {
				w.SetLayout(next)
			} else {
				w.ResetLayout(next)
			}
		}(i)
	}
	wg.Wait()

	ids := make([]string, 0, registry.Len())
	for _, st := range registry.Snapshot() {
		ids = append(ids, st.ID)
	}
	test.That(t, ids, test.ShouldResemble, w.Layout().IDs())
}

func TestWorkerDrainsInFlightPass(t *testing.T) {
	src := newScriptedSource(frameWithCars(200))
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var closedDuringClassify, cancelledDuringClassify atomic.Bool
	blocking := classification.ClassifierFunc(func(ctx context.Context, crop image.Image) (classification.Result, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		if src.isClosed() {
			closedDuringClassify.Store(true)
		}
		if ctx.Err() != nil {
			cancelledDuringClassify.Store(true)
		}
		return brightSpot(ctx, crop)
	})

	l := threeSlotLayout(t)
	registry := slots.NewRegistry(l)
	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: sourceOpener(src), Layout: l, Registry: registry, Classifier: blocking, Buffer: buffer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("classifier never called")
	}
	cancel()
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a classification was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	test.That(t, src.isClosed(), test.ShouldBeFalse)
	test.That(t, w.State(), test.ShouldNotEqual, StateStopped)

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	test.That(t, closedDuringClassify.Load(), test.ShouldBeFalse)
	test.That(t, cancelledDuringClassify.Load(), test.ShouldBeFalse)
	test.That(t, w.State(), test.ShouldEqual, StateStopped)
	test.That(t, w.Err(), test.ShouldBeNil)
	test.That(t, src.isClosed(), test.ShouldBeTrue)

	// the pass that was in flight is published and recorded
	latest := buffer.Latest()
	test.That(t, latest, test.ShouldNotBeNil)
	test.That(t, latest.Generation, test.ShouldEqual, 1)
	st, err := registry.Get("2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.Occupied, test.ShouldBeTrue)
}

func TestNextReadRetryDelay(t *testing.T) {
	delay := 100 * time.Millisecond
	var got []time.Duration
	for i := 0; i < 5; i++ {
		delay = nextReadRetryDelay(delay, time.Second)
		got = append(got, delay)
	}
	test.That(t, got, test.ShouldResemble, []time.Duration{
		200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second,
	})
	test.That(t, nextReadRetryDelay(time.Second, 0), test.ShouldEqual, 2*time.Second)
}

func TestWorkerPublishesStages(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := fake.New(fake.Config{Width: 160, Height: 120}, logger)
	test.That(t, err, test.ShouldBeNil)
	staged, err := classification.NewForegroundStages(classification.ThresholdConfig{BlockSize: 5, DilateSize: 3})
	test.That(t, err, test.ShouldBeNil)

	buffer := gostream.NewFrameBuffer()
	w := newTestWorker(t, Params{Open: sourceOpener(src), Buffer: buffer, Preprocess: staged})
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := buffer.Wait(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Grayscale, test.ShouldNotBeNil)
	test.That(t, snap.Threshold, test.ShouldNotBeNil)
	test.That(t, snap.Grayscale.Bounds(), test.ShouldResemble, snap.Raw.Bounds())
}

func TestStateStrings(t *testing.T) {
	for _, s := range allStates {
		text, err := s.MarshalText()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(text), test.ShouldEqual, s.String())
	}
	var parsed State
	test.That(t, parsed.UnmarshalText([]byte("draining")), test.ShouldBeNil)
	test.That(t, parsed, test.ShouldEqual, StateDraining)
	test.That(t, parsed.UnmarshalText([]byte("sleeping")), test.ShouldNotBeNil)
	test.That(t, State(42).String(), test.ShouldEqual, "unknown")
	test.That(t, StateRunning.Terminal(), test.ShouldBeFalse)
	test.That(t, StateFailed.Terminal(), test.ShouldBeTrue)
}
