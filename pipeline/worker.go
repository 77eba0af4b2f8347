// Package pipeline runs the loop that reads frames, classifies slots and publishes results.
package pipeline

import (
	"context"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/control"
	"go.spotsense.io/slotwatch/gostream"
	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/metrics"
	"go.spotsense.io/slotwatch/rimage"
	"go.spotsense.io/slotwatch/slots"
	"go.spotsense.io/slotwatch/utils"
	"go.spotsense.io/slotwatch/vision/classification"
)

const (
	sourceCloseTimeout = 5 * time.Second
	latencySamples     = 20
)

// Notifier is told about every occupancy change. It must not block.
type Notifier interface {
	Notify(id string, occupied bool)
}

// Params are the collaborators of a Worker. Preprocess defaults to classification.Identity
// without stages and Notifier may be nil.
type Params struct {
	Open       camera.Opener
	Layout     *layout.Layout
	Registry   *slots.Registry
	Classifier classification.Classifier
	Preprocess classification.StagedPreprocessor
	Rate       *control.RateController
	Buffer     *gostream.FrameBuffer
	Notifier   Notifier
	Config     config.WorkerConfig
}

// Status is a point in time view of the worker for health reporting.
type Status struct {
	State       State
	Generation  uint64
	SkipCount   int
	LastLatency time.Duration
	AvgLatency  time.Duration
	Err         error
}

// Worker is the single producer of the pipeline. It owns the frame source and is the only
// writer of the registry and the frame buffer.
type Worker struct {
	p      Params
	logger logging.Logger

	layout      atomic.Pointer[layout.Layout]
	state       atomic.Int32
	generation  atomic.Uint64
	skipCount   atomic.Int32
	lastLatency atomic.Int64
	avgLatency  *utils.RollingAverage

	// owned by the run goroutine
	lastDebug  image.Image
	lastStages classification.Stages
	failing    map[string]bool

	// serializes layout swaps so the registry table and the layout always match
	layoutMu sync.Mutex

	mu      sync.Mutex
	err     error
	started bool
	workers utils.StoppableWorkers
	done    chan struct{}
}

// NewWorker validates p and returns a worker in the Opening state. Call Start to run it.
func NewWorker(p Params, logger logging.Logger) (*Worker, error) {
	switch {
	case p.Open == nil:
		return nil, errors.New("pipeline needs a source opener")
	case p.Layout == nil || p.Registry == nil:
		return nil, errors.New("pipeline needs a layout and a registry")
	case p.Classifier == nil:
		return nil, errors.New("pipeline needs a classifier")
	case p.Rate == nil || p.Buffer == nil:
		return nil, errors.New("pipeline needs a rate controller and a frame buffer")
	}
	if err := p.Config.Validate("worker"); err != nil {
		return nil, err
	}
	if p.Preprocess == nil {
		p.Preprocess = classification.Unstaged(classification.Identity)
	}
	w := &Worker{
		p:          p,
		logger:     logger,
		avgLatency: utils.NewRollingAverage(latencySamples),
		failing:    map[string]bool{},
		done:       make(chan struct{}),
	}
	w.layout.Store(p.Layout)
	if latest := p.Buffer.Latest(); latest != nil {
		w.generation.Store(latest.Generation)
	}
	w.setState(StateOpening)
	return w, nil
}

// Start runs the worker until ctx is done, Stop is called or it fails. Calling Start more than
// once does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.workers = utils.NewStoppableWorkersWithContext(ctx, w.run)
}

// Stop cancels the worker and blocks until the in-flight frame is finished and the source is
// released.
func (w *Worker) Stop() {
	w.mu.Lock()
	workers := w.workers
	w.mu.Unlock()
	if workers == nil {
		return
	}
	workers.Stop()
}

// Done is closed once the worker reached Stopped or Failed.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err is the reason the worker failed, if it did.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// State is safe to call from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Status gathers the worker's health figures.
func (w *Worker) Status() Status {
	return Status{
		State:       w.State(),
		Generation:  w.generation.Load(),
		SkipCount:   int(w.skipCount.Load()),
		LastLatency: time.Duration(w.lastLatency.Load()),
		AvgLatency:  w.avgLatency.Average(),
		Err:         w.Err(),
	}
}

// Layout is the layout the next pass uses.
func (w *Worker) Layout() *layout.Layout {
	return w.layout.Load()
}

// SetLayout swaps the layout and resets the registry to it, keeping the state of slots present
// in both layouts. The pass in flight finishes with the previous layout; its updates for removed
// slots are dropped.
func (w *Worker) SetLayout(l *layout.Layout) {
	w.layoutMu.Lock()
	defer w.layoutMu.Unlock()
	w.p.Registry.Reset(l)
	w.layout.Store(l)
	w.logger.Infow("layout swapped", "slots", l.Len())
}

// ResetLayout swaps the layout like SetLayout but starts every slot over as free and unknown.
func (w *Worker) ResetLayout(l *layout.Layout) {
	w.layoutMu.Lock()
	defer w.layoutMu.Unlock()
	w.p.Registry.Clear(l)
	w.layout.Store(l)
	w.logger.Infow("layout reset", "slots", l.Len())
}

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	reportState(s)
	if prev != s {
		w.logger.Debugw("worker state", "from", prev, "to", s)
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.setState(StateFailed)
	w.logger.Errorw("pipeline worker failed", "error", err)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	src, err := w.openSource(ctx)
	if err != nil {
		if ctx.Err() != nil {
			w.setState(StateStopped)
			return
		}
		w.fail(err)
		return
	}
	w.setState(StateRunning)
	w.logger.Info("pipeline worker running")

	runErr := w.loop(ctx, src)
	if runErr == nil {
		w.setState(StateDraining)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), sourceCloseTimeout)
	defer cancel()
	if err := src.Close(closeCtx); err != nil {
		w.logger.Warnw("error closing frame source", "error", err)
	}

	if runErr != nil {
		w.fail(runErr)
		return
	}
	w.setState(StateStopped)
	w.logger.Info("pipeline worker stopped")
}

// openSource opens the source with exponential backoff. Config errors are not retried.
func (w *Worker) openSource(ctx context.Context) (camera.Source, error) {
	cfg := w.p.Config
	stopSlow := utils.SlowLogger(ctx, "waiting for frame source to open", "max_attempts", strconv.Itoa(cfg.OpenAttempts), w.logger)
	defer stopSlow()

	backoff := cfg.OpenBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.OpenAttempts; attempt++ {
		src, err := w.p.Open(ctx)
		if err == nil {
			return src, nil
		}
		if config.IsConfigError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		metrics.SourceErrors.WithLabelValues("open").Inc()
		w.logger.CWarnw(ctx, "failed to open frame source", "attempt", attempt, "of", cfg.OpenAttempts, "error", err)
		if attempt == cfg.OpenAttempts {
			break
		}
		if !goutils.SelectContextOrWait(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > cfg.OpenBackoffMax {
			backoff = cfg.OpenBackoffMax
		}
	}
	return nil, errors.Wrapf(lastErr, "giving up on frame source after %d attempts", cfg.OpenAttempts)
}

// loop reads and processes frames. It returns nil when ctx is done and an error when the source
// is unusable.
func (w *Worker) loop(ctx context.Context, src camera.Source) error {
	cfg := w.p.Config
	rewinder, canRewind := src.(camera.Rewinder)
	var frameIndex uint64
	failures, sinceRewind := 0, 0
	retryDelay := cfg.ReadRetryDelay
	for ctx.Err() == nil {
		img, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, camera.ErrEndOfStream) {
				if !canRewind {
					return camera.NewSourceError("read", multierr.Combine(err, utils.NewUnimplementedInterfaceError("camera.Rewinder", src)))
				}
				if sinceRewind == 0 {
					return camera.NewSourceError("read", errors.New("source has no frames"))
				}
				if err := rewinder.Rewind(); err != nil {
					return camera.NewSourceError("rewind", err)
				}
				sinceRewind = 0
				w.logger.CDebugw(ctx, "rewound frame source", "frame", frameIndex)
				continue
			}

			failures++
			metrics.SourceErrors.WithLabelValues("read").Inc()
			if failures > cfg.ReadRetries {
				return camera.NewSourceError("read", errors.Wrapf(err, "%d consecutive failures", failures))
			}
			w.logger.CWarnw(ctx, "failed to read frame, retrying", "attempt", failures, "of", cfg.ReadRetries,
				"delay", retryDelay, "error", err)
			if !goutils.SelectContextOrWait(ctx, retryDelay) {
				return nil
			}
			retryDelay = nextReadRetryDelay(retryDelay, cfg.ReadRetryDelayMax)
			continue
		}

		failures = 0
		retryDelay = cfg.ReadRetryDelay
		sinceRewind++
		w.step(ctx, frameIndex, img)
		frameIndex++

		if cfg.FrameInterval > 0 && !goutils.SelectContextOrWait(ctx, cfg.FrameInterval) {
			return nil
		}
	}
	return nil
}

// nextReadRetryDelay doubles delay up to limit. A zero limit leaves it uncapped.
func nextReadRetryDelay(delay, limit time.Duration) time.Duration {
	delay *= 2
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// step handles one frame. Skipped frames are still published with the last known states drawn
// on them so the feeds keep moving.
func (w *Worker) step(ctx context.Context, frameIndex uint64, img image.Image) {
	l := w.layout.Load()
	if !w.p.Rate.ShouldProcess(frameIndex) {
		metrics.FramesTotal.WithLabelValues("skipped").Inc()
		w.publish(img, annotate(img, l, w.p.Registry.Snapshot(), nil), w.lastDebug, w.lastStages)
		return
	}
	metrics.FramesTotal.WithLabelValues("processed").Inc()

	// the pass is finished even when shutdown starts in the middle of it
	passCtx := context.WithoutCancel(ctx)
	start := time.Now()
	processed, stages := w.p.Preprocess(img)
	results, failed := w.classify(passCtx, l, processed)
	elapsed := time.Since(start)

	w.p.Rate.RecordLatency(elapsed)
	w.skipCount.Store(int32(w.p.Rate.SkipCount()))
	w.lastLatency.Store(int64(elapsed))
	w.avgLatency.Add(elapsed)
	metrics.ClassifyDuration.Observe(elapsed.Seconds())
	metrics.SkipCount.Set(float64(w.p.Rate.SkipCount()))

	for _, d := range l.Slots() {
		res, ok := results[d.ID]
		if !ok {
			continue
		}
		changed, err := w.p.Registry.Update(d.ID, res.Occupied, res.Confidence)
		if err != nil {
			// removed by a layout swap during the pass
			w.logger.CDebugw(ctx, "dropping result", "slot", d.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		w.logger.CInfow(ctx, "slot changed", "slot", d.ID, "status", slots.StatusString(res.Occupied),
			"confidence", res.Confidence)
		if w.p.Notifier != nil {
			w.p.Notifier.Notify(d.ID, res.Occupied)
		}
	}

	states := w.p.Registry.Snapshot()
	counts := slots.CountStates(states)
	metrics.Slots.WithLabelValues("occupied").Set(float64(counts.Occupied))
	metrics.Slots.WithLabelValues("available").Set(float64(counts.Available))
	metrics.Slots.WithLabelValues("unknown").Set(float64(counts.Unknown))

	w.lastDebug = outline(processed, l)
	w.lastStages = stages
	w.publish(img, annotate(img, l, states, failed), w.lastDebug, stages)
}

// classify runs the classifier on every slot. A slot whose classification fails is reported in
// failed and left out of results.
func (w *Worker) classify(
	ctx context.Context,
	l *layout.Layout,
	processed image.Image,
) (map[string]classification.Result, map[string]bool) {
	results := make(map[string]classification.Result, l.Len())
	failed := map[string]bool{}
	for _, d := range l.Slots() {
		res, err := w.p.Classifier.Classify(ctx, rimage.Crop(processed, d.Rect))
		if err != nil {
			failed[d.ID] = true
			metrics.ClassificationErrors.Inc()
			if !w.failing[d.ID] {
				w.logger.CWarnw(ctx, "failed to classify slot", "slot", d.ID, "error", err)
			}
			w.failing[d.ID] = true
			continue
		}
		if w.failing[d.ID] {
			w.logger.CInfow(ctx, "slot classifies again", "slot", d.ID)
			delete(w.failing, d.ID)
		}
		results[d.ID] = res
	}
	return results, failed
}

func (w *Worker) publish(raw, annotated, debug image.Image, stages classification.Stages) {
	gen := w.generation.Load() + 1
	snap := &gostream.FrameSnapshot{
		Generation: gen,
		Raw:        raw,
		Annotated:  annotated,
		Debug:      debug,
		Grayscale:  stages.Grayscale,
		Threshold:  stages.Threshold,
		Timestamp:  time.Now(),
	}
	if err := w.p.Buffer.Publish(snap); err != nil {
		w.logger.Errorw("failed to publish frame", "generation", gen, "error", err)
		return
	}
	w.generation.Store(gen)
	metrics.Generation.Set(float64(gen))
}
