// Package fake implements a synthetic frame source with scripted failures.
package fake

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

// Type is the source type name.
const Type = "fake"

// ErrInjected is returned by reads listed in Config.FailReads.
var ErrInjected = errors.New("injected read failure")

func init() {
	camera.Register(Type, func(ctx context.Context, attrs config.AttributeMap, logger logging.Logger) (camera.Source, error) {
		var cfg Config
		if err := attrs.Decode(&cfg); err != nil {
			return nil, config.NewConfigError("source.attributes", err)
		}
		return New(cfg, logger)
	})
}

// Config describes the frames a fake source produces.
type Config struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// Frames is the stream length. Zero means an endless, live-like stream.
	Frames int `json:"frames"`
	// FailReads lists the zero-based read attempts that fail.
	FailReads []int         `json:"fail_reads"`
	Interval  time.Duration `json:"interval"`
}

// Source draws a bright block moving along a gray frame.
type Source struct {
	mu     sync.Mutex
	cfg    Config
	fail   map[int]struct{}
	reads  int
	pos    int
	closed bool
	logger logging.Logger
}

// New returns a fake source. Zero sizes default to 640x480.
func New(cfg Config, logger logging.Logger) (*Source, error) {
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	if cfg.Width < 0 || cfg.Height < 0 || cfg.Frames < 0 {
		return nil, config.NewConfigError("source.attributes", errors.New("sizes must not be negative"))
	}
	fail := make(map[int]struct{}, len(cfg.FailReads))
	for _, i := range cfg.FailReads {
		fail[i] = struct{}{}
	}
	return &Source{cfg: cfg, fail: fail, logger: logger}, nil
}

// Read returns the next frame.
func (s *Source) Read(ctx context.Context) (image.Image, error) {
	if s.cfg.Interval > 0 && !goutils.SelectContextOrWait(ctx, s.cfg.Interval) {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("source closed")
	}
	attempt := s.reads
	s.reads++
	if _, ok := s.fail[attempt]; ok {
		return nil, ErrInjected
	}
	if s.cfg.Frames > 0 && s.pos >= s.cfg.Frames {
		return nil, camera.ErrEndOfStream
	}
	img := s.render(s.pos)
	s.pos++
	return img, nil
}

func (s *Source) render(i int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.Gray{Y: 96}}, image.Point{}, draw.Src)
	const block = 40
	span := s.cfg.Width - block
	if span < 1 {
		span = 1
	}
	x := (i * 8) % span
	car := image.Rect(x, s.cfg.Height/2-block/2, x+block, s.cfg.Height/2+block/2)
	draw.Draw(img, car, &image.Uniform{color.White}, image.Point{}, draw.Src)
	return img
}

// Rewind restarts from the first frame.
func (s *Source) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	return nil
}

// Reads is the number of read attempts so far.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Close marks the source closed.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
