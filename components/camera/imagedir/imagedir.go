// Package imagedir plays the images of a directory as a looping video.
package imagedir

import (
	"context"
	"image"
	// decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

// Type is the source type name.
const Type = "imagedir"

func init() {
	camera.Register(Type, func(ctx context.Context, attrs config.AttributeMap, logger logging.Logger) (camera.Source, error) {
		var cfg Config
		if err := attrs.Decode(&cfg); err != nil {
			return nil, config.NewConfigError("source.attributes", err)
		}
		return New(cfg, logger)
	})
}

// Config are the attributes of an image directory source.
type Config struct {
	Path string `json:"path"`
	// FPS paces reads. Zero reads as fast as the caller asks.
	FPS float64 `json:"fps"`
}

// Validate checks the attributes.
func (c *Config) Validate() error {
	if c.Path == "" {
		return config.NewConfigError("source.attributes.path", errors.New("must be set"))
	}
	if c.FPS < 0 {
		return config.NewConfigError("source.attributes.fps", errors.New("must not be negative"))
	}
	return nil
}

// Source reads image files in lexical order.
type Source struct {
	mu       sync.Mutex
	files    []string
	next     int
	interval time.Duration
	lastRead time.Time
	logger   logging.Logger
}

// New lists the directory. A directory without images is an error.
func New(cfg Config, logger logging.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(cfg.Path, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no jpeg or png images in %q", cfg.Path)
	}
	sort.Strings(files)
	s := &Source{files: files, logger: logger}
	if cfg.FPS > 0 {
		s.interval = time.Duration(float64(time.Second) / cfg.FPS)
	}
	logger.Debugw("opened image directory", "path", cfg.Path, "frames", len(files))
	return s, nil
}

// Read decodes the next image.
func (s *Source) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.files) {
		return nil, camera.ErrEndOfStream
	}
	if s.interval > 0 && !s.lastRead.IsZero() {
		if wait := s.interval - time.Since(s.lastRead); wait > 0 && !goutils.SelectContextOrWait(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	s.lastRead = time.Now()

	path := s.files[s.next]
	s.next++
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return img, nil
}

// Rewind restarts from the first image.
func (s *Source) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	return nil
}

// Len is the number of frames in one loop.
func (s *Source) Len() int {
	return len(s.files)
}

// Close is a no-op; files are opened per read.
func (s *Source) Close(ctx context.Context) error {
	return nil
}
