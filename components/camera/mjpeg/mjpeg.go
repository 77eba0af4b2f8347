// Package mjpeg reads frames from an HTTP camera serving a multipart/x-mixed-replace stream.
package mjpeg

import (
	"context"
	"image"
	// decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

// Type is the source type name.
const Type = "mjpeg"

func init() {
	camera.Register(Type, func(ctx context.Context, attrs config.AttributeMap, logger logging.Logger) (camera.Source, error) {
		var cfg Config
		if err := attrs.Decode(&cfg); err != nil {
			return nil, config.NewConfigError("source.attributes", err)
		}
		return New(ctx, cfg, logger)
	})
}

// Config are the attributes of an MJPEG camera.
type Config struct {
	URL string `json:"url"`
	// ConnectTimeout bounds the time to get response headers.
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Validate checks the attributes.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return config.NewConfigError("source.attributes.url", errors.Errorf(`url must begin with "http://" or "https://", got %q`, c.URL))
	}
	return nil
}

// Source is a live camera. It never reaches the end of the stream; a broken connection is a read
// error and the pipeline reopens the source.
type Source struct {
	body   interface{ Close() error }
	parts  *multipart.Reader
	cancel context.CancelFunc
	logger logging.Logger
}

// New connects to the camera and checks that it serves a multipart stream.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	// The stream outlives ctx, which only bounds the open.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	client := http.Client{Transport: &http.Transport{ResponseHeaderTimeout: cfg.ConnectTimeout}}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		cancel()
		return nil, multierr.Combine(errors.Errorf("camera returned %s", resp.Status), resp.Body.Close())
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		cancel()
		return nil, multierr.Combine(
			errors.Errorf("camera did not serve a multipart stream (content type %q)", resp.Header.Get("Content-Type")),
			resp.Body.Close())
	}
	logger.Debugw("connected to mjpeg camera", "url", cfg.URL, "boundary", params["boundary"])
	return &Source{
		body:   resp.Body,
		parts:  multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
		logger: logger,
	}, nil
}

// Read decodes the next part of the stream.
func (s *Source) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part, err := s.parts.NextPart()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read next part")
	}
	defer part.Close()
	img, _, err := image.Decode(part)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode part")
	}
	return img, nil
}

// Close drops the connection.
func (s *Source) Close(ctx context.Context) error {
	s.cancel()
	return s.body.Close()
}
