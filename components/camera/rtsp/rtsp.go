// Package rtsp implements an RTSP camera client. Only MJPEG video tracks are supported.
package rtsp

import (
	"context"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/components/camera"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

// Type is the source type name.
const Type = "rtsp"

func init() {
	camera.Register(Type, func(ctx context.Context, attrs config.AttributeMap, logger logging.Logger) (camera.Source, error) {
		var conf Attrs
		if err := attrs.Decode(&conf); err != nil {
			return nil, config.NewConfigError("source.attributes", err)
		}
		return NewRTSPCamera(ctx, &conf, logger)
	})
}

// Attrs are the config attributes for an RTSP camera.
type Attrs struct {
	Address string `json:"rtsp_address"`
}

// Validate checks to see if the attributes of the model are valid.
func (at *Attrs) Validate() error {
	if prefix := strings.HasPrefix(at.Address, "rtsp://"); !prefix {
		return config.NewConfigError("source.attributes.rtsp_address", errors.New(`rtsp_address must begin with "rtsp://"`))
	}
	return nil
}

// rtspCamera keeps the latest decoded frame of the stream. Reads return the newest frame, waiting
// for a fresh one if the last was already returned.
type rtspCamera struct {
	client *gortsplib.Client

	latestFrame atomic.Pointer[image.Image]
	mu          sync.Mutex
	fresh       chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	logger      logging.Logger
}

// NewRTSPCamera creates a camera client for an RTSP given given the server URL.
func NewRTSPCamera(ctx context.Context, attrs *Attrs, logger logging.Logger) (camera.Source, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	c := &gortsplib.Client{}
	u, err := base.ParseURL(attrs.Address)
	if err != nil {
		return nil, err
	}
	// connect to the server - be sure to close it if setup fails.
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, err
	}
	clientSuccessful := false
	defer func() {
		if !clientSuccessful {
			c.Close()
		}
	}()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	desc, _, err := c.Describe(u)
	if err != nil {
		return nil, err
	}
	var forma *format.MJPEG
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return nil, errors.Errorf("MJPEG track not found in rtsp camera %s", u)
	}
	decode, err := mjpegDecoding(forma)
	if err != nil {
		return nil, err
	}
	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return nil, err
	}

	rc := &rtspCamera{client: c, fresh: make(chan struct{}), closed: make(chan struct{}), logger: logger}
	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		img, err := decode(pkt)
		if err != nil || img == nil {
			// most packets only carry part of a frame.
			return
		}
		rc.store(img)
	})
	if _, err := c.Play(nil); err != nil {
		return nil, err
	}
	clientSuccessful = true
	logger.Debugw("playing rtsp stream", "address", attrs.Address)
	return rc, nil
}

func (rc *rtspCamera) store(img image.Image) {
	rc.latestFrame.Store(&img)
	rc.mu.Lock()
	close(rc.fresh)
	rc.fresh = make(chan struct{})
	rc.mu.Unlock()
}

// Read waits for the next decoded frame.
func (rc *rtspCamera) Read(ctx context.Context) (image.Image, error) {
	rc.mu.Lock()
	fresh := rc.fresh
	rc.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rc.closed:
		return nil, errors.New("camera closed")
	case <-fresh:
	}
	return *rc.latestFrame.Load(), nil
}

// Close closes the camera.
func (rc *rtspCamera) Close(ctx context.Context) error {
	rc.closeOnce.Do(func() {
		close(rc.closed)
		rc.client.Close()
	})
	return nil
}
