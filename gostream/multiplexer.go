package gostream

import (
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/metrics"
	"go.spotsense.io/slotwatch/rimage"
	"go.spotsense.io/slotwatch/utils"
)

// ErrClosed is returned when opening a stream on a closed Multiplexer.
var ErrClosed = errors.New("multiplexer closed")

// EncodedFrame is one JPEG part of a feed.
type EncodedFrame struct {
	Generation uint64
	Timestamp  time.Time
	Data       []byte
}

// Multiplexer serves independent cursors over a FrameBuffer. A slow stream only falls behind on
// its own; it skips generations instead of holding the buffer back.
type Multiplexer struct {
	buffer  *FrameBuffer
	quality int
	logger  logging.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool

	// the newest encoding per variant, shared by streams at the same generation.
	cacheMu sync.Mutex
	cache   map[Variant]*EncodedFrame
}

// NewMultiplexer returns a Multiplexer encoding at the given JPEG quality.
func NewMultiplexer(buffer *FrameBuffer, quality int, logger logging.Logger) *Multiplexer {
	return &Multiplexer{
		buffer:  buffer,
		quality: quality,
		logger:  logger,
		streams: map[string]*Stream{},
		cache:   map[Variant]*EncodedFrame{},
	}
}

// Stream is one viewer's cursor.
type Stream struct {
	id      string
	variant Variant
	m       *Multiplexer
	ctx     context.Context
	cancel  context.CancelFunc
	lastGen uint64
}

// OpenStream starts a cursor. The stream ends when ctx is done, on Close, or when the Multiplexer
// closes.
func (m *Multiplexer) OpenStream(ctx context.Context, v Variant) (*Stream, error) {
	if _, err := ParseVariant(string(v)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{id: uuid.NewString(), variant: v, m: m, ctx: streamCtx, cancel: cancel}
	m.streams[s.id] = s
	metrics.StreamSubscribers.WithLabelValues(string(v)).Inc()
	m.logger.CDebugw(ctx, "stream opened", "id", s.id, "variant", v, "subscribers", len(m.streams))
	return s, nil
}

// Subscribers is the number of open streams.
func (m *Multiplexer) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close ends every open stream and refuses new ones.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}

func (m *Multiplexer) encode(v Variant, snap *FrameSnapshot) (*EncodedFrame, error) {
	m.cacheMu.Lock()
	cached := m.cache[v]
	m.cacheMu.Unlock()
	if cached != nil && cached.Generation == snap.Generation {
		return cached, nil
	}

	img := snap.Image(v)
	if img == nil {
		img = snap.Raw
	}
	data, err := rimage.EncodeJPEG(img, m.quality)
	if err != nil {
		return nil, err
	}
	frame := &EncodedFrame{Generation: snap.Generation, Timestamp: snap.Timestamp, Data: data}

	m.cacheMu.Lock()
	if cur := m.cache[v]; cur == nil || cur.Generation < frame.Generation {
		m.cache[v] = frame
	}
	m.cacheMu.Unlock()
	return frame, nil
}

// ID identifies the stream in logs.
func (s *Stream) ID() string {
	return s.id
}

// Next waits for a generation newer than the last one returned and encodes it.
func (s *Stream) Next(ctx context.Context) (*EncodedFrame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	snap, err := s.m.buffer.Wait(ctx, s.lastGen)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		return nil, err
	}
	frame, err := s.m.encode(s.variant, snap)
	if err != nil {
		return nil, err
	}
	s.lastGen = snap.Generation
	return frame, nil
}

// Close ends the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.streams[s.id]; ok {
		delete(s.m.streams, s.id)
		metrics.StreamSubscribers.WithLabelValues(string(s.variant)).Dec()
	}
}

// ServeStream writes the feed as multipart/x-mixed-replace until the client goes away or the
// multiplexer closes.
func (m *Multiplexer) ServeStream(w http.ResponseWriter, r *http.Request, v Variant) {
	stream, err := m.OpenStream(r.Context(), v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer stream.Close()

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(utils.MultipartBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", utils.MultipartMixedReplace(utils.MultipartBoundary))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for {
		frame, err := stream.Next(r.Context())
		if err != nil {
			return
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", utils.MimeTypeJPEG)
		header.Set("Content-Length", strconv.Itoa(len(frame.Data)))
		header.Set("X-Frame-Generation", strconv.FormatUint(frame.Generation, 10))
		header.Set("X-Frame-Timestamp", frame.Timestamp.UTC().Format(time.RFC3339Nano))
		part, err := mw.CreatePart(header)
		if err != nil {
			return
		}
		if _, err := part.Write(frame.Data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			m.logger.Debugw("stream client cannot be flushed", "id", stream.ID(), "error", err)
			return
		}
	}
}

// Handler returns an http.Handler for one variant.
func (m *Multiplexer) Handler(v Variant) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeStream(w, r, v)
	})
}
