package gostream

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.spotsense.io/slotwatch/logging"
)

func TestStreamsSkipButNeverReorder(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fb := NewFrameBuffer()
	m := NewMultiplexer(fb, 80, logger)
	defer m.Close()

	s, err := m.OpenStream(context.Background(), Raw)
	test.That(t, err, test.ShouldBeNil)
	for gen := uint64(1); gen <= 5; gen++ {
		test.That(t, fb.Publish(snapshot(gen)), test.ShouldBeNil)
	}
	frame, err := s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Generation, test.ShouldEqual, 5)
	test.That(t, len(frame.Data), test.ShouldBeGreaterThan, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, fb.Publish(snapshot(6)), test.ShouldBeNil)
	frame, err = s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Generation, test.ShouldEqual, 6)
}

func TestStalledSubscriberDoesNotBlock(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fb := NewFrameBuffer()
	m := NewMultiplexer(fb, 80, logger)
	defer m.Close()

	_, err := m.OpenStream(context.Background(), Annotated) // never read
	test.That(t, err, test.ShouldBeNil)

	const n = 20
	var wg sync.WaitGroup
	received := make([]chan uint64, 2)
	for i := range received {
		received[i] = make(chan uint64, n)
		s, err := m.OpenStream(context.Background(), Variants[i])
		test.That(t, err, test.ShouldBeNil)
		wg.Add(1)
		go func(s *Stream, out chan<- uint64) {
			defer wg.Done()
			for {
				frame, err := s.Next(context.Background())
				if err != nil {
					return
				}
				out <- frame.Generation
			}
		}(s, received[i])
	}
	test.That(t, m.Subscribers(), test.ShouldEqual, 3)

	for gen := uint64(1); gen <= n; gen++ {
		test.That(t, fb.Publish(snapshot(gen)), test.ShouldBeNil)
		for _, ch := range received {
			select {
			case got := <-ch:
				test.That(t, got, test.ShouldEqual, gen)
			case <-time.After(5 * time.Second):
				t.Fatalf("subscriber did not receive generation %d", gen)
			}
		}
	}

	m.Close()
	wg.Wait()
	test.That(t, m.Subscribers(), test.ShouldEqual, 0)
	_, err = m.OpenStream(context.Background(), Raw)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestOpenStreamValidatesVariant(t *testing.T) {
	m := NewMultiplexer(NewFrameBuffer(), 80, logging.NewTestLogger(t))
	_, err := m.OpenStream(context.Background(), Variant("thermal"))
	test.That(t, err, test.ShouldNotBeNil)

	s, err := m.OpenStream(context.Background(), Debug)
	test.That(t, err, test.ShouldBeNil)
	s.Close()
	s.Close()
	test.That(t, m.Subscribers(), test.ShouldEqual, 0)
}

func TestServeStream(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fb := NewFrameBuffer()
	m := NewMultiplexer(fb, 80, logger)
	srv := httptest.NewServer(m.Handler(Annotated))
	defer srv.Close()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	test.That(t, fb.Publish(snapshot(1)), test.ShouldBeNil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mediaType, test.ShouldEqual, "multipart/x-mixed-replace")
	test.That(t, params["boundary"], test.ShouldEqual, "frame")

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for gen := uint64(1); gen <= 3; gen++ {
		part, err := reader.NextPart()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, part.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")
		test.That(t, part.Header.Get("X-Frame-Generation"), test.ShouldEqual, strconv.FormatUint(gen, 10))

		// A part ends where the next one starts.
		test.That(t, fb.Publish(snapshot(gen+1)), test.ShouldBeNil)
		data, err := io.ReadAll(part)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, part.Header.Get("Content-Length"), test.ShouldEqual, strconv.Itoa(len(data)))
	}
	test.That(t, m.Subscribers(), test.ShouldEqual, 1)

	cancel()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, m.Subscribers(), test.ShouldEqual, 0)
	})
}

func TestServeStreamClosed(t *testing.T) {
	m := NewMultiplexer(NewFrameBuffer(), 80, logging.NewTestLogger(t))
	m.Close()
	rec := httptest.NewRecorder()
	m.Handler(Raw).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)
}
