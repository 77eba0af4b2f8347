package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/utils"
)

// HTTPSink reports slot statuses to a REST endpoint.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

// NewHTTPSink returns a sink for cfg.BaseURL. A zero timeout uses config.DefaultSinkTimeout.
func NewHTTPSink(cfg config.HTTPSinkConfig, logger logging.Logger) (*HTTPSink, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, config.NewConfigError("notify.http.base_url", errors.Errorf("invalid url %q", cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSinkTimeout
	}
	return &HTTPSink{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Send PUTs {"status": ...} to {base}/parking/slots/{id}/status.
func (s *HTTPSink) Send(ctx context.Context, id string, occupied bool) error {
	path := "/parking/slots/" + url.PathEscape(id) + "/status"
	return s.do(ctx, http.MethodPut, path, id, bodyFor(occupied))
}

// Reset POSTs to {base}/parking/reset so the remote side forgets every slot.
func (s *HTTPSink) Reset(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, "/parking/reset", "", nil)
}

func (s *HTTPSink) do(ctx context.Context, method, path, slot string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return NewSinkError("http", slot, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return NewSinkError("http", slot, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", utils.MimeTypeJSON)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return NewSinkError("http", slot, err)
	}
	defer func() {
		// drain so the connection can be reused
		//nolint:errcheck
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		//nolint:errcheck
		resp.Body.Close()
	}()
	s.logger.Debugw("status sink call", "method", method, "path", path, "code", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := NewSinkError("http", slot, errors.New(http.StatusText(resp.StatusCode)))
		serr.StatusCode = resp.StatusCode
		return serr
	}
	return nil
}
