// Package web serves the video feeds, the parking status api and the metrics of slotwatch.
package web

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"goji.io"
	"goji.io/pat"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/gostream"
	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/metrics"
	"go.spotsense.io/slotwatch/pipeline"
	"go.spotsense.io/slotwatch/slots"
	"go.spotsense.io/slotwatch/utils"
)

// WorkerStatus reports the health of the pipeline. *pipeline.Worker implements it.
type WorkerStatus interface {
	Status() pipeline.Status
}

// ResetFunc reloads the layout from disk, swaps it in and marks every slot available.
type ResetFunc func(ctx context.Context) (*layout.Layout, error)

// Deps are the pieces of the pipeline the api reads.
type Deps struct {
	Registry    *slots.Registry
	Buffer      *gostream.FrameBuffer
	Multiplexer *gostream.Multiplexer
	Worker      WorkerStatus
	// Layout returns the layout in use. *pipeline.Worker.Layout fits.
	Layout func() *layout.Layout
	Reset  ResetFunc
}

// Options tune the api.
type Options struct {
	StaleAfter     time.Duration
	AllowedOrigins []string
	// Source names the frame source in the video status.
	Source string
	// DebugFeeds serves the debug, grayscale and threshold feeds. They answer 404 otherwise.
	DebugFeeds bool
}

// Service holds the http handlers.
type Service struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	logger logging.Logger
}

// New returns a Service. A zero StaleAfter uses config.DefaultStaleAfter.
func New(deps Deps, opts Options, logger logging.Logger) *Service {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = config.DefaultStaleAfter
	}
	return &Service{deps: deps, opts: opts, now: time.Now, logger: logger}
}

// Handler routes every endpoint and applies CORS.
func (s *Service) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Use(s.debugMode)

	mux.Handle(pat.Get("/video_feed"), s.deps.Multiplexer.Handler(gostream.Annotated))
	mux.HandleFunc(pat.Get("/video_feed/:variant"), s.videoFeed)
	mux.Handle(pat.Get("/api/parking/video"), s.deps.Multiplexer.Handler(gostream.Annotated))
	// registered before the variant route, which would match it too
	mux.HandleFunc(pat.Get("/api/parking/video/status"), s.videoStatus)
	mux.HandleFunc(pat.Get("/api/parking/video/:variant"), s.videoFeed)

	mux.HandleFunc(pat.Get("/api/health"), s.health)
	mux.HandleFunc(pat.Get("/api/parking/status"), s.parkingStatus)
	mux.HandleFunc(pat.Get("/api/parking/spaces"), s.spaces)
	mux.HandleFunc(pat.Get("/api/parking/slots"), s.listSlots)
	mux.HandleFunc(pat.Get("/api/parking/slots/:id"), s.getSlot)
	mux.HandleFunc(pat.Post("/api/parking/reset"), s.reset)

	mux.Handle(pat.Get("/metrics"), metrics.Handler())

	return s.corsHandler().Handler(mux)
}

// DebugHeader turns on debug logging for one request. Its value names the request in the logs;
// an empty value picks a random name.
const DebugHeader = "X-Slotwatch-Debug"

func (s *Service) debugMode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if values, ok := r.Header[DebugHeader]; ok {
			name := ""
			if len(values) > 0 {
				name = values[0]
			}
			r = r.WithContext(logging.EnableDebugMode(r.Context(), name))
		}
		s.logger.CDebugw(r.Context(), "request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Service) corsHandler() *cors.Cors {
	if len(s.opts.AllowedOrigins) == 0 || lo.Contains(s.opts.AllowedOrigins, "*") {
		return cors.AllowAll()
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	})
}

func (s *Service) videoFeed(w http.ResponseWriter, r *http.Request) {
	v, err := gostream.ParseVariant(pat.Param(r, "variant"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if v.IsStage() && !s.opts.DebugFeeds {
		s.writeError(w, http.StatusNotFound, errors.Errorf("the %s feed is disabled", v))
		return
	}
	s.deps.Multiplexer.ServeStream(w, r, v)
}

type videoStatusResponse struct {
	Running     bool           `json:"running"`
	WorkerState pipeline.State `json:"worker_state"`
	Stale       bool           `json:"stale"`
	Source      string         `json:"current_source"`
	SkipFrames  int            `json:"skip_frames"`
	DebugMode   bool           `json:"debug_mode"`
	Generation  uint64         `json:"generation"`
	Subscribers int            `json:"subscribers"`
}

func (s *Service) videoStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Worker.Status()
	s.writeJSON(w, http.StatusOK, videoStatusResponse{
		Running:     status.State == pipeline.StateRunning,
		WorkerState: status.State,
		Stale:       s.stale(status),
		Source:      s.opts.Source,
		SkipFrames:  status.SkipCount,
		DebugMode:   s.opts.DebugFeeds,
		Generation:  status.Generation,
		Subscribers: s.deps.Multiplexer.Subscribers(),
	})
}

// stale is true when the worker is not running or the last frame is too old.
func (s *Service) stale(status pipeline.Status) bool {
	if status.State != pipeline.StateRunning {
		return true
	}
	latest := s.deps.Buffer.Latest()
	return latest == nil || s.now().Sub(latest.Timestamp) > s.opts.StaleAfter
}

type healthResponse struct {
	Status        string         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	WorkerState   pipeline.State `json:"worker_state"`
	Running       bool           `json:"running"`
	Stale         bool           `json:"stale"`
	Total         int            `json:"total"`
	Occupied      int            `json:"occupied"`
	Available     int            `json:"available"`
	Generation    uint64         `json:"generation"`
	SkipCount     int            `json:"skip_count"`
	LastLatencyMS float64        `json:"last_latency_ms"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
	Subscribers   int            `json:"subscribers"`
	Error         string         `json:"error,omitempty"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Worker.Status()
	counts := s.deps.Registry.Counts()
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     s.now(),
		WorkerState:   status.State,
		Running:       status.State == pipeline.StateRunning,
		Stale:         s.stale(status),
		Total:         counts.Total,
		Occupied:      counts.Occupied,
		Available:     counts.Available,
		Generation:    status.Generation,
		SkipCount:     status.SkipCount,
		LastLatencyMS: float64(status.LastLatency) / float64(time.Millisecond),
		AvgLatencyMS:  float64(status.AvgLatency) / float64(time.Millisecond),
		Subscribers:   s.deps.Multiplexer.Subscribers(),
	}
	if resp.Stale {
		resp.Status = "degraded"
	}
	if status.Err != nil {
		resp.Error = status.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// slotView is a slot state with its status word.
type slotView struct {
	slots.State
	Status string `json:"status"`
}

func viewOf(st slots.State) slotView {
	return slotView{State: st, Status: st.Status()}
}

type parkingStatusResponse struct {
	TotalSpaces     int        `json:"total_spaces"`
	AvailableSpaces int        `json:"available_spaces"`
	OccupiedSpaces  int        `json:"occupied_spaces"`
	Stale           bool       `json:"stale"`
	Slots           []slotView `json:"slots"`
}

func (s *Service) parkingStatus(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Registry.Snapshot()
	counts := slots.CountStates(states)
	s.writeJSON(w, http.StatusOK, parkingStatusResponse{
		TotalSpaces:     counts.Total,
		AvailableSpaces: counts.Available,
		OccupiedSpaces:  counts.Occupied,
		Stale:           s.stale(s.deps.Worker.Status()),
		Slots:           lo.Map(states, func(st slots.State, _ int) slotView { return viewOf(st) }),
	})
}

type spaceView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Known  bool   `json:"known"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type spacesResponse struct {
	Total       int                  `json:"total"`
	Available   int                  `json:"available"`
	Occupied    int                  `json:"occupied"`
	LastUpdated time.Time            `json:"lastUpdated"`
	Spaces      map[string]spaceView `json:"spaces"`
}

// spaces is the status keyed by slot id with each slot's position in the frame.
func (s *Service) spaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Layout == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("slot positions are not available"))
		return
	}
	origins := lo.SliceToMap(s.deps.Layout().Slots(), func(d layout.Descriptor) (string, image.Point) {
		return d.ID, d.Rect.Min
	})
	states := s.deps.Registry.Snapshot()
	counts := slots.CountStates(states)
	spaces := make(map[string]spaceView, len(states))
	for _, st := range states {
		at := origins[st.ID]
		spaces[st.ID] = spaceView{ID: st.ID, Status: st.Status(), Known: st.Known, X: at.X, Y: at.Y}
	}
	s.writeJSON(w, http.StatusOK, spacesResponse{
		Total:       counts.Total,
		Available:   counts.Available,
		Occupied:    counts.Occupied,
		LastUpdated: s.now(),
		Spaces:      spaces,
	})
}

func (s *Service) listSlots(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Registry.Snapshot()
	s.writeJSON(w, http.StatusOK, lo.Map(states, func(st slots.State, _ int) slotView { return viewOf(st) }))
}

func (s *Service) getSlot(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Registry.Get(pat.Param(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, slots.ErrUnknownSlot) {
			code = http.StatusNotFound
		}
		s.writeError(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(st))
}

type resetResponse struct {
	Status string `json:"status"`
	Slots  int    `json:"slots"`
}

func (s *Service) reset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reset == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("layout reset is not available"))
		return
	}
	l, err := s.deps.Reset(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if config.IsConfigError(err) {
			code = http.StatusUnprocessableEntity
		}
		s.logger.CWarnw(r.Context(), "layout reset failed", "error", err)
		s.writeError(w, code, err)
		return
	}
	s.logger.CInfow(r.Context(), "layout reset", "slots", l.Len())
	s.writeJSON(w, http.StatusOK, resetResponse{Status: "reset", Slots: l.Len()})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", utils.MimeTypeJSON)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("error writing response", "error", err)
	}
}
