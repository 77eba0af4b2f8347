// Package server wires the pipeline, the notifier and the http api into the slotwatch server.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.spotsense.io/slotwatch/components/camera"
	// registers all frame sources.
	_ "go.spotsense.io/slotwatch/components/camera/register"
	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/control"
	"go.spotsense.io/slotwatch/gostream"
	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/notify"
	"go.spotsense.io/slotwatch/pipeline"
	"go.spotsense.io/slotwatch/slots"
	"go.spotsense.io/slotwatch/slots/snapshot"
	"go.spotsense.io/slotwatch/vision/classification"
	"go.spotsense.io/slotwatch/web"
)

const (
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
	initialReadTimeout = 5 * time.Second
)

// Arguments are the command line overrides of the config file. Zero values leave the file's
// value alone.
type Arguments struct {
	ConfigFile string
	SourceType string
	SourcePath string
	LayoutFile string
	Bind       string
	Threshold  int
	MaxSkip    int
	Window     time.Duration
	Debug      bool
}

// RunServer loads the configuration and serves until ctx is done.
func RunServer(ctx context.Context, args Arguments, logger logging.Logger) error {
	if err := config.LoadDotEnv(logger); err != nil {
		return err
	}

	cfg := config.Default()
	if args.ConfigFile != "" {
		readCtx, cancel := context.WithTimeout(ctx, initialReadTimeout)
		var err error
		cfg, err = config.Read(readCtx, args.ConfigFile, logger)
		cancel()
		if err != nil {
			return err
		}
	}
	applyArguments(cfg, args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !args.Debug {
		var err error
		if logger, err = logging.NewLoggerFromConfig("slotwatch", cfg.Log); err != nil {
			return err
		}
	}

	srv, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func applyArguments(cfg *config.Config, args Arguments) {
	if args.SourceType != "" {
		cfg.Source.Type = args.SourceType
	}
	if args.SourcePath != "" {
		if cfg.Source.Attributes == nil {
			cfg.Source.Attributes = config.AttributeMap{}
		}
		switch cfg.Source.Type {
		case "mjpeg":
			cfg.Source.Attributes["url"] = args.SourcePath
		case "rtsp":
			cfg.Source.Attributes["rtsp_address"] = args.SourcePath
		default:
			cfg.Source.Attributes["path"] = args.SourcePath
		}
	}
	if args.LayoutFile != "" {
		cfg.LayoutFile = args.LayoutFile
	}
	if args.Bind != "" {
		cfg.Web.BindAddress = args.Bind
	}
	if args.Threshold > 0 {
		cfg.Classifier.Threshold = args.Threshold
	}
	if args.MaxSkip >= 0 {
		cfg.Rate.MaxSkip = args.MaxSkip
	}
	if args.Window > 0 {
		cfg.Notify.Window = args.Window
	}
	if args.Debug {
		cfg.Log.Level = "debug"
	}
}

// Server owns every long lived piece of the process.
type Server struct {
	cfg    *config.Config
	logger logging.Logger

	registry    *slots.Registry
	buffer      *gostream.FrameBuffer
	multiplexer *gostream.Multiplexer
	worker      *pipeline.Worker
	throttle    *notify.Throttle
	api         *web.Service
	listener    net.Listener

	// closed in reverse order
	closers []func() error
}

// New builds the server and binds its listener. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *Server, err error) {
	srv := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, srv.close())
		}
	}()

	l, err := layout.Load(cfg.LayoutFile)
	if err != nil {
		return nil, err
	}
	if l.Len() == 0 {
		logger.Warnw("layout has no slots, add some with slotctl", "file", cfg.LayoutFile)
	}
	srv.registry = slots.NewRegistry(l)

	if err := srv.setupSnapshots(ctx); err != nil {
		return nil, err
	}
	notifier, err := srv.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}

	preprocess, err := newPreprocessor(cfg)
	if err != nil {
		return nil, config.NewConfigError("classifier", err)
	}
	classifier, err := classification.NewPixelCount(cfg.Classifier.Threshold)
	if err != nil {
		return nil, config.NewConfigError("classifier.threshold", err)
	}
	rate, err := control.NewRateController(control.RateConfig{
		MaxSkip:     cfg.Rate.MaxSkip,
		HighLatency: cfg.Rate.HighLatency,
		LowLatency:  cfg.Rate.LowLatency,
	})
	if err != nil {
		return nil, config.NewConfigError("rate", err)
	}

	srv.buffer = gostream.NewFrameBuffer()
	srv.multiplexer = gostream.NewMultiplexer(srv.buffer, cfg.Stream.JPEGQuality, logger.Sublogger("stream"))
	srv.worker, err = pipeline.NewWorker(pipeline.Params{
		Open:       camera.OpenerFor(cfg.Source, logger.Sublogger("source")),
		Layout:     l,
		Registry:   srv.registry,
		Classifier: classifier,
		Preprocess: preprocess,
		Rate:       rate,
		Buffer:     srv.buffer,
		Notifier:   notifier,
		Config:     cfg.Worker,
	}, logger.Sublogger("pipeline"))
	if err != nil {
		return nil, err
	}

	srv.api = web.New(web.Deps{
		Registry:    srv.registry,
		Buffer:      srv.buffer,
		Multiplexer: srv.multiplexer,
		Worker:      srv.worker,
		Layout:      srv.worker.Layout,
		Reset:       srv.resetLayout,
	}, web.Options{
		StaleAfter:     cfg.Stream.StaleAfter,
		AllowedOrigins: cfg.Web.AllowedOrigins,
		Source:         cfg.Source.Type,
		DebugFeeds:     cfg.Stream.DebugFeeds,
	}, logger.Sublogger("web"))

	var lc net.ListenConfig
	srv.listener, err = lc.Listen(ctx, "tcp", cfg.Web.BindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", cfg.Web.BindAddress)
	}
	return srv, nil
}

// newPreprocessor keeps the intermediate images only when the debug feeds serve them.
func newPreprocessor(cfg *config.Config) (classification.StagedPreprocessor, error) {
	tc := classification.ThresholdConfig{
		BlurRadius: cfg.Classifier.BlurRadius,
		BlockSize:  cfg.Classifier.BlockSize,
		Offset:     cfg.Classifier.Offset,
		DilateSize: cfg.Classifier.DilateSize,
	}
	if cfg.Stream.DebugFeeds {
		return classification.NewForegroundStages(tc)
	}
	preprocess, err := classification.NewForegroundPreprocessor(tc)
	if err != nil {
		return nil, err
	}
	return classification.Unstaged(preprocess), nil
}

func (srv *Server) setupSnapshots(ctx context.Context) error {
	if srv.cfg.Snapshot.Path == "" {
		return nil
	}
	logger := srv.logger.Sublogger("snapshot")
	store, err := snapshot.Open(srv.cfg.Snapshot.Path, logger)
	if err != nil {
		return err
	}
	srv.closers = append(srv.closers, store.Close)

	states, err := store.Load(ctx)
	if err != nil {
		logger.Warnw("ignoring unreadable snapshot", "path", srv.cfg.Snapshot.Path, "error", err)
	} else if restored := srv.registry.Restore(states); restored > 0 {
		logger.Infow("restored slot states", "count", restored)
	}

	sched, err := snapshot.NewScheduler(store, srv.registry, srv.cfg.Snapshot.Interval, logger)
	if err != nil {
		return err
	}
	sched.Start()
	srv.closers = append(srv.closers, sched.Stop)
	return nil
}

// setupNotifier returns nil when no sink is configured.
func (srv *Server) setupNotifier(ctx context.Context) (pipeline.Notifier, error) {
	cfg := srv.cfg.Notify
	logger := srv.logger.Sublogger("notify")

	var sinks notify.MultiSink
	if cfg.HTTP.BaseURL != "" {
		httpSink, err := notify.NewHTTPSink(cfg.HTTP, logger)
		if err != nil {
			return nil, err
		}
		if cfg.HTTP.ResetOnStart {
			if err := httpSink.Reset(ctx); err != nil {
				logger.Warnw("status sink reset failed", "error", err)
			} else {
				logger.Info("status sink reset")
			}
		}
		sinks = append(sinks, httpSink)
	}
	if cfg.MQTT.Broker != "" {
		mqttSink, err := notify.NewMQTTSink(ctx, cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, func() error {
			mqttSink.Close()
			return nil
		})
		sinks = append(sinks, mqttSink)
	}
	if len(sinks) == 0 {
		logger.Info("no status sink configured")
		return nil, nil
	}

	var sink notify.Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}
	srv.throttle = notify.NewThrottle(sink, srv.registry, notify.ThrottleConfig{
		Window:    cfg.Window,
		QueueSize: cfg.QueueSize,
	}, logger)
	srv.closers = append(srv.closers, func() error {
		srv.throttle.Close()
		return nil
	})
	return srv.throttle, nil
}

// resetLayout reloads the layout file and starts every slot over as available. File watcher
// reloads go through SetLayout instead and keep the state of surviving slots.
func (srv *Server) resetLayout(ctx context.Context) (*layout.Layout, error) {
	l, err := layout.Load(srv.cfg.LayoutFile)
	if err != nil {
		return nil, err
	}
	srv.worker.ResetLayout(l)
	return l, nil
}

// Addr is the address the api listens on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Run starts the worker and serves until ctx is done. A failed worker does not stop the
// server; the api reports it as stale.
func (srv *Server) Run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Combine(err, srv.close())
	}()

	httpServer := &http.Server{
		Handler:           srv.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(srv.logger.Sublogger("http").AsZap().Desugar()),
	}

	g, gctx := errgroup.WithContext(ctx)
	srv.worker.Start(gctx)

	g.Go(func() error {
		srv.logger.Infow("serving", "url", "http://"+srv.Addr().String())
		if err := httpServer.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-srv.worker.Done():
			if werr := srv.worker.Err(); werr != nil {
				srv.logger.Errorw("pipeline is down, serving the last known state", "error", werr)
			}
			<-gctx.Done()
		}
		return nil
	})
	if srv.cfg.WatchLayout {
		watcher, err := layout.NewWatcher(srv.cfg.LayoutFile, layout.DefaultDebounce, srv.logger.Sublogger("layout"))
		if err != nil {
			srv.logger.Warnw("not watching layout file", "file", srv.cfg.LayoutFile, "error", err)
		} else {
			g.Go(func() error {
				defer func() {
					if err := watcher.Close(); err != nil {
						srv.logger.Debugw("error closing layout watcher", "error", err)
					}
				}()
				for {
					select {
					case <-gctx.Done():
						return nil
					case l := <-watcher.Updates():
						srv.worker.SetLayout(l)
					}
				}
			})
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.logger.Info("shutting down")
		// streams end before the server waits for their connections
		srv.worker.Stop()
		srv.multiplexer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (srv *Server) close() error {
	var errs error
	for i := len(srv.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, srv.closers[i]())
	}
	srv.closers = nil
	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
