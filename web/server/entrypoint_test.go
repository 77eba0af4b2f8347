package server

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/slots/snapshot"
)

func TestApplyArguments(t *testing.T) {
	cfg := config.Default()
	applyArguments(cfg, Arguments{MaxSkip: -1})
	test.That(t, cfg, test.ShouldResemble, config.Default())

	applyArguments(cfg, Arguments{
		SourceType: "mjpeg",
		SourcePath: "http://cam.local/stream",
		LayoutFile: "lot.yaml",
		Bind:       "127.0.0.1:8080",
		Threshold:  900,
		MaxSkip:    0,
		Window:     time.Second,
		Debug:      true,
	})
	test.That(t, cfg.Source.Type, test.ShouldEqual, "mjpeg")
	test.That(t, cfg.Source.Attributes.String("url"), test.ShouldEqual, "http://cam.local/stream")
	test.That(t, cfg.LayoutFile, test.ShouldEqual, "lot.yaml")
	test.That(t, cfg.Web.BindAddress, test.ShouldEqual, "127.0.0.1:8080")
	test.That(t, cfg.Classifier.Threshold, test.ShouldEqual, 900)
	test.That(t, cfg.Rate.MaxSkip, test.ShouldEqual, 0)
	test.That(t, cfg.Notify.Window, test.ShouldEqual, time.Second)
	test.That(t, cfg.Log.Level, test.ShouldEqual, "debug")

	applyArguments(cfg, Arguments{SourceType: "imagedir", SourcePath: "frames", MaxSkip: -1})
	test.That(t, cfg.Source.Attributes.String("path"), test.ShouldEqual, "frames")
}

func TestRunServerConfigErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()

	err := RunServer(context.Background(), Arguments{ConfigFile: filepath.Join(dir, "missing.json"), MaxSkip: -1, Debug: true}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	// no source configured
	err = RunServer(context.Background(), Arguments{MaxSkip: -1, Debug: true}, logger)
	test.That(t, config.IsConfigError(err), test.ShouldBeTrue)

	path := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(path, []byte(`{"source": {"type": "fake"}, "rate": {"max_skip": -3}}`), 0o600), test.ShouldBeNil)
	err = RunServer(context.Background(), Arguments{ConfigFile: path, MaxSkip: -1, Debug: true}, logger)
	test.That(t, config.IsConfigError(err), test.ShouldBeTrue)
}

type statusSink struct {
	mu    sync.Mutex
	paths []string
}

func (s *statusSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
}

func (s *statusSink) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func TestServer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()

	l, err := layout.New(40, 40, []string{"1", "2"}, []image.Point{{0, 0}, {60, 0}})
	test.That(t, err, test.ShouldBeNil)
	layoutPath := filepath.Join(dir, "layout.yaml")
	test.That(t, l.Save(layoutPath), test.ShouldBeNil)

	sink := &statusSink{}
	sinkServer := httptest.NewServer(sink)
	defer sinkServer.Close()

	cfg := config.Default()
	cfg.Source = config.SourceConfig{Type: "fake", Attributes: config.AttributeMap{
		"width": 160, "height": 120, "interval": "5ms",
	}}
	cfg.LayoutFile = layoutPath
	cfg.Web.BindAddress = "127.0.0.1:0"
	cfg.Snapshot.Path = filepath.Join(dir, "snapshot")
	cfg.Notify.HTTP.BaseURL = sinkServer.URL + "/api"
	cfg.Notify.HTTP.ResetOnStart = true
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	srv, err := New(context.Background(), cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.Paths(), test.ShouldResemble, []string{"POST /api/parking/reset"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(ctx)
	}()

	base := "http://" + srv.Addr().String()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		resp, err := http.Get(base + "/api/health")
		test.That(tb, err, test.ShouldBeNil)
		defer resp.Body.Close()
		var health struct {
			Running bool `json:"running"`
			Stale   bool `json:"stale"`
			Total   int  `json:"total"`
		}
		test.That(tb, json.NewDecoder(resp.Body).Decode(&health), test.ShouldBeNil)
		test.That(tb, health.Running, test.ShouldBeTrue)
		test.That(tb, health.Stale, test.ShouldBeFalse)
		test.That(tb, health.Total, test.ShouldEqual, 2)
	})

	// shrink the layout on disk and ask for a reset
	smaller, err := l.WithoutSlot("2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, smaller.Save(layoutPath), test.ShouldBeNil)
	resp, err := http.Post(base+"/api/parking/reset", "application/json", nil)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, srv.registry.Len(), test.ShouldEqual, 1)
	// the reset cleared the slot; the running worker classifies it again
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		st, err := srv.registry.Get("1")
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, st.Known, test.ShouldBeTrue)
	})

	cancel()
	select {
	case err := <-runErr:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}

	// the final snapshot was written on shutdown
	store, err := snapshot.Open(cfg.Snapshot.Path, logger)
	test.That(t, err, test.ShouldBeNil)
	defer store.Close()
	states, err := store.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, states, test.ShouldHaveLength, 1)
	test.That(t, states[0].ID, test.ShouldEqual, "1")
	test.That(t, states[0].Known, test.ShouldBeTrue)
}

func TestServerResetClearsOccupancy(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	l, err := layout.New(40, 40, []string{"1", "2"}, []image.Point{{0, 0}, {60, 0}})
	test.That(t, err, test.ShouldBeNil)
	layoutPath := filepath.Join(dir, "layout.yaml")
	test.That(t, l.Save(layoutPath), test.ShouldBeNil)

	cfg := config.Default()
	cfg.Source = config.SourceConfig{Type: "fake"}
	cfg.LayoutFile = layoutPath
	cfg.Web.BindAddress = "127.0.0.1:0"
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	// the worker is never started, so only this test writes the registry
	srv, err := New(context.Background(), cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, srv.close(), test.ShouldBeNil)
	}()
	api := httptest.NewServer(srv.api.Handler())
	defer api.Close()

	for _, id := range []string{"1", "2"} {
		_, err := srv.registry.Update(id, true, 1)
		test.That(t, err, test.ShouldBeNil)
	}
	type parkingStatus struct {
		Total    int `json:"total_spaces"`
		Occupied int `json:"occupied_spaces"`
		Free     int `json:"available_spaces"`
	}
	getStatus := func() parkingStatus {
		resp, err := http.Get(api.URL + "/api/parking/status")
		test.That(t, err, test.ShouldBeNil)
		defer resp.Body.Close()
		var status parkingStatus
		test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
		return status
	}
	test.That(t, getStatus(), test.ShouldResemble, parkingStatus{Total: 2, Occupied: 2})

	resp, err := http.Post(api.URL+"/api/parking/reset", "application/json", nil)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, getStatus(), test.ShouldResemble, parkingStatus{Total: 2, Occupied: 0, Free: 2})

	// the file watcher path keeps what survives
	_, err = srv.registry.Update("1", true, 1)
	test.That(t, err, test.ShouldBeNil)
	srv.worker.SetLayout(l)
	test.That(t, getStatus().Occupied, test.ShouldEqual, 1)
}
