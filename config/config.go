// Package config defines the runtime configuration of the slotwatch server.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/logging"
)

// Defaults that operators rely on.
const (
	DefaultThreshold      = 850
	DefaultMaxSkip        = 4
	DefaultWindow         = 5 * time.Second
	DefaultBindAddress    = ":5000"
	DefaultLayoutFile     = "layout.yaml"
	DefaultMQTTTopic      = "parking/slots/{slot_id}/status"
	DefaultJPEGQuality    = 75
	DefaultSinkTimeout    = time.Second
	DefaultStaleAfter     = 5 * time.Second
	DefaultSnapshotPeriod = 30 * time.Second
	DefaultQueueSize      = 64
)

// Config is the whole server configuration.
type Config struct {
	ConfigFilePath string `json:"-"`

	Source      SourceConfig     `json:"source"`
	LayoutFile  string           `json:"layout_file"`
	WatchLayout bool             `json:"watch_layout"`
	Classifier  ClassifierConfig `json:"classifier"`
	Rate        RateConfig       `json:"rate"`
	Worker      WorkerConfig     `json:"worker"`
	Notify      NotifyConfig     `json:"notify"`
	Stream      StreamConfig     `json:"stream"`
	Snapshot    SnapshotConfig   `json:"snapshot"`
	Web         WebConfig        `json:"web"`
	Log         logging.Config   `json:"log"`
}

// SourceConfig selects a frame source by type. Attributes are decoded by the source itself.
type SourceConfig struct {
	Type       string       `json:"type"`
	Attributes AttributeMap `json:"attributes"`
}

// ClassifierConfig tunes the built-in pixel-count classifier.
type ClassifierConfig struct {
	Threshold  int     `json:"threshold"`
	BlurRadius float64 `json:"blur_radius"`
	BlockSize  int     `json:"block_size"`
	Offset     int     `json:"offset"`
	DilateSize int     `json:"dilate_size"`
}

// RateConfig bounds the frame skipping of the pipeline.
type RateConfig struct {
	MaxSkip     int           `json:"max_skip"`
	HighLatency time.Duration `json:"high_latency"`
	LowLatency  time.Duration `json:"low_latency"`
}

// WorkerConfig holds the pipeline retry and pacing settings.
type WorkerConfig struct {
	OpenAttempts      int           `json:"open_attempts"`
	OpenBackoff       time.Duration `json:"open_backoff"`
	OpenBackoffMax    time.Duration `json:"open_backoff_max"`
	ReadRetries       int           `json:"read_retries"`
	ReadRetryDelay    time.Duration `json:"read_retry_delay"`
	ReadRetryDelayMax time.Duration `json:"read_retry_delay_max"` // zero leaves the doubling uncapped
	FrameInterval     time.Duration `json:"frame_interval"`
}

// NotifyConfig configures the status sinks and the per-slot window.
type NotifyConfig struct {
	Window    time.Duration  `json:"window"`
	QueueSize int            `json:"queue_size"`
	HTTP      HTTPSinkConfig `json:"http"`
	MQTT      MQTTSinkConfig `json:"mqtt"`
}

// HTTPSinkConfig configures the REST status sink. An empty BaseURL disables it.
type HTTPSinkConfig struct {
	BaseURL      string        `json:"base_url"`
	Timeout      time.Duration `json:"timeout"`
	ResetOnStart bool          `json:"reset_on_start"`
}

// MQTTSinkConfig configures the MQTT status sink. An empty Broker disables it.
type MQTTSinkConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	QoS      int    `json:"qos"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// StreamConfig configures the video feeds.
type StreamConfig struct {
	JPEGQuality int           `json:"jpeg_quality"`
	StaleAfter  time.Duration `json:"stale_after"`
	// DebugFeeds serves the preprocessing stages as feeds.
	DebugFeeds  bool          `json:"debug_feeds"`
}

// SnapshotConfig enables the periodic registry snapshot when Path is set.
type SnapshotConfig struct {
	Path     string        `json:"path"`
	Interval time.Duration `json:"interval"`
}

// WebConfig configures the http server.
type WebConfig struct {
	BindAddress    string   `json:"bind"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Default returns a configuration with every default filled in and no source.
func Default() *Config {
	return &Config{
		LayoutFile: DefaultLayoutFile,
		Classifier: ClassifierConfig{Threshold: DefaultThreshold, BlurRadius: 1, BlockSize: 25, Offset: 16, DilateSize: 3},
		Rate:       RateConfig{MaxSkip: DefaultMaxSkip, HighLatency: 100 * time.Millisecond, LowLatency: 50 * time.Millisecond},
		Worker: WorkerConfig{
			OpenAttempts:      5,
			OpenBackoff:       200 * time.Millisecond,
			OpenBackoffMax:    5 * time.Second,
			ReadRetries:       3,
			ReadRetryDelay:    100 * time.Millisecond,
			ReadRetryDelayMax: time.Second,
		},
		Notify: NotifyConfig{
			Window:    DefaultWindow,
			QueueSize: DefaultQueueSize,
			HTTP:      HTTPSinkConfig{Timeout: DefaultSinkTimeout},
			MQTT:      MQTTSinkConfig{ClientID: "slotwatch", Topic: DefaultMQTTTopic, QoS: 1},
		},
		Stream:   StreamConfig{JPEGQuality: DefaultJPEGQuality, StaleAfter: DefaultStaleAfter, DebugFeeds: true},
		Snapshot: SnapshotConfig{Interval: DefaultSnapshotPeriod},
		Web:      WebConfig{BindAddress: DefaultBindAddress, AllowedOrigins: []string{"*"}},
		Log:      logging.Config{Level: "info", Encoding: "console"},
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if c.Source.Type == "" {
		return NewConfigError("source.type", errors.New("must be set"))
	}
	if c.Classifier.Threshold <= 0 {
		return NewConfigError("classifier.threshold", errors.Errorf("must be positive, got %d", c.Classifier.Threshold))
	}
	if c.Classifier.BlockSize < 0 || c.Classifier.DilateSize < 0 || c.Classifier.BlurRadius < 0 {
		return NewConfigError("classifier", errors.New("sizes must not be negative"))
	}
	if err := c.Rate.Validate("rate"); err != nil {
		return err
	}
	if err := c.Worker.Validate("worker"); err != nil {
		return err
	}
	if err := c.Notify.Validate("notify"); err != nil {
		return err
	}
	if q := c.Stream.JPEGQuality; q < 1 || q > 100 {
		return NewConfigError("stream.jpeg_quality", errors.Errorf("must be in [1, 100], got %d", q))
	}
	if c.Stream.StaleAfter <= 0 {
		return NewConfigError("stream.stale_after", errors.New("must be positive"))
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval <= 0 {
		return NewConfigError("snapshot.interval", errors.New("must be positive when snapshot.path is set"))
	}
	if _, _, err := net.SplitHostPort(c.Web.BindAddress); err != nil {
		return NewConfigError("web.bind", errors.Wrap(err, "error validating bind address"))
	}
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return NewConfigError("log.level", err)
	}
	for i, lpc := range c.Log.Levels {
		if err := lpc.Validate(); err != nil {
			return NewConfigError(fmt.Sprintf("log.levels[%d]", i), err)
		}
	}
	return nil
}

// Validate ensures the skip bounds and watermarks are sane.
func (rc *RateConfig) Validate(path string) error {
	if rc.MaxSkip < 0 {
		return NewConfigError(path+".max_skip", errors.Errorf("must not be negative, got %d", rc.MaxSkip))
	}
	if rc.LowLatency < 0 || rc.HighLatency <= rc.LowLatency {
		return NewConfigError(path, errors.Errorf("high_latency (%s) must be above low_latency (%s)", rc.HighLatency, rc.LowLatency))
	}
	return nil
}

// Validate ensures the retry counts are usable.
func (wc *WorkerConfig) Validate(path string) error {
	if wc.OpenAttempts < 1 {
		return NewConfigError(path+".open_attempts", errors.New("must be at least 1"))
	}
	if wc.ReadRetries < 0 {
		return NewConfigError(path+".read_retries", errors.New("must not be negative"))
	}
	if wc.OpenBackoff <= 0 || wc.OpenBackoffMax < wc.OpenBackoff {
		return NewConfigError(path+".open_backoff", errors.New("must be positive and not above open_backoff_max"))
	}
	if wc.ReadRetryDelay < 0 || wc.FrameInterval < 0 {
		return NewConfigError(path, errors.New("delays must not be negative"))
	}
	if wc.ReadRetryDelayMax < 0 || (wc.ReadRetryDelayMax > 0 && wc.ReadRetryDelayMax < wc.ReadRetryDelay) {
		return NewConfigError(path+".read_retry_delay_max", errors.New("must not be below read_retry_delay"))
	}
	return nil
}

// Validate ensures the window and sinks are usable.
func (nc *NotifyConfig) Validate(path string) error {
	if nc.Window <= 0 {
		return NewConfigError(path+".window", errors.New("must be positive"))
	}
	if nc.QueueSize < 1 {
		return NewConfigError(path+".queue_size", errors.New("must be at least 1"))
	}
	if nc.HTTP.BaseURL != "" {
		if !strings.HasPrefix(nc.HTTP.BaseURL, "http://") && !strings.HasPrefix(nc.HTTP.BaseURL, "https://") {
			return NewConfigError(path+".http.base_url", errors.Errorf("unsupported url %q", nc.HTTP.BaseURL))
		}
		if nc.HTTP.Timeout <= 0 {
			return NewConfigError(path+".http.timeout", errors.New("must be positive"))
		}
	}
	if nc.MQTT.Broker != "" {
		if nc.MQTT.QoS < 0 || nc.MQTT.QoS > 2 {
			return NewConfigError(path+".mqtt.qos", errors.Errorf("must be 0, 1 or 2, got %d", nc.MQTT.QoS))
		}
		if !strings.Contains(nc.MQTT.Topic, "{slot_id}") {
			return NewConfigError(path+".mqtt.topic", errors.New(`must contain the "{slot_id}" placeholder`))
		}
	}
	return nil
}

// ConfigError is a malformed or out of range configuration value. It is fatal at startup.
//
//nolint:revive
type ConfigError struct {
	Path string
	Err  error
}

// NewConfigError wraps err as a ConfigError for the given config path.
func NewConfigError(path string, err error) error {
	return &ConfigError{Path: path, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error in %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
