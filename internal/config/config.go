// Package config loads service settings from defaults, an optional YAML file,
// SKYWATCH_* environment variables and command line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SKYWATCH_DETECTION_MODE=inline.
const EnvPrefix = "SKYWATCH"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Detection DetectionConfig `mapstructure:"detection"`
	Alert     AlertConfig     `mapstructure:"alert"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CaptureConfig tunes frame acquisition and the reconnect state machine.
type CaptureConfig struct {
	Backend          string            `mapstructure:"backend"`
	FFmpegPath       string            `mapstructure:"ffmpeg_path"`
	InputArgs        map[string]string `mapstructure:"input_args"`
	Width            int               `mapstructure:"width"`
	Height           int               `mapstructure:"height"`
	FPS              int               `mapstructure:"fps"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	ReconnectBackoff time.Duration     `mapstructure:"reconnect_backoff"`
	StaleAfter       time.Duration     `mapstructure:"stale_after"`
	StopTimeout      time.Duration     `mapstructure:"stop_timeout"`
}

type StreamConfig struct {
	SignalLostDelay time.Duration `mapstructure:"signal_lost_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Warmup          time.Duration `mapstructure:"warmup"`
	JPEGQuality     int           `mapstructure:"jpeg_quality"`
	OverlayClasses  []string      `mapstructure:"overlay_classes"`
}

// DetectionConfig selects the throttle policy and the inference backend.
type DetectionConfig struct {
	Mode        string        `mapstructure:"mode"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Backend     string        `mapstructure:"backend"`
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Confidence  float64       `mapstructure:"confidence"`
	Overlap     float64       `mapstructure:"overlap"`
	MaxWidth    int           `mapstructure:"max_width"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
}

type AlertConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	WebhookURL    string         `mapstructure:"webhook_url"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	Cooldown      time.Duration  `mapstructure:"cooldown"`
	Classes       []string       `mapstructure:"classes"`
	DetectedClass string         `mapstructure:"detected_class"`
	CaptureDir    string         `mapstructure:"capture_dir"`
	MaxInFlight   int            `mapstructure:"max_in_flight"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig enables the optional Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIURL   string        `mapstructure:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key with its default so that environment
// variables can override keys that never appear in a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":5000")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("capture.backend", "ffmpeg")
	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.input_args", map[string]string{})
	v.SetDefault("capture.width", 640)
	v.SetDefault("capture.height", 480)
	v.SetDefault("capture.fps", 15)
	v.SetDefault("capture.read_timeout", 2*time.Second)
	v.SetDefault("capture.reconnect_backoff", time.Second)
	v.SetDefault("capture.stale_after", 3*time.Second)
	v.SetDefault("capture.stop_timeout", 2*time.Second)

	v.SetDefault("stream.signal_lost_delay", 500*time.Millisecond)
	v.SetDefault("stream.poll_interval", 15*time.Millisecond)
	v.SetDefault("stream.warmup", 3*time.Second)
	v.SetDefault("stream.jpeg_quality", 80)
	v.SetDefault("stream.overlay_classes", []string{"drone", "1", "0", "uav"})

	v.SetDefault("detection.mode", "cooldown")
	v.SetDefault("detection.interval", 5*time.Second)
	v.SetDefault("detection.timeout", 5*time.Second)
	v.SetDefault("detection.backend", "http")
	v.SetDefault("detection.endpoint", "https://detect.roboflow.com/drone-vs-bird-lanzg-nrlgg/1")
	v.SetDefault("detection.api_key", "")
	v.SetDefault("detection.confidence", 0.4)
	v.SetDefault("detection.overlap", 0.5)
	v.SetDefault("detection.max_width", 640)
	v.SetDefault("detection.max_in_flight", 8)

	v.SetDefault("alert.enabled", true)
	v.SetDefault("alert.webhook_url", "http://127.0.0.1:4000/api/webhook/detection")
	v.SetDefault("alert.timeout", 2*time.Second)
	v.SetDefault("alert.cooldown", 2*time.Second)
	v.SetDefault("alert.classes", []string{"drone", "1", "0", "uav", "aircraft"})
	v.SetDefault("alert.detected_class", "Drone")
	v.SetDefault("alert.capture_dir", "public/captures")
	v.SetDefault("alert.max_in_flight", 4)
	v.SetDefault("alert.telegram.enabled", false)
	v.SetDefault("alert.telegram.bot_token", "")
	v.SetDefault("alert.telegram.chat_id", "")
	v.SetDefault("alert.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("alert.telegram.timeout", 10*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the merged result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, env or flag overrides.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr must be set")
	}
	switch c.Capture.Backend {
	case "ffmpeg", "gocv":
	default:
		return errors.Errorf("capture.backend: unknown backend %q", c.Capture.Backend)
	}
	switch c.Detection.Mode {
	case "cooldown", "inline", "disabled":
	default:
		return errors.Errorf("detection.mode: unknown mode %q", c.Detection.Mode)
	}
	switch c.Detection.Backend {
	case "http", "grpc":
	default:
		return errors.Errorf("detection.backend: unknown backend %q", c.Detection.Backend)
	}
	if c.Detection.Mode != "disabled" && c.Detection.Endpoint == "" {
		return errors.New("detection.endpoint must be set unless detection is disabled")
	}
	if c.Detection.Confidence < 0 || c.Detection.Confidence > 1 {
		return errors.Errorf("detection.confidence %v outside [0,1]", c.Detection.Confidence)
	}
	if c.Capture.ReadTimeout <= 0 || c.Capture.StaleAfter <= 0 {
		return errors.New("capture.read_timeout and capture.stale_after must be positive")
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return errors.Errorf("stream.jpeg_quality %d outside [1,100]", c.Stream.JPEGQuality)
	}
	if c.Alert.Enabled && c.Alert.CaptureDir == "" {
		return errors.New("alert.capture_dir must be set when alerts are enabled")
	}
	if t := c.Alert.Telegram; t.Enabled && (t.BotToken == "" || t.ChatID == "") {
		return errors.New("alert.telegram.bot_token and alert.telegram.chat_id must be set when telegram is enabled")
	}
	return nil
}
