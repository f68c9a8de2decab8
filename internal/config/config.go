// Package config loads and validates capture service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Rate     RateConfig     `mapstructure:"rate"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueuePolicy is one queue's concurrency and retry budget.
type QueuePolicy struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMs   int `mapstructure:"backoff_ms"`
}

// QueuesConfig carries the three queue policies plus the batch stagger.
type QueuesConfig struct {
	Capture        QueuePolicy `mapstructure:"capture"`
	Upload         QueuePolicy `mapstructure:"upload"`
	Retry          QueuePolicy `mapstructure:"retry"`
	BatchStaggerMs int         `mapstructure:"batch_stagger_ms"`
}

// BrowserConfig configures the shared Chrome process and device profiles.
// Provider is "chrome" or "fake"; the fake driver serves local development
// without a Chrome binary. Devices overrides the built-in emulation profiles
// per device type (android/ios/desktop); unlisted types keep their defaults.
type BrowserConfig struct {
	Provider          string                             `mapstructure:"provider"`
	MaxSessions       int                                `mapstructure:"max_sessions"`
	NavTimeoutSec     int                                `mapstructure:"nav_timeout_seconds"`
	SelectorTimeout   int                                `mapstructure:"selector_timeout_seconds"`
	ScriptTimeoutSec  int                                `mapstructure:"script_timeout_seconds"`
	CaptureTimeoutSec int                                `mapstructure:"capture_timeout_seconds"`
	IdleReapMinutes   int                                `mapstructure:"idle_reap_minutes"`
	Devices           map[string]capture.DeviceProfile `mapstructure:"devices"`
}

// PipelineConfig governs the per-job state machine and batch lifecycle.
type PipelineConfig struct {
	PreCaptureDelayMs  int    `mapstructure:"pre_capture_delay_ms"`
	RenderPollMs       int    `mapstructure:"render_poll_ms"`
	RenderPollTimeout  int    `mapstructure:"render_poll_timeout_seconds"`
	BridgeWaitSec      int    `mapstructure:"bridge_wait_seconds"`
	BatchTimeoutMin    int    `mapstructure:"batch_timeout_minutes"`
	UseRetryQueue      bool   `mapstructure:"use_retry_queue"`
	ProbeEnabled       bool   `mapstructure:"probe_enabled"`
	DrainTimeoutSec    int    `mapstructure:"drain_timeout_seconds"`
	UploadTopic        string `mapstructure:"upload_topic"`
}

// ProbeConfig tunes the HTTP preflight.
type ProbeConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateConfig bounds per-host request rates.
type RateConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// BridgeConfig controls the overlay-renderer WebSocket hub.
type BridgeConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	ResponseWaitSec int  `mapstructure:"response_wait_seconds"`
}

// StorageConfig selects and parameterizes the artifact store.
// Provider is one of "memory", "local", "gcs".
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig selects the result store. Provider is "memory" or "postgres".
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	CaptureTable string `mapstructure:"capture_table"`
	BatchTable   string `mapstructure:"batch_table"`
	MaxConns     int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for handoff notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("queues.capture.concurrency", 4)
	v.SetDefault("queues.capture.max_attempts", 3)
	v.SetDefault("queues.capture.backoff_ms", 2000)
	v.SetDefault("queues.upload.concurrency", 2)
	v.SetDefault("queues.upload.max_attempts", 4)
	v.SetDefault("queues.upload.backoff_ms", 1500)
	v.SetDefault("queues.retry.concurrency", 1)
	v.SetDefault("queues.retry.max_attempts", 2)
	v.SetDefault("queues.retry.backoff_ms", 5000)
	v.SetDefault("queues.batch_stagger_ms", 100)
	v.SetDefault("browser.provider", "chrome")
	v.SetDefault("browser.max_sessions", 8)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.selector_timeout_seconds", 10)
	v.SetDefault("browser.script_timeout_seconds", 10)
	v.SetDefault("browser.capture_timeout_seconds", 20)
	v.SetDefault("browser.idle_reap_minutes", 10)
	v.SetDefault("pipeline.pre_capture_delay_ms", 500)
	v.SetDefault("pipeline.render_poll_ms", 1000)
	v.SetDefault("pipeline.render_poll_timeout_seconds", 15)
	v.SetDefault("pipeline.bridge_wait_seconds", 15)
	v.SetDefault("pipeline.batch_timeout_minutes", 30)
	v.SetDefault("pipeline.use_retry_queue", false)
	v.SetDefault("pipeline.probe_enabled", false)
	v.SetDefault("pipeline.drain_timeout_seconds", 30)
	v.SetDefault("pipeline.upload_topic", "capture-handoff")
	v.SetDefault("probe.user_agent", "adcapture-probe/1.0")
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("rate.qps", 1.0)
	v.SetDefault("rate.burst", 2)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.response_wait_seconds", 10)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.capture_table", "captures")
	v.SetDefault("db.batch_table", "batches")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queues.Capture.Concurrency <= 0 {
		return fmt.Errorf("queues.capture.concurrency must be > 0")
	}
	if c.Queues.Capture.MaxAttempts <= 0 {
		return fmt.Errorf("queues.capture.max_attempts must be > 0")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Browser.Provider != "chrome" && c.Browser.Provider != "fake" {
		return fmt.Errorf("browser.provider must be chrome or fake")
	}
	for name, profile := range c.Browser.Devices {
		if profile.Width <= 0 || profile.Height <= 0 {
			return fmt.Errorf("browser.devices.%s: width and height must be > 0", name)
		}
		if profile.Scale <= 0 {
			return fmt.Errorf("browser.devices.%s: scale must be > 0", name)
		}
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("db.provider must be one of memory, postgres")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// BatchDeadline converts the batch timeout into a duration.
func (c Config) BatchDeadline() time.Duration {
	return time.Duration(c.Pipeline.BatchTimeoutMin) * time.Minute
}
