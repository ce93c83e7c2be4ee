package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Stats       StatsConfig       `mapstructure:"stats"`
}

// ServerConfig holds settings for the operational HTTP endpoint and data paths.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
	CropDir string `mapstructure:"crop_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds database settings.
type DBConfig struct {
	File string `mapstructure:"file"` // Path to the SQLite database file
}

// RecognitionConfig holds every tunable of the recognition core. These values
// are hot-reloadable; engine components read them through a Runtime handle
// instead of caching them at construction time.
type RecognitionConfig struct {
	EmbeddingDim int `mapstructure:"embedding_dim"`

	// Matching against the known-identity gallery
	MatchThreshold float64 `mapstructure:"match_threshold"`
	ANNEnabled     bool    `mapstructure:"ann_enabled"`

	// Track aggregation
	TrackMatchThreshold        float64 `mapstructure:"track_match_threshold"`
	MinFrameCount              int     `mapstructure:"min_frame_count"`
	MinPresenceDurationSeconds float64 `mapstructure:"min_presence_duration_seconds"`
	CooldownSeconds            float64 `mapstructure:"cooldown_seconds"`
	FaceTrackingTimeoutSeconds float64 `mapstructure:"face_tracking_timeout_seconds"`
	SweepIntervalSeconds       float64 `mapstructure:"sweep_interval_seconds"`

	// Unknown-person deduplication
	RecurrenceThreshold           float64 `mapstructure:"recurrence_threshold"`
	DuplicateSuppressionThreshold float64 `mapstructure:"duplicate_suppression_threshold"`

	// Quality gating
	MinFaceWidth           int     `mapstructure:"min_face_width"`
	MinFaceHeight          int     `mapstructure:"min_face_height"`
	MinFaceAreaRatio       float64 `mapstructure:"min_face_area_ratio"`
	MinDetectionConfidence float64 `mapstructure:"min_detection_confidence"`
	MinBrightness          float64 `mapstructure:"min_brightness"`
	MaxBrightness          float64 `mapstructure:"max_brightness"`
	MinSharpness           float64 `mapstructure:"min_sharpness"`
}

// TrackingTimeout returns the face tracking timeout as a duration.
func (r RecognitionConfig) TrackingTimeout() time.Duration {
	return time.Duration(r.FaceTrackingTimeoutSeconds * float64(time.Second))
}

// MinPresenceDuration returns the minimum presence duration as a duration.
func (r RecognitionConfig) MinPresenceDuration() time.Duration {
	return time.Duration(r.MinPresenceDurationSeconds * float64(time.Second))
}

// Cooldown returns the per-track emission cooldown as a duration.
func (r RecognitionConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds * float64(time.Second))
}

// SweepInterval returns the eviction sweep interval as a duration.
func (r RecognitionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds * float64(time.Second))
}

// RegistryConfig holds settings for the unknown-person persistence queue.
type RegistryConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// MQTTConfig holds the MQTT client connection settings. The enroll topic
// carries known-face add/remove events from the external API layer; the
// events topic is where classification results are published.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	EnrollTopic string `mapstructure:"enroll_topic"`
	EventsTopic string `mapstructure:"events_topic"`
}

// StatsConfig holds settings for the periodic system stats snapshot.
type StatsConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Load reads the configuration file at the given path, applies defaults for
// missing values and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch re-reads the configuration whenever the file changes and hands the
// validated result to onChange. Invalid updates are logged and discarded.
func Watch(configPath string, onChange func(*Config)) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		log.Warnf("Config watch: could not read '%s': %v", configPath, err)
	}
	bindEnv(v)

	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Errorf("Config reload failed to unmarshal: %v", err)
			return
		}
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
		if err := cfg.Validate(); err != nil {
			log.Errorf("Config reload rejected: %v", err)
			return
		}
		log.Info("Configuration reloaded")
		onChange(&cfg)
	})
	v.WatchConfig()
}

// Validate checks the constraints that must hold for the engine to start.
func (c *Config) Validate() error {
	r := c.Recognition
	if r.EmbeddingDim <= 0 {
		return fmt.Errorf("recognition.embedding_dim must be positive, got %d", r.EmbeddingDim)
	}
	if r.MinBrightness >= r.MaxBrightness {
		return fmt.Errorf("recognition.min_brightness (%.1f) must be below max_brightness (%.1f)",
			r.MinBrightness, r.MaxBrightness)
	}
	if r.MatchThreshold <= 0 || r.MatchThreshold >= 1 {
		return fmt.Errorf("recognition.match_threshold must be in (0,1), got %.3f", r.MatchThreshold)
	}
	if r.MinFrameCount <= 0 {
		return fmt.Errorf("recognition.min_frame_count must be positive, got %d", r.MinFrameCount)
	}
	if c.Registry.QueueSize <= 0 {
		return fmt.Errorf("registry.queue_size must be positive, got %d", c.Registry.QueueSize)
	}
	if c.Registry.Workers <= 0 {
		return fmt.Errorf("registry.workers must be positive, got %d", c.Registry.Workers)
	}
	return nil
}

// bindEnv wires FACE_SENTRY_* environment overrides into a viper instance.
// Both Load and Watch use it, so a file-triggered reload honors the same
// overrides as the initial load.
func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("FACE_SENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3200)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.crop_dir", "/data/crops")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("db.file", "/data/face-sentry.db")

	v.SetDefault("recognition.embedding_dim", 512)
	v.SetDefault("recognition.match_threshold", 0.6)
	v.SetDefault("recognition.ann_enabled", true)
	v.SetDefault("recognition.track_match_threshold", 0.3)
	v.SetDefault("recognition.min_frame_count", 15)
	v.SetDefault("recognition.min_presence_duration_seconds", 3.0)
	v.SetDefault("recognition.cooldown_seconds", 60.0)
	v.SetDefault("recognition.face_tracking_timeout_seconds", 30.0)
	v.SetDefault("recognition.sweep_interval_seconds", 10.0)
	v.SetDefault("recognition.recurrence_threshold", 0.3)
	v.SetDefault("recognition.duplicate_suppression_threshold", 0.15)
	v.SetDefault("recognition.min_face_width", 40)
	v.SetDefault("recognition.min_face_height", 40)
	v.SetDefault("recognition.min_face_area_ratio", 0.001)
	v.SetDefault("recognition.min_detection_confidence", 0.5)
	v.SetDefault("recognition.min_brightness", 60.0)
	v.SetDefault("recognition.max_brightness", 200.0)
	v.SetDefault("recognition.min_sharpness", 50.0)

	v.SetDefault("registry.queue_size", 256)
	v.SetDefault("registry.workers", 2)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "face-sentry")
	v.SetDefault("mqtt.enroll_topic", "face-sentry/enroll")
	v.SetDefault("mqtt.events_topic", "face-sentry/events")

	v.SetDefault("stats.interval_seconds", 60)
}

// Runtime is the live view of the recognition settings shared by all engine
// components. Reads never block; Reload swaps the pointer atomically.
type Runtime struct {
	recognition atomic.Pointer[RecognitionConfig]
}

// NewRuntime creates a Runtime seeded with the given settings.
func NewRuntime(r RecognitionConfig) *Runtime {
	rt := &Runtime{}
	rt.recognition.Store(&r)
	return rt
}

// Recognition returns the current recognition settings.
func (rt *Runtime) Recognition() RecognitionConfig {
	return *rt.recognition.Load()
}

// Reload replaces the recognition settings.
func (rt *Runtime) Reload(r RecognitionConfig) {
	rt.recognition.Store(&r)
}
