package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Matcher names accepted by RecognitionConfig.Matcher.
const (
	MatcherExact = "exact"
	MatcherHNSW  = "hnsw"
)

// Dedup policy names accepted by RecognitionConfig.Dedup.
const (
	DedupSession = "session"
	DedupProcess = "process"
)

type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Gallery     GalleryConfig     `yaml:"gallery"`
	Database    DatabaseConfig    `yaml:"database"`
	Inference   InferenceConfig   `yaml:"inference"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         LogConfig         `yaml:"log"`
}

type RecognitionConfig struct {
	Threshold     float64       `yaml:"threshold"`      // Euclidean distance; a probe matches only when strictly below
	MinConfidence float64       `yaml:"min_confidence"` // detections below this are discarded
	Padding       int           `yaml:"padding"`        // pixels added around every face box before cropping
	CropSize      int           `yaml:"crop_size"`      // square input size of the embedding model
	EmbedTimeout  time.Duration `yaml:"embed_timeout"`  // per-face embedding deadline
	Workers       int           `yaml:"workers"`        // frame worker pool size, defaults to NumCPU
	Matcher       string        `yaml:"matcher"`        // "exact" or "hnsw"
	Dedup         string        `yaml:"dedup"`          // "session" or "process"
}

type GalleryConfig struct {
	FallbackPath string `yaml:"fallback_path"` // local gob snapshot used when the database is unavailable
	Watch        bool   `yaml:"watch"`         // reload the gallery when the fallback file changes
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`            // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"` // Maximum open connections (default 10)
	MaxIdleConns int    `yaml:"max_idle_conns"` // Maximum idle connections (default 2)
	MariaDBDSN   string `yaml:"mariadb_dsn"`    // optional MariaDB gallery, e.g. attendance:secret@tcp(mariadb:3306)/attendance
}

type InferenceConfig struct {
	DetectorURL string `yaml:"detector_url"`
	EmbedderURL string `yaml:"embedder_url"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883, publishing is disabled when empty
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegativeInt is envInt that also accepts zero.
func envNonNegativeInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, keeping the default when unset or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// defaults parses the embedded defaults file.
func defaults() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return cfg
}

func Load() *Config {
	d := defaults()

	return &Config{
		Recognition: RecognitionConfig{
			Threshold:     envFloat("RECOGNITION_THRESHOLD", d.Recognition.Threshold),
			MinConfidence: envFloat("RECOGNITION_MIN_CONFIDENCE", d.Recognition.MinConfidence),
			Padding:       envNonNegativeInt("RECOGNITION_PADDING", d.Recognition.Padding),
			CropSize:      envInt("RECOGNITION_CROP_SIZE", d.Recognition.CropSize),
			EmbedTimeout:  envDuration("RECOGNITION_EMBED_TIMEOUT", d.Recognition.EmbedTimeout),
			Workers:       envInt("RECOGNITION_WORKERS", runtime.NumCPU()),
			Matcher:       envString("RECOGNITION_MATCHER", d.Recognition.Matcher),
			Dedup:         envString("RECOGNITION_DEDUP", d.Recognition.Dedup),
		},
		Gallery: GalleryConfig{
			FallbackPath: envString("GALLERY_FALLBACK_PATH", d.Gallery.FallbackPath),
			Watch:        envBool("GALLERY_WATCH", d.Gallery.Watch),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 2),
			MariaDBDSN:   os.Getenv("MARIADB_DSN"),
		},
		Inference: InferenceConfig{
			DetectorURL: envString("DETECTOR_URL", d.Inference.DetectorURL),
			EmbedderURL: envString("EMBEDDER_URL", d.Inference.EmbedderURL),
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			Topic:    envString("MQTT_TOPIC", d.MQTT.Topic),
			ClientID: envString("MQTT_CLIENT_ID", d.MQTT.ClientID),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		},
		Log: LogConfig{
			Level:  envString("ATTENDANCE_LOG_LEVEL", "info"),
			Format: envString("ATTENDANCE_LOG_FORMAT", "text"),
		},
	}
}

// Validate reports the first recognition setting that cannot work.
func (c *Config) Validate() error {
	r := c.Recognition
	switch {
	case r.Threshold <= 0:
		return fmt.Errorf("recognition threshold must be positive, got %v", r.Threshold)
	case r.MinConfidence < 0 || r.MinConfidence > 1:
		return fmt.Errorf("min confidence must be within [0, 1], got %v", r.MinConfidence)
	case r.Padding < 0:
		return fmt.Errorf("padding must not be negative, got %d", r.Padding)
	case r.CropSize <= 0:
		return fmt.Errorf("crop size must be positive, got %d", r.CropSize)
	case r.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", r.Workers)
	}
	if r.Matcher != MatcherExact && r.Matcher != MatcherHNSW {
		return fmt.Errorf("unknown matcher %q (want %q or %q)", r.Matcher, MatcherExact, MatcherHNSW)
	}
	if r.Dedup != DedupSession && r.Dedup != DedupProcess {
		return fmt.Errorf("unknown dedup policy %q (want %q or %q)", r.Dedup, DedupSession, DedupProcess)
	}
	if c.Database.URL == "" && c.Database.MariaDBDSN == "" && c.Gallery.FallbackPath == "" {
		return errors.New("no gallery source configured: set DATABASE_URL, MARIADB_DSN or GALLERY_FALLBACK_PATH")
	}
	return nil
}
