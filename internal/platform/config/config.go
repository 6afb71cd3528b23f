package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix shared by every environment variable the services read.
const EnvPrefix = "LIVE_"

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Config is the typed configuration shared by the ingest, worker and api services.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	HTTP    HTTPConfig    `koanf:"http"`
	Redis   RedisConfig   `koanf:"redis"`
	Storage StorageConfig `koanf:"storage"`
	HLS     HLSConfig     `koanf:"hls"`
	Encoder EncoderConfig `koanf:"encoder"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Sync    SyncConfig    `koanf:"sync"`
}

// LogConfig selects the slog level and handler format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// HTTPConfig configures the HTTP listener of each service.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// PublicURL is the externally reachable base of the ingest service, used
	// when handing out ingest URLs for new stream keys.
	PublicURL string `koanf:"public_url"`
}

// RedisConfig configures the event bus. Stream plays the role of the fanout
// exchange and Queue the durable named queue bound to it.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	Stream          string        `koanf:"stream"`
	Queue           string        `koanf:"queue"`
	Consumer        string        `koanf:"consumer"`
	MaxLen          int64         `koanf:"max_len"`
	BlockTimeout    time.Duration `koanf:"block_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectDelay    time.Duration `koanf:"connect_delay"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	// Provider is "s3" (S3 or MinIO) or "local".
	Provider     string        `koanf:"provider"`
	Endpoint     string        `koanf:"endpoint"`
	Region       string        `koanf:"region"`
	AccessKey    string        `koanf:"access_key"`
	SecretKey    string        `koanf:"secret_key"`
	Bucket       string        `koanf:"bucket"`
	UseSSL       bool          `koanf:"use_ssl"`
	PublicURL    string        `koanf:"public_url"`
	LocalRoot    string        `koanf:"local_root"`
	InitAttempts int           `koanf:"init_attempts"`
	InitDelay    time.Duration `koanf:"init_delay"`
}

// HLSConfig locates the encoder output on disk and on the wire.
type HLSConfig struct {
	OutputDir  string `koanf:"output_dir"`
	PublicPath string `koanf:"public_path"`
}

// EncoderConfig holds the ffmpeg invocation settings.
type EncoderConfig struct {
	Binary         string        `koanf:"binary"`
	SegmentSeconds int           `koanf:"segment_seconds"`
	ListSize       int           `koanf:"list_size"`
	Flags          string        `koanf:"flags"`
	InputQueue     int           `koanf:"input_queue"`
	StopTimeout    time.Duration `koanf:"stop_timeout"`
}

// IngestConfig configures the websocket ingest endpoint.
type IngestConfig struct {
	Path           string        `koanf:"path"`
	MaxFrameBytes  int64         `koanf:"max_frame_bytes"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

// SyncConfig controls when the worker uploads files and stops watching.
type SyncConfig struct {
	SettleInterval time.Duration `koanf:"settle_interval"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	StopGrace      time.Duration `koanf:"stop_grace"`
	UploadTimeout  time.Duration `koanf:"upload_timeout"`
}

var defaults = map[string]interface{}{
	"log.level":  "info",
	"log.format": "json",

	"http.addr":             ":8080",
	"http.shutdown_timeout": 10 * time.Second,
	"http.public_url":       "ws://localhost:3000",

	"redis.url":              "redis://localhost:6379/0",
	"redis.stream":           "stream_events_fanout",
	"redis.queue":            "stream_events",
	"redis.consumer":         "worker",
	"redis.max_len":          int64(10000),
	"redis.block_timeout":    2 * time.Second,
	"redis.connect_attempts": 5,
	"redis.connect_delay":    5 * time.Second,

	"storage.provider":      "s3",
	"storage.endpoint":      "localhost:9000",
	"storage.region":        "us-east-1",
	"storage.access_key":    "minioadmin",
	"storage.secret_key":    "minioadmin123",
	"storage.bucket":        "streams",
	"storage.use_ssl":       false,
	"storage.local_root":    "./object_store",
	"storage.init_attempts": 5,
	"storage.init_delay":    5 * time.Second,

	"hls.output_dir":  "./hls_output",
	"hls.public_path": "/hls",

	"encoder.binary":          "ffmpeg",
	"encoder.segment_seconds": 2,
	"encoder.list_size":       10,
	"encoder.flags":           "delete_segments+append_list",
	"encoder.input_queue":     256,
	"encoder.stop_timeout":    15 * time.Second,

	"ingest.path":            "/ws",
	"ingest.max_frame_bytes": int64(16 << 20),
	"ingest.publish_timeout": 5 * time.Second,

	"sync.settle_interval": time.Second,
	"sync.poll_interval":   100 * time.Millisecond,
	"sync.stop_grace":      5 * time.Second,
	"sync.upload_timeout":  30 * time.Second,
}

// New builds the configuration from defaults, an optional YAML file named by
// LIVE_CONFIG_FILE, and LIVE_* environment variables, in that order.
// LIVE_REDIS_URL maps to redis.url and LIVE_SYNC_SETTLE_INTERVAL to
// sync.settle_interval: only the first underscore after the prefix separates
// the section from the key.
func New() (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}
