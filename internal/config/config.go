package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces every environment override, e.g. SUBTITLER_SERVER_PORT.
const EnvPrefix = "SUBTITLER_"

// Config holds runtime configuration for the subtitle service.
type Config struct {
	Env        string           `koanf:"env"`
	Server     ServerConfig     `koanf:"server"`
	Limits     LimitsConfig     `koanf:"limits"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Transcribe TranscribeConfig `koanf:"transcribe"`
	Render     RenderConfig     `koanf:"render"`
	Artifacts  ArtifactsConfig  `koanf:"artifacts"`
	Retention  RetentionConfig  `koanf:"retention"`
	Redis      RedisConfig      `koanf:"redis"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LimitsConfig struct {
	MaxUploadBytes    int64         `koanf:"max_upload_bytes"`
	MaxDuration       time.Duration `koanf:"max_duration"`
	AllowedExtensions []string      `koanf:"allowed_extensions"`
	RateCapacity      int           `koanf:"rate_capacity"`
	RateRefill        float64       `koanf:"rate_refill_per_sec"`
}

type PipelineConfig struct {
	Workers      int           `koanf:"workers"`
	StageTimeout time.Duration `koanf:"stage_timeout"`
	UploadDir    string        `koanf:"upload_dir"`
	WorkDir      string        `koanf:"work_dir"`
}

type TranscribeConfig struct {
	Binary      string `koanf:"binary"`
	Model       string `koanf:"model"`
	Language    string `koanf:"language"`
	Concurrency int    `koanf:"concurrency"`
}

type RenderConfig struct {
	FFmpeg  string `koanf:"ffmpeg"`
	FFprobe string `koanf:"ffprobe"`
	Preset  string `koanf:"preset"`
	CRF     int    `koanf:"crf"`
}

type ArtifactsConfig struct {
	Backend     string `koanf:"backend"`
	OutputDir   string `koanf:"output_dir"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3PathStyle bool   `koanf:"s3_path_style"`
	S3Prefix    string `koanf:"s3_prefix"`
}

type RetentionConfig struct {
	Window        time.Duration `koanf:"window"`
	DownloadGrace time.Duration `koanf:"download_grace"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"env": "dev",

		"server.port":             "8000",
		"server.shutdown_timeout": "15s",

		"limits.max_upload_bytes":    int64(100 * 1024 * 1024),
		"limits.max_duration":        "5m",
		"limits.allowed_extensions":  []string{".mp4"},
		"limits.rate_capacity":       20,
		"limits.rate_refill_per_sec": 0.2,

		"pipeline.workers":       3,
		"pipeline.stage_timeout": "10m",
		"pipeline.upload_dir":    "uploads",
		"pipeline.work_dir":      "work",

		"transcribe.binary":      "whisper",
		"transcribe.model":       "turbo",
		"transcribe.language":    "",
		"transcribe.concurrency": 1,

		"render.ffmpeg":  "ffmpeg",
		"render.ffprobe": "ffprobe",
		"render.preset":  "fast",
		"render.crf":     23,

		"artifacts.backend":    "local",
		"artifacts.output_dir": "outputs",
		"artifacts.s3_region":  "us-east-1",

		"retention.window":         "1h",
		"retention.download_grace": "5m",
		"retention.sweep_interval": "10m",

		"logging.level":  "info",
		"logging.format": "console",
	}
}

// Load reads defaults, then the optional TOML file, then SUBTITLER_* env vars.
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// SUBTITLER_LIMITS_MAX_UPLOAD_BYTES -> limits.max_upload_bytes. Only the
	// first underscore separates the section from the key.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".", 1)
		if mapped == "limits.allowed_extensions" {
			return mapped, splitList(value)
		}
		return mapped, value
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	// Convenience overrides shared with the rest of the stack.
	if v := os.Getenv("REDIS_ADDR"); v != "" && !k.Exists("redis.addr") {
		_ = k.Set("redis.addr", v)
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" && !k.Exists("postgres.dsn") {
		_ = k.Set("postgres.dsn", v)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Limits.MaxUploadBytes <= 0 {
		return fmt.Errorf("limits.max_upload_bytes must be positive")
	}
	if c.Limits.MaxDuration <= 0 {
		return fmt.Errorf("limits.max_duration must be positive")
	}
	switch c.Artifacts.Backend {
	case "local", "":
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			return fmt.Errorf("artifacts.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
