package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Model    ModelConfig    `mapstructure:"model"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Source   SourceConfig   `mapstructure:"source"`
	Store    StoreConfig    `mapstructure:"store"`
	S3       S3Config       `mapstructure:"s3"`
	Minio    MinioConfig    `mapstructure:"minio"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

type ModelConfig struct {
	Path           string `mapstructure:"path"`
	LibraryPath    string `mapstructure:"library_path"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
	Dimension      int    `mapstructure:"dimension"`
	UseCUDA        bool   `mapstructure:"use_cuda"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	Workers        int    `mapstructure:"workers"`
	ResizeTo       int    `mapstructure:"resize"`
	CropSize       int    `mapstructure:"crop"`
	Normalize      bool   `mapstructure:"normalize"`
}

type FFmpegConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
}

type DedupConfig struct {
	// Threshold is τ, in squared L2 units of the configured model's output.
	Threshold                float64 `mapstructure:"threshold"`
	FrameStride              int     `mapstructure:"frame_stride"`
	FrameCap                 int     `mapstructure:"frame_cap"`
	MaxConcurrentExtractions int64   `mapstructure:"max_concurrent_extractions"`
	EmbedParallelism         int     `mapstructure:"embed_parallelism"`
}

type SourceConfig struct {
	// Downloader fetches URLs once before decoding. Empty streams them to
	// ffmpeg, which reads the input twice (probe, then decode).
	Downloader        string        `mapstructure:"downloader"`
	TempDir           string        `mapstructure:"temp_dir"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// Blob selects where the file backend keeps vector payloads: "local",
	// "s3" or "minio".
	Blob string `mapstructure:"blob"`
}

type S3Config struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Table    string `mapstructure:"table"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.time_format", "15:04:05")

	v.SetDefault("model.path", "models/resnet50.onnx")
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.dimension", 1000)
	v.SetDefault("model.use_cuda", false)
	v.SetDefault("model.intra_op_threads", 0)
	v.SetDefault("model.workers", 2)
	v.SetDefault("model.resize", 256)
	v.SetDefault("model.crop", 224)
	v.SetDefault("model.normalize", false)

	v.SetDefault("ffmpeg.ffmpeg_path", "ffmpeg")
	v.SetDefault("ffmpeg.ffprobe_path", "ffprobe")

	v.SetDefault("dedup.threshold", 0.5)
	v.SetDefault("dedup.frame_stride", 5)
	v.SetDefault("dedup.frame_cap", 10)
	v.SetDefault("dedup.max_concurrent_extractions", 2)
	v.SetDefault("dedup.embed_parallelism", 4)

	v.SetDefault("source.downloader", "yt-dlp")
	v.SetDefault("source.temp_dir", "")
	v.SetDefault("source.fetch_timeout", 5*time.Minute)
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("source.burst", 1)

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.blob", "local")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_ssl", true)
	v.SetDefault("minio.bucket", "")
	v.SetDefault("minio.prefix", "")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "viddedup")
	v.SetDefault("postgres.table", "video_records")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "viddedup")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults alone always unmarshal.
		panic(err)
	}
	return cfg
}

// Load reads configuration from an optional file and the environment.
// Environment variables use the VIDDEDUP_ prefix with "." replaced by "_",
// e.g. VIDDEDUP_DEDUP_THRESHOLD.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VIDDEDUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate returns an error for settings that cannot work and warnings for
// ones that are merely suspicious.
func (c *Config) Validate() ([]string, error) {
	var errs []error
	var warnings []string

	if c.Dedup.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be > 0, got %v", c.Dedup.Threshold))
	}
	if c.Dedup.FrameStride <= 0 {
		errs = append(errs, fmt.Errorf("dedup.frame_stride must be > 0, got %d", c.Dedup.FrameStride))
	}
	if c.Dedup.FrameCap <= 0 {
		errs = append(errs, fmt.Errorf("dedup.frame_cap must be > 0, got %d", c.Dedup.FrameCap))
	}
	if c.Model.Dimension < 0 {
		errs = append(errs, fmt.Errorf("model.dimension must be >= 0, got %d", c.Model.Dimension))
	}
	if c.Model.CropSize <= 0 || c.Model.ResizeTo < c.Model.CropSize {
		errs = append(errs, fmt.Errorf("model.resize (%d) must be >= model.crop (%d) > 0", c.Model.ResizeTo, c.Model.CropSize))
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file backend"))
		}
		switch c.Store.Blob {
		case "local":
		case "s3":
			if c.S3.Bucket == "" {
				errs = append(errs, errors.New("s3.bucket is required when store.blob is s3"))
			}
		case "minio":
			if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
				errs = append(errs, errors.New("minio.endpoint and minio.bucket are required when store.blob is minio"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown store.blob %q", c.Store.Blob))
		}
	case "postgres":
		if c.Store.Blob != "local" {
			warnings = append(warnings, "store.blob is ignored by the postgres backend")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("log.format %q is unknown, using text", c.Log.Format))
	}

	if c.Dedup.Threshold > 100 {
		warnings = append(warnings, fmt.Sprintf("dedup.threshold %v is very large; most videos will be reported as duplicates", c.Dedup.Threshold))
	}
	if c.Dedup.FrameCap > 1000 {
		warnings = append(warnings, fmt.Sprintf("dedup.frame_cap %d will make extraction slow", c.Dedup.FrameCap))
	}
	if c.Model.Normalize {
		warnings = append(warnings, "model.normalize changes the vector space; vectors stored without it are not comparable")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing.sample_rate %.2f is outside [0, 1]", c.Tracing.SampleRate))
	}

	return warnings, errors.Join(errs...)
}
