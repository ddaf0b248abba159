package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0.5, cfg.Dedup.Threshold)
	assert.Equal(t, 5, cfg.Dedup.FrameStride)
	assert.Equal(t, 10, cfg.Dedup.FrameCap)
	assert.Equal(t, 1000, cfg.Model.Dimension)
	assert.Equal(t, 256, cfg.Model.ResizeTo)
	assert.Equal(t, 224, cfg.Model.CropSize)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Source.FetchTimeout)
	assert.Equal(t, "yt-dlp", cfg.Source.Downloader)

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viddedup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dedup:
  threshold: 0.25
  frame_stride: 3
store:
  dir: /var/lib/viddedup
source:
  fetch_timeout: 30s
  downloader: ""
`), 0o644))
	t.Setenv("VIDDEDUP_DEDUP_FRAME_CAP", "20")
	t.Setenv("VIDDEDUP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Dedup.Threshold)
	assert.Equal(t, 3, cfg.Dedup.FrameStride)
	assert.Equal(t, 20, cfg.Dedup.FrameCap)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/viddedup", cfg.Store.Dir)
	assert.Equal(t, 30*time.Second, cfg.Source.FetchTimeout)
	assert.Empty(t, cfg.Source.Downloader, "an explicit empty downloader streams URLs to ffmpeg")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero_threshold", func(c *Config) { c.Dedup.Threshold = 0 }, "dedup.threshold"},
		{"negative_threshold", func(c *Config) { c.Dedup.Threshold = -1 }, "dedup.threshold"},
		{"zero_stride", func(c *Config) { c.Dedup.FrameStride = 0 }, "dedup.frame_stride"},
		{"zero_cap", func(c *Config) { c.Dedup.FrameCap = 0 }, "dedup.frame_cap"},
		{"negative_dimension", func(c *Config) { c.Model.Dimension = -1 }, "model.dimension"},
		{"crop_larger_than_resize", func(c *Config) { c.Model.CropSize = 300 }, "model.resize"},
		{"unknown_backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"unknown_blob", func(c *Config) { c.Store.Blob = "gcs" }, "store.blob"},
		{"s3_without_bucket", func(c *Config) { c.Store.Blob = "s3" }, "s3.bucket"},
		{"minio_without_endpoint", func(c *Config) { c.Store.Blob = "minio" }, "minio.endpoint"},
		{"file_without_dir", func(c *Config) { c.Store.Dir = "" }, "store.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			_, err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Dedup.Threshold = 1000
	cfg.Model.Normalize = true
	cfg.Tracing.SampleRate = 2

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	joined := strings.Join(warnings, "\n")
	for _, want := range []string{"log.format", "dedup.threshold", "model.normalize", "tracing.sample_rate"} {
		assert.Contains(t, joined, want)
	}
}
