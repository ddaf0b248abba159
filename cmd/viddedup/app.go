package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/bdougie/viddedup/internal/blob"
	"github.com/bdougie/viddedup/internal/config"
	"github.com/bdougie/viddedup/internal/dedup"
	"github.com/bdougie/viddedup/internal/embeddings"
	"github.com/bdougie/viddedup/internal/extractor"
	"github.com/bdougie/viddedup/internal/matcher"
	"github.com/bdougie/viddedup/internal/models"
	"github.com/bdougie/viddedup/internal/observability"
	"github.com/bdougie/viddedup/internal/signature"
	"github.com/bdougie/viddedup/internal/source"
	"github.com/bdougie/viddedup/internal/storage"
)

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: cfg.TimeFormat,
	}))
}

// app holds the wired components for one command run.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	runtime   *embeddings.Runtime
	embedder  *embeddings.Service
	store     *storage.Store
	processor *dedup.Processor
	tracing   *observability.TracerProvider
}

// openApp wires the store and, when withModel is set, the extraction
// pipeline. The model is also loaded when the dimension has to be read from it.
func openApp(ctx context.Context, configPath string, withModel bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg.Log)
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(ctx)
		}
	}()

	a.tracing, err = observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	dimension := cfg.Model.Dimension
	var ex dedup.ContentExtractor
	if withModel || dimension == 0 {
		sig, dim, err := a.openModel(ctx)
		if err != nil {
			return nil, err
		}
		ex, dimension = sig, dim
	}

	backend, err := openBackend(ctx, cfg, dimension, logger)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.NewStore(backend, dimension, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := a.store.Load(ctx); err != nil {
		return nil, err
	}

	a.processor, err = dedup.NewProcessor(a.store, ex, matcher.NewLinearScan(matcher.SquaredL2, logger), dedup.Config{
		Threshold:                cfg.Dedup.Threshold,
		Defaults:                 models.SampleOptions{Stride: cfg.Dedup.FrameStride, Cap: cfg.Dedup.FrameCap},
		MaxConcurrentExtractions: cfg.Dedup.MaxConcurrentExtractions,
	}, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) openModel(ctx context.Context) (*signature.Extractor, int, error) {
	cfg := a.cfg
	a.runtime = embeddings.NewRuntime(cfg.Model.LibraryPath, a.logger)
	if err := a.runtime.Init(); err != nil {
		return nil, 0, err
	}

	pre := embeddings.DefaultPreprocessor()
	pre.ResizeTo = cfg.Model.ResizeTo
	pre.CropSize = cfg.Model.CropSize
	pre.Normalize = cfg.Model.Normalize

	model, err := a.runtime.ResolveModel(embeddings.ModelConfig{
		Path:           cfg.Model.Path,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		Dimension:      cfg.Model.Dimension,
		UseCUDA:        cfg.Model.UseCUDA,
		IntraOpThreads: cfg.Model.IntraOpThreads,
		Preprocess:     pre,
	})
	if err != nil {
		return nil, 0, err
	}

	a.embedder, err = embeddings.NewService(cfg.Model.Workers, func() (embeddings.Session, error) {
		return a.runtime.NewSession(model)
	}, pre, model.Dimension, a.logger)
	if err != nil {
		return nil, 0, err
	}
	a.logger.Debug("model loaded",
		"path", model.Path,
		"input", model.InputName,
		"output", model.OutputName,
		"dimension", model.Dimension,
		"workers", cfg.Model.Workers)

	resolver := source.NewResolver(source.Config{
		Downloader:        cfg.Source.Downloader,
		TempDir:           cfg.Source.TempDir,
		FetchTimeout:      cfg.Source.FetchTimeout,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
	}, a.logger)
	decoder := extractor.NewFFmpeg(cfg.FFmpeg.FFmpegPath, cfg.FFmpeg.FFprobePath)
	return signature.NewExtractor(resolver, decoder, a.embedder, cfg.Dedup.EmbedParallelism, a.logger), model.Dimension, nil
}

func postgresConfig(cfg *config.Config) storage.PostgresConfig {
	return storage.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     strconv.Itoa(cfg.Postgres.Port),
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
		Table:    cfg.Postgres.Table,
	}
}

func openBackend(ctx context.Context, cfg *config.Config, dimension int, logger *slog.Logger) (storage.Backend, error) {
	if cfg.Store.Backend == "postgres" {
		return storage.NewPostgresBackend(ctx, postgresConfig(cfg))
	}

	var blobs blob.Store
	switch cfg.Store.Blob {
	case "s3":
		s3Store, err := blob.NewS3StoreFromEnv(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			return nil, err
		}
		blobs = s3Store
	case "minio":
		minioStore, err := blob.DialMinio(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey,
			cfg.Minio.UseSSL, cfg.Minio.Bucket, cfg.Minio.Prefix)
		if err != nil {
			return nil, err
		}
		blobs = minioStore
	}
	return storage.NewFileBackend(cfg.Store.Dir, blobs, dimension, logger)
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

func describe(d models.Decision) string {
	switch d.Kind {
	case models.KindUnique:
		if d.ID == "" {
			return "unique"
		}
		return "unique, stored as " + d.ID
	case models.KindDuplicateByLocator:
		return "duplicate of " + d.MatchedID + " (same locator)"
	case models.KindDuplicateByContent:
		return fmt.Sprintf("duplicate of %s (distance %s)", d.MatchedID, strconv.FormatFloat(d.Distance, 'g', 6, 64))
	}
	return strings.ToLower(d.Kind.String())
}
