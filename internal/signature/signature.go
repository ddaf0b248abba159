// Package signature computes the content vector of a video: sampled frames
// are embedded and averaged.
package signature

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/viddedup/internal/extractor"
	"github.com/bdougie/viddedup/internal/models"
	"github.com/bdougie/viddedup/internal/source"
)

var tracer = otel.Tracer("github.com/bdougie/viddedup/internal/signature")

// Resolver supplies a decodable input for a locator
type Resolver interface {
	Resolve(ctx context.Context, locator string) (source.Resolved, error)
}

// Decoder opens a frame stream
type Decoder interface {
	Open(ctx context.Context, input string) (extractor.FrameSource, error)
}

// Embedder maps one frame to a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	Dimension() int
}

// Extractor runs the sampling, embedding and aggregation pipeline
type Extractor struct {
	resolver    Resolver
	decoder     Decoder
	embedder    Embedder
	parallelism int
	logger      *slog.Logger
}

// NewExtractor creates an extractor. parallelism bounds how many decoded
// frames of one video are held for embedding at once.
func NewExtractor(resolver Resolver, decoder Decoder, embedder Embedder, parallelism int, logger *slog.Logger) *Extractor {
	if parallelism <= 0 {
		parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		resolver:    resolver,
		decoder:     decoder,
		embedder:    embedder,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Dimension returns the length of the vectors Extract produces
func (e *Extractor) Dimension() int {
	return e.embedder.Dimension()
}

// Extract computes the content vector for locator. Errors wrap
// models.ErrSourceUnavailable when the locator cannot supply bytes and
// models.ErrExtractionFailed for everything after that.
func (e *Extractor) Extract(ctx context.Context, locator string, opts models.SampleOptions) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "signature.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("locator", locator),
		attribute.Int("stride", opts.Stride),
		attribute.Int("cap", opts.Cap),
	)

	vec, err := e.extract(ctx, locator, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vec, nil
}

func (e *Extractor) extract(ctx context.Context, locator string, opts models.SampleOptions) ([]float32, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	res, err := e.resolver.Resolve(ctx, locator)
	if err != nil {
		if !errors.Is(err, models.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
		}
		return nil, err
	}
	defer res.Close()

	// Streamed inputs are fetched while they decode, so the fetch timeout
	// covers the decoder. Embedding keeps the caller's context.
	decodeCtx := ctx
	if res.Timeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(ctx, res.Timeout)
		defer cancel()
	}
	fetchFailed := func(err error) error {
		if ctx.Err() == nil && errors.Is(decodeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: fetch timed out after %s: %w", models.ErrSourceUnavailable, res.Timeout, err)
		}
		return nil
	}

	start := time.Now()
	src, err := e.decoder.Open(decodeCtx, res.Input)
	if err != nil {
		if ferr := fetchFailed(err); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: %w", models.ErrExtractionFailed, err)
	}
	defer src.Close()

	sampler, err := extractor.NewSampler(src, opts)
	if err != nil {
		return nil, err
	}

	// Frames are decoded in order on this goroutine and embedded in parallel;
	// results are reassembled in frame order so the mean is deterministic.
	var (
		mu      sync.Mutex
		results = make(map[int][]float32)
		n       int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for {
		frame, err := sampler.Next()
		if errors.Is(err, io.EOF) {
			// A decoder killed at the deadline can look like a short video.
			if ferr := fetchFailed(decodeCtx.Err()); ferr != nil {
				_ = g.Wait()
				return nil, ferr
			}
			break
		}
		if err != nil {
			_ = g.Wait()
			if ferr := fetchFailed(err); ferr != nil {
				return nil, ferr
			}
			return nil, fmt.Errorf("%w: decode: %w", models.ErrExtractionFailed, err)
		}
		if gctx.Err() != nil {
			break
		}

		slot := n
		n++
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, frame.Image)
			if err != nil {
				return fmt.Errorf("frame %d: %w", frame.Index, err)
			}
			mu.Lock()
			results[slot] = vec
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %w", models.ErrExtractionFailed, err)
	}

	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = results[i]
	}
	mean, err := Mean(vectors)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("content vector computed",
		"locator", locator,
		"frames", len(vectors),
		"took", time.Since(start))
	return mean, nil
}
