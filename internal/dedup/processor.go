// Package dedup classifies videos against the vector store and commits the
// unique ones.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bdougie/viddedup/internal/matcher"
	"github.com/bdougie/viddedup/internal/models"
	"github.com/bdougie/viddedup/internal/source"
	"github.com/bdougie/viddedup/internal/storage"
)

var tracer = otel.Tracer("github.com/bdougie/viddedup/internal/dedup")

// Processing states, logged and recorded as span events.
const (
	stateReceived           = "received"
	stateDuplicateByLocator = "duplicate_by_locator"
	stateExtracting         = "extracting"
	stateFailed             = "failed"
	stateEmbeddingReady     = "embedding_ready"
	stateMatching           = "matching"
	stateUnique             = "unique"
	stateDuplicateByContent = "duplicate_by_content"
	statePersisted          = "persisted"
)

// ContentExtractor computes the content vector of a video
type ContentExtractor interface {
	Extract(ctx context.Context, locator string, opts models.SampleOptions) ([]float32, error)
}

// Config holds the classification parameters
type Config struct {
	// Threshold is τ: a distance strictly below it is a duplicate.
	Threshold float64
	// Defaults fill in zero fields of per-request SampleOptions.
	Defaults                 models.SampleOptions
	MaxConcurrentExtractions int64
}

type Processor struct {
	store     *storage.Store
	extractor ContentExtractor
	nn        matcher.NearestNeighbor
	cfg       Config
	sem       *semaphore.Weighted
	logger    *slog.Logger
	newID     func() string

	// mu serializes match-and-persist and removal so two ingests cannot
	// both commit the same content or locator.
	mu sync.Mutex
}

func NewProcessor(store *storage.Store, extractor ContentExtractor, nn matcher.NearestNeighbor, cfg Config, logger *slog.Logger) (*Processor, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be > 0, got %v", cfg.Threshold)
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default sample options: %w", err)
	}
	if cfg.MaxConcurrentExtractions <= 0 {
		cfg.MaxConcurrentExtractions = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		nn:        nn,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentExtractions),
		logger:    logger,
		newID:     uuid.NewString,
	}, nil
}

// Threshold returns τ
func (p *Processor) Threshold() float64 {
	return p.cfg.Threshold
}

func (p *Processor) options(opts models.SampleOptions) models.SampleOptions {
	if opts.Stride == 0 {
		opts.Stride = p.cfg.Defaults.Stride
	}
	if opts.Cap == 0 {
		opts.Cap = p.cfg.Defaults.Cap
	}
	return opts
}

func (p *Processor) transition(span trace.Span, locator, state string, attrs ...any) {
	span.AddEvent(state)
	p.logger.Debug("video state", append([]any{"locator", locator, "state", state}, attrs...)...)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Ingest classifies the video at locator and commits it when unique. A
// Unique decision is only returned after the record is durably stored.
func (p *Processor) Ingest(ctx context.Context, locator string, opts models.SampleOptions) (models.Decision, error) {
	locator = source.Normalize(locator)
	ctx, span := tracer.Start(ctx, "dedup.Ingest", trace.WithAttributes(attribute.String("locator", locator)))
	defer span.End()
	p.transition(span, locator, stateReceived)

	if rec, ok := p.store.FindByLocator(locator); ok {
		p.transition(span, locator, stateDuplicateByLocator, "matched_id", rec.ID)
		return models.DuplicateByLocator(rec.ID), nil
	}

	vec, err := p.extract(ctx, span, locator, opts)
	if err != nil {
		return models.Decision{}, fail(span, err)
	}

	d, err := p.commit(ctx, span, locator, vec)
	if err != nil {
		return models.Decision{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("decision", d.Kind.String()))
	return d, nil
}

// Query classifies the video at locator without changing the store. It
// returns models.ErrEmptyStore when there is nothing to compare against.
func (p *Processor) Query(ctx context.Context, locator string, opts models.SampleOptions) (models.Decision, error) {
	locator = source.Normalize(locator)
	ctx, span := tracer.Start(ctx, "dedup.Query", trace.WithAttributes(attribute.String("locator", locator)))
	defer span.End()
	p.transition(span, locator, stateReceived)

	if rec, ok := p.store.FindByLocator(locator); ok {
		p.transition(span, locator, stateDuplicateByLocator, "matched_id", rec.ID)
		return models.DuplicateByLocator(rec.ID), nil
	}

	vec, err := p.extract(ctx, span, locator, opts)
	if err != nil {
		return models.Decision{}, fail(span, err)
	}

	d, err := p.classify(ctx, span, locator, vec)
	if err != nil {
		return models.Decision{}, fail(span, err)
	}
	return d, nil
}

// QueryVector classifies a precomputed content vector without changing the store
func (p *Processor) QueryVector(ctx context.Context, vector []float32) (models.Decision, error) {
	ctx, span := tracer.Start(ctx, "dedup.QueryVector")
	defer span.End()

	if len(vector) != p.store.Dimension() {
		return models.Decision{}, fail(span, &models.DimensionMismatchError{Expected: p.store.Dimension(), Actual: len(vector)})
	}
	if err := models.CheckFinite(vector); err != nil {
		return models.Decision{}, fail(span, err)
	}
	d, err := p.classify(ctx, span, "", vector)
	if err != nil {
		return models.Decision{}, fail(span, err)
	}
	return d, nil
}

// Remove deletes a stored record
func (p *Processor) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Remove(ctx, id); err != nil {
		return err
	}
	p.logger.Info("record removed", "id", id)
	return nil
}

// Records lists the visible records, oldest first
func (p *Processor) Records() []models.VideoRecord {
	return p.store.Records()
}

// Excluded lists stored records hidden from matching and why
func (p *Processor) Excluded() map[string]error {
	return p.store.Excluded()
}

func (p *Processor) extract(ctx context.Context, span trace.Span, locator string, opts models.SampleOptions) ([]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	p.transition(span, locator, stateExtracting)
	vec, err := p.extractor.Extract(ctx, locator, p.options(opts))
	if err != nil {
		p.transition(span, locator, stateFailed, "error", err)
		return nil, err
	}
	if len(vec) != p.store.Dimension() {
		err := fmt.Errorf("%w: %w", models.ErrExtractionFailed,
			&models.DimensionMismatchError{Expected: p.store.Dimension(), Actual: len(vec)})
		p.transition(span, locator, stateFailed, "error", err)
		return nil, err
	}
	if err := models.CheckFinite(vec); err != nil {
		err = fmt.Errorf("%w: %w", models.ErrExtractionFailed, err)
		p.transition(span, locator, stateFailed, "error", err)
		return nil, err
	}
	p.transition(span, locator, stateEmbeddingReady)
	return vec, nil
}

// nearest finds the closest visible record.
func (p *Processor) nearest(ctx context.Context, span trace.Span, locator string, vec []float32) (models.MatchResult, error) {
	_, mspan := tracer.Start(ctx, "dedup.match")
	defer mspan.End()
	p.transition(span, locator, stateMatching)

	entries := p.store.List()
	mspan.SetAttributes(attribute.Int("entries", len(entries)))
	return p.nn.Nearest(vec, entries)
}

// decide applies the exclusive threshold to a match.
func (p *Processor) decide(span trace.Span, locator string, res models.MatchResult) models.Decision {
	if res.Distance < p.cfg.Threshold {
		p.transition(span, locator, stateDuplicateByContent, "matched_id", res.NearestID, "distance", res.Distance)
		return models.DuplicateByContent(res.NearestID, res.Distance)
	}
	p.transition(span, locator, stateUnique, "nearest_id", res.NearestID, "distance", res.Distance)
	return models.Unique("")
}

func (p *Processor) classify(ctx context.Context, span trace.Span, locator string, vec []float32) (models.Decision, error) {
	res, err := p.nearest(ctx, span, locator, vec)
	if err != nil {
		return models.Decision{}, err
	}
	return p.decide(span, locator, res), nil
}

// commit runs match-then-persist under p.mu. It ignores cancellation of ctx
// so a started commit always finishes.
func (p *Processor) commit(ctx context.Context, span trace.Span, locator string, vec []float32) (models.Decision, error) {
	ctx = context.WithoutCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	// Another ingest of the same locator may have committed while this one
	// was extracting.
	if rec, ok := p.store.FindByLocator(locator); ok {
		p.transition(span, locator, stateDuplicateByLocator, "matched_id", rec.ID)
		return models.DuplicateByLocator(rec.ID), nil
	}

	res, err := p.nearest(ctx, span, locator, vec)
	switch {
	case errors.Is(err, models.ErrEmptyStore):
		p.transition(span, locator, stateUnique, "nearest_id", "")
	case err != nil:
		return models.Decision{}, err
	default:
		if d := p.decide(span, locator, res); d.IsDuplicate() {
			return d, nil
		}
	}

	_, pspan := tracer.Start(ctx, "dedup.persist")
	defer pspan.End()
	id := p.newID()
	pspan.SetAttributes(attribute.String("id", id))
	if _, err := p.store.Add(ctx, id, vec, locator); err != nil {
		return models.Decision{}, fail(pspan, err)
	}
	p.transition(span, locator, statePersisted, "id", id)
	p.logger.Info("unique video stored", "id", id, "locator", locator)
	return models.Unique(id), nil
}
