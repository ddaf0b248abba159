package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdougie/viddedup/internal/models"
	"github.com/bdougie/viddedup/internal/source"
)

const maxBuildWorkers = 4

// BuildResult is the outcome for one video of a Build
type BuildResult struct {
	Locator  string
	Decision models.Decision
	Err      error
}

type buildWork struct {
	index   int
	locator string
}

type extracted struct {
	vector []float32
	err    error
}

// Build ingests every locator. Content vectors are computed by a worker pool
// and then committed in input order, so which of two duplicates is kept does
// not depend on scheduling. Failures of single videos do not stop the build.
func (p *Processor) Build(ctx context.Context, locators []string, opts models.SampleOptions) ([]BuildResult, error) {
	ctx, span := tracer.Start(ctx, "dedup.Build", trace.WithAttributes(attribute.Int("videos", len(locators))))
	defer span.End()

	results := make([]BuildResult, len(locators))
	vectors := make([]extracted, len(locators))
	workChan := make(chan buildWork, len(locators))

	remaining := atomic.Int64{}
	remaining.Store(int64(len(locators)))

	var wg sync.WaitGroup
	for i := 0; i < min(maxBuildWorkers, len(locators)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				// Locators already stored skip extraction entirely.
				if _, ok := p.store.FindByLocator(work.locator); !ok {
					vec, err := p.extract(ctx, span, work.locator, opts)
					vectors[work.index] = extracted{vector: vec, err: err}
				}
				left := remaining.Add(-1)
				p.logger.Debug("build progress", "locator", work.locator, "remaining", left, "total", len(locators))
			}
		}()
	}

	for i, loc := range locators {
		loc = source.Normalize(loc)
		results[i].Locator = loc
		workChan <- buildWork{index: i, locator: loc}
	}
	close(workChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}

	var failures []string
	for i := range results {
		r := &results[i]
		if rec, ok := p.store.FindByLocator(r.Locator); ok {
			r.Decision = models.DuplicateByLocator(rec.ID)
			continue
		}
		if err := vectors[i].err; err != nil {
			r.Err = err
		} else {
			r.Decision, r.Err = p.commit(ctx, span, r.Locator, vectors[i].vector)
		}
		if r.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Locator, r.Err))
		}
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("encountered errors during build: %s", strings.Join(failures, "; "))
	}
	return results, nil
}

// Reset removes every stored record, including ones hidden from matching.
func (p *Processor) Reset(ctx context.Context) (int, error) {
	ids := make([]string, 0, p.store.Len())
	for _, rec := range p.store.Records() {
		ids = append(ids, rec.ID)
	}
	for id := range p.store.Excluded() {
		ids = append(ids, id)
	}

	for i, id := range ids {
		if err := p.Remove(ctx, id); err != nil {
			return i, fmt.Errorf("reset after %d of %d records: %w", i, len(ids), err)
		}
	}
	return len(ids), nil
}
