package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/viddedup/internal/models"
)

func TestBuild_CommitsInInputOrder(t *testing.T) {
	ex := newFakeExtractor().
		set("v1.mp4", 0, 0).
		set("v2.mp4", 0.1, 0). // near v1
		set("v3.mp4", 4, 4).
		set("v4.mp4", 4, 4.1) // near v3
	ex.delay = 2 * time.Millisecond
	p := newTestProcessor(t, openStore(t, t.TempDir(), nil), ex, 0.5)

	results, err := p.Build(context.Background(), []string{"v1.mp4", "v2.mp4", "v3.mp4", "v4.mp4", " v1.mp4 "}, models.SampleOptions{})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, models.Unique("id1"), results[0].Decision)
	assert.Equal(t, models.KindDuplicateByContent, results[1].Decision.Kind)
	assert.Equal(t, "id1", results[1].Decision.MatchedID)
	assert.Equal(t, models.Unique("id2"), results[2].Decision)
	assert.Equal(t, "id2", results[3].Decision.MatchedID)
	assert.Equal(t, models.DuplicateByLocator("id1"), results[4].Decision)
	assert.Equal(t, "v1.mp4", results[4].Locator)

	assert.Len(t, p.Records(), 2)
}

func TestBuild_ReportsFailuresAndContinues(t *testing.T) {
	ex := newFakeExtractor().set("ok.mp4", 1, 1)
	ex.errs["bad.mp4"] = fmt.Errorf("%w: corrupt", models.ErrExtractionFailed)
	p := newTestProcessor(t, openStore(t, t.TempDir(), nil), ex, 0.5)

	results, err := p.Build(context.Background(), []string{"bad.mp4", "ok.mp4"}, models.SampleOptions{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad.mp4")

	assert.ErrorIs(t, results[0].Err, models.ErrExtractionFailed)
	assert.Equal(t, models.Unique("id1"), results[1].Decision)
	assert.NoError(t, results[1].Err)
}

func TestBuild_SkipsKnownLocators(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExtractor().set("a.mp4", 1, 1)
	p := newTestProcessor(t, openStore(t, t.TempDir(), nil), ex, 0.5)
	_, err := p.Ingest(ctx, "a.mp4", models.SampleOptions{})
	require.NoError(t, err)

	results, err := p.Build(ctx, []string{"a.mp4"}, models.SampleOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.DuplicateByLocator("id1"), results[0].Decision)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestBuild_Empty(t *testing.T) {
	p := newTestProcessor(t, openStore(t, t.TempDir(), nil), newFakeExtractor(), 0.5)
	results, err := p.Build(context.Background(), nil, models.SampleOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ex := newFakeExtractor().set("a.mp4", 0, 0).set("b.mp4", 3, 3)
	p := newTestProcessor(t, openStore(t, dir, nil), ex, 0.5)
	_, err := p.Build(ctx, []string{"a.mp4", "b.mp4"}, models.SampleOptions{})
	require.NoError(t, err)
	require.Len(t, p.Records(), 2)

	n, err := p.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, p.Records())
	assert.Empty(t, openStore(t, dir, nil).Records())
}
