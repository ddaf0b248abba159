package matcher

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/viddedup/internal/models"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}))
	assert.Equal(t, 25.0, SquaredL2([]float32{0, 0}, []float32{3, 4}))
}

func TestLinearScan_Empty(t *testing.T) {
	s := NewLinearScan(nil, nil)
	_, err := s.Nearest([]float32{1, 2}, nil)
	assert.True(t, errors.Is(err, models.ErrEmptyStore))
}

func TestLinearScan_Nearest(t *testing.T) {
	now := time.Now()
	entries := []models.Entry{
		{ID: "far", CreatedAt: now, Vector: []float32{10, 10}},
		{ID: "near", CreatedAt: now, Vector: []float32{1, 0}},
		{ID: "mid", CreatedAt: now, Vector: []float32{2, 2}},
	}

	res, err := NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
	require.NoError(t, err)
	assert.Equal(t, "near", res.NearestID)
	assert.Equal(t, 1.0, res.Distance)
}

func TestLinearScan_TieBreak(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	vec := []float32{1, 1}

	t.Run("earliest_created_at", func(t *testing.T) {
		entries := []models.Entry{
			{ID: "a", CreatedAt: t0.Add(time.Second), Vector: vec},
			{ID: "z", CreatedAt: t0, Vector: vec},
		}
		res, err := NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
		require.NoError(t, err)
		assert.Equal(t, "z", res.NearestID)
	})

	t.Run("then_id", func(t *testing.T) {
		entries := []models.Entry{
			{ID: "b", CreatedAt: t0, Vector: vec},
			{ID: "a", CreatedAt: t0, Vector: vec},
			{ID: "c", CreatedAt: t0, Vector: vec},
		}
		res, err := NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
		require.NoError(t, err)
		assert.Equal(t, "a", res.NearestID)

		// Order of the input must not matter.
		entries[0], entries[2] = entries[2], entries[0]
		res, err = NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
		require.NoError(t, err)
		assert.Equal(t, "a", res.NearestID)
	})
}

func TestLinearScan_SkipsForeignDimension(t *testing.T) {
	entries := []models.Entry{
		{ID: "short", Vector: []float32{0}},
		{ID: "ok", Vector: []float32{3, 4}},
	}
	res, err := NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.NearestID)
	assert.Equal(t, 25.0, res.Distance)

	_, err = NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries[:1])
	assert.True(t, errors.Is(err, models.ErrEmptyStore))
}

func TestLinearScan_SkipsNaNDistance(t *testing.T) {
	nan := float32(math.NaN())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// The NaN entry is oldest, so it would be considered first on any tie.
	entries := []models.Entry{
		{ID: "broken", CreatedAt: t0, Vector: []float32{nan, 0}},
		{ID: "same", CreatedAt: t0.Add(time.Second), Vector: []float32{0, 0}},
		{ID: "far", CreatedAt: t0.Add(2 * time.Second), Vector: []float32{3, 4}},
	}
	res, err := NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries)
	require.NoError(t, err)
	assert.Equal(t, "same", res.NearestID)
	assert.Equal(t, 0.0, res.Distance)

	_, err = NewLinearScan(nil, nil).Nearest([]float32{0, 0}, entries[:1])
	assert.ErrorIs(t, err, models.ErrEmptyStore)

	_, err = NewLinearScan(nil, nil).Nearest([]float32{nan, 0}, entries[1:])
	assert.ErrorIs(t, err, models.ErrEmptyStore)
}

func TestLinearScan_CustomDistance(t *testing.T) {
	manhattan := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			if d < 0 {
				d = -d
			}
			sum += d
		}
		return sum
	}
	entries := []models.Entry{{ID: "x", Vector: []float32{3, 4}}}
	res, err := NewLinearScan(manhattan, nil).Nearest([]float32{0, 0}, entries)
	require.NoError(t, err)
	assert.Equal(t, 7.0, res.Distance)
}
