// Package matcher finds the stored vector closest to a query vector.
package matcher

import (
	"log/slog"
	"math"

	"github.com/bdougie/viddedup/internal/models"
)

// DistanceFunc returns the distance between two vectors of equal length.
// Lower values mean more similar.
type DistanceFunc func(a, b []float32) float64

// NearestNeighbor defines the contract for any nearest-neighbor search over
// a set of entries (exhaustive scan, or an approximate index later on).
//
// Implementations must break ties on equal distance by earliest CreatedAt,
// then by the lexicographically smallest ID, and must return
// models.ErrEmptyStore when no entry could be compared.
type NearestNeighbor interface {
	Nearest(query []float32, entries []models.Entry) (models.MatchResult, error)
}

// SquaredL2 is the squared Euclidean distance, accumulated in float64.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// LinearScan compares the query against every entry.
type LinearScan struct {
	distance DistanceFunc
	logger   *slog.Logger
}

// NewLinearScan creates an exact matcher. A nil distance defaults to SquaredL2.
func NewLinearScan(distance DistanceFunc, logger *slog.Logger) *LinearScan {
	if distance == nil {
		distance = SquaredL2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinearScan{distance: distance, logger: logger}
}

// Nearest returns the closest entry. Entries whose length differs from the
// query, or whose distance is NaN, are skipped and reported as a warning.
func (s *LinearScan) Nearest(query []float32, entries []models.Entry) (models.MatchResult, error) {
	var (
		best  *models.Entry
		bestD float64
	)
	for i := range entries {
		e := &entries[i]
		if len(e.Vector) != len(query) {
			s.logger.Warn("skipping record during match",
				"error", &models.DimensionMismatchError{ID: e.ID, Expected: len(query), Actual: len(e.Vector)})
			continue
		}
		d := s.distance(query, e.Vector)
		if math.IsNaN(d) {
			s.logger.Warn("skipping record during match", "id", e.ID, "error", "distance is NaN")
			continue
		}
		if best == nil || less(d, e, bestD, best) {
			best, bestD = e, d
		}
	}
	if best == nil {
		return models.MatchResult{}, models.ErrEmptyStore
	}
	return models.MatchResult{NearestID: best.ID, Distance: bestD}, nil
}

// less orders candidates by distance, then creation time, then id.
func less(d float64, e *models.Entry, bestD float64, best *models.Entry) bool {
	if d != bestD {
		return d < bestD
	}
	if !e.CreatedAt.Equal(best.CreatedAt) {
		return e.CreatedAt.Before(best.CreatedAt)
	}
	return e.ID < best.ID
}
