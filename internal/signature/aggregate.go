package signature

import (
	"fmt"

	"github.com/bdougie/viddedup/internal/models"
)

// Mean returns the elementwise mean of vectors, accumulated in float64 in
// order. It never returns a zero vector for empty input, and fails rather
// than return a vector with NaN or Inf components.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no frame embeddings", models.ErrExtractionFailed)
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty frame embedding", models.ErrExtractionFailed)
	}

	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: frame embedding %d has length %d, expected %d",
				models.ErrExtractionFailed, i, len(v), dim)
		}
		if err := models.CheckFinite(v); err != nil {
			return nil, fmt.Errorf("%w: frame embedding %d: %w", models.ErrExtractionFailed, i, err)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	n := float64(len(vectors))
	mean := make([]float32, dim)
	for j, s := range sum {
		mean[j] = float32(s / n)
	}
	return mean, nil
}
