package models

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrSourceUnavailable is returned when the video bytes could not be obtained.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrExtractionFailed is returned when no frame decoded or inference failed.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrDimensionMismatch matches every *DimensionMismatchError via errors.Is.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmptyStore is returned when there is no stored vector to compare against.
	ErrEmptyStore = errors.New("store is empty")

	// ErrNotFound is returned when removing an unknown id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned when adding an id that is already stored.
	ErrDuplicateID = errors.New("record id already exists")

	// ErrStorageIO wraps failures of the durable backend.
	ErrStorageIO = errors.New("storage i/o error")

	// ErrNonFiniteVector is returned for vectors holding NaN or Inf.
	ErrNonFiniteVector = errors.New("vector has non-finite components")
)

// CheckFinite returns an error wrapping ErrNonFiniteVector when any
// component of v is NaN or infinite. Such vectors compare as NaN against
// everything and must never reach the store.
func CheckFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrNonFiniteVector, i, x)
		}
	}
	return nil
}

// DimensionMismatchError reports a vector whose length differs from the
// dimension of the loaded embedding model.
type DimensionMismatchError struct {
	ID       string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch for %s: expected %d, got %d", e.ID, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// StorageError wraps a backend failure so callers can match ErrStorageIO
// while keeping the underlying cause reachable.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageIO, err)
}
