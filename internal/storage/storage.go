package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bdougie/viddedup/internal/models"
)

// Loaded is one record read back from durable storage. Err is set when the
// record exists but its vector could not be decoded.
type Loaded struct {
	Record models.VideoRecord
	Err    error
}

// Backend defines the durable half of the vector store.
type Backend interface {
	// Load reads every stored record.
	Load(ctx context.Context) ([]Loaded, error)

	// Put durably writes a complete record. It must be atomic: after a
	// crash the record is either absent or complete.
	Put(ctx context.Context, rec models.VideoRecord) error

	// Delete removes a record and its vector payload. It returns
	// models.ErrNotFound if the id is unknown.
	Delete(ctx context.Context, id string) error

	// Close releases resources held by the backend.
	Close() error
}

// Store is the memory-resident set of video records backed by a durable
// Backend. Every mutation is written through before it becomes visible.
type Store struct {
	mu        sync.RWMutex
	backend   Backend
	dimension int
	logger    *slog.Logger
	now       func() time.Time

	records   map[string]models.VideoRecord
	byLocator map[string]string
	excluded  map[string]error
}

// NewStore creates a store for vectors of the given dimension.
func NewStore(backend Backend, dimension int, logger *slog.Logger) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be > 0, got %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		dimension: dimension,
		logger:    logger,
		now:       time.Now,
		records:   make(map[string]models.VideoRecord),
		byLocator: make(map[string]string),
		excluded:  make(map[string]error),
	}, nil
}

// Dimension returns D, the length every visible vector has.
func (s *Store) Dimension() int {
	return s.dimension
}

// Load replaces the in-memory state with the backend contents. Records that
// fail to decode, have a foreign dimension or hold non-finite components
// stay in storage but are not visible to matching.
func (s *Store) Load(ctx context.Context) error {
	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return models.StorageError("load store", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]models.VideoRecord, len(loaded))
	s.byLocator = make(map[string]string, len(loaded))
	s.excluded = make(map[string]error)

	// Oldest first so a repeated locator resolves to its earliest record.
	sort.Slice(loaded, func(i, j int) bool {
		return entryLess(loaded[i].Record, loaded[j].Record)
	})

	for _, l := range loaded {
		rec := l.Record
		reason := l.Err
		if reason == nil && len(rec.Vector) != s.dimension {
			reason = &models.DimensionMismatchError{ID: rec.ID, Expected: s.dimension, Actual: len(rec.Vector)}
		}
		if reason == nil {
			reason = models.CheckFinite(rec.Vector)
		}
		if reason != nil {
			s.excluded[rec.ID] = reason
			s.logger.Warn("excluding stored record from matching", "id", rec.ID, "error", reason)
			continue
		}
		s.records[rec.ID] = rec
		if _, ok := s.byLocator[rec.SourceLocator]; !ok {
			s.byLocator[rec.SourceLocator] = rec.ID
		}
	}

	s.logger.Info("vector store loaded",
		"records", len(s.records),
		"excluded", len(s.excluded),
		"dimension", s.dimension)
	return nil
}

// Add durably stores a new record and then makes it visible.
func (s *Store) Add(ctx context.Context, id string, vector []float32, locator string) (models.VideoRecord, error) {
	if !validID(id) {
		return models.VideoRecord{}, fmt.Errorf("invalid record id %q", id)
	}
	if len(vector) != s.dimension {
		return models.VideoRecord{}, &models.DimensionMismatchError{ID: id, Expected: s.dimension, Actual: len(vector)}
	}
	if err := models.CheckFinite(vector); err != nil {
		return models.VideoRecord{}, fmt.Errorf("record %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return models.VideoRecord{}, fmt.Errorf("%w: %s", models.ErrDuplicateID, id)
	}
	if _, ok := s.excluded[id]; ok {
		return models.VideoRecord{}, fmt.Errorf("%w: %s", models.ErrDuplicateID, id)
	}

	rec := models.VideoRecord{
		ID:            id,
		SourceLocator: locator,
		// Microsecond precision survives every backend unchanged.
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
		Vector:    slices.Clone(vector),
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		if errors.Is(err, models.ErrDuplicateID) {
			return models.VideoRecord{}, err
		}
		return models.VideoRecord{}, models.StorageError("add record", err)
	}

	s.records[id] = rec
	if _, ok := s.byLocator[locator]; !ok {
		s.byLocator[locator] = id
	}
	return rec, nil
}

// Remove deletes a record, visible or excluded, from storage and memory.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, visible := s.records[id]
	_, hidden := s.excluded[id]
	if !visible && !hidden {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return models.StorageError("remove record", err)
	}

	delete(s.excluded, id)
	if visible {
		delete(s.records, id)
		if s.byLocator[rec.SourceLocator] == id {
			delete(s.byLocator, rec.SourceLocator)
			s.reindexLocator(rec.SourceLocator)
		}
	}
	return nil
}

// reindexLocator points locator at its oldest remaining record, if any.
// Callers hold s.mu.
func (s *Store) reindexLocator(locator string) {
	var best *models.VideoRecord
	for _, r := range s.records {
		if r.SourceLocator != locator {
			continue
		}
		if best == nil || entryLess(r, *best) {
			best = &r
		}
	}
	if best != nil {
		s.byLocator[locator] = best.ID
	}
}

// List returns every visible record as a matching entry, oldest first.
func (s *Store) List() []models.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.Entry, 0, len(s.records))
	for _, r := range s.records {
		entries = append(entries, r.Entry())
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Records returns the visible records, oldest first.
func (s *Store) Records() []models.VideoRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.VideoRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out
}

// Excluded returns the ids kept in storage but hidden from matching, with
// the reason each was excluded.
func (s *Store) Excluded() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]error, len(s.excluded))
	for id, reason := range s.excluded {
		out[id] = reason
	}
	return out
}

// FindByLocator returns the visible record ingested from locator.
func (s *Store) FindByLocator(locator string) (models.VideoRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocator[locator]
	if !ok {
		return models.VideoRecord{}, false
	}
	return s.records[id], true
}

// Len returns the number of visible records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// validID accepts ids that are safe to embed in blob names.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func entryLess(a, b models.VideoRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
