package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/viddedup/internal/blob"
	"github.com/bdougie/viddedup/internal/models"
)

const (
	// IndexFileName is the index document inside the store directory.
	IndexFileName = "index.json"

	// IndexVersion is the current index schema version.
	IndexVersion = 1

	payloadPrefix = "vectors/"
	payloadSuffix = ".vec"
)

// indexFile is the on-disk index: one entry per record, pointing at the
// blob that holds its vector.
type indexFile struct {
	Version   int          `json:"version"`
	Dimension int          `json:"dimension"`
	Records   []indexEntry `json:"records"`
}

type indexEntry struct {
	ID            string    `json:"id"`
	SourceLocator string    `json:"source_locator"`
	CreatedAt     time.Time `json:"created_at"`
	Payload       string    `json:"payload"`
}

// FileBackend keeps the index in a local JSON file and each vector in its own
// payload blob. The index rename is the commit point: a payload without an
// index entry is an orphan and is swept on the next load.
type FileBackend struct {
	mu        sync.Mutex
	dir       string
	blobs     blob.Store
	dimension int
	entries   []indexEntry
	loaded    bool
	logger    *slog.Logger
}

// NewFileBackend creates a backend rooted at dir. A nil blobs stores payloads
// under dir on the local filesystem.
func NewFileBackend(dir string, blobs blob.Store, dimension int, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory '%s': %w", dir, err)
	}
	if blobs == nil {
		local, err := blob.NewLocalStore(dir)
		if err != nil {
			return nil, err
		}
		blobs = local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{
		dir:       dir,
		blobs:     blobs,
		dimension: dimension,
		logger:    logger,
	}, nil
}

func payloadName(id string) string {
	return payloadPrefix + id + payloadSuffix
}

func (b *FileBackend) indexPath() string {
	return filepath.Join(b.dir, IndexFileName)
}

// Load reads the index and every referenced payload, then removes payloads
// no index entry points at.
func (b *FileBackend) Load(ctx context.Context) ([]Loaded, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.readIndex()
	if err != nil {
		return nil, err
	}
	if idx.Dimension != 0 && idx.Dimension != b.dimension {
		b.logger.Warn("store was built with a different embedding dimension",
			"stored", idx.Dimension, "model", b.dimension)
	}

	referenced := make(map[string]bool, len(idx.Records))
	loaded := make([]Loaded, 0, len(idx.Records))
	for _, e := range idx.Records {
		referenced[e.Payload] = true
		rec := models.VideoRecord{
			ID:            e.ID,
			SourceLocator: e.SourceLocator,
			CreatedAt:     e.CreatedAt,
		}

		data, err := b.blobs.Get(ctx, e.Payload)
		if err != nil {
			if !errors.Is(err, blob.ErrNotFound) {
				return nil, fmt.Errorf("read payload %s: %w", e.Payload, err)
			}
			loaded = append(loaded, Loaded{Record: rec, Err: fmt.Errorf("payload %s is missing", e.Payload)})
			continue
		}
		vec, err := DecodeVector(data)
		if err != nil {
			loaded = append(loaded, Loaded{Record: rec, Err: err})
			continue
		}
		rec.Vector = vec
		loaded = append(loaded, Loaded{Record: rec})
	}
	b.entries = idx.Records
	b.loaded = true

	b.sweepOrphans(ctx, referenced)
	return loaded, nil
}

// sweepOrphans deletes payloads left behind by an interrupted add or remove.
func (b *FileBackend) sweepOrphans(ctx context.Context, referenced map[string]bool) {
	names, err := b.blobs.List(ctx, payloadPrefix)
	if err != nil {
		b.logger.Warn("failed to list payloads for orphan sweep", "error", err)
		return
	}
	for _, name := range names {
		if referenced[name] || !strings.HasSuffix(name, payloadSuffix) {
			continue
		}
		if err := b.blobs.Delete(ctx, name); err != nil {
			b.logger.Warn("failed to delete orphan payload", "payload", name, "error", err)
			continue
		}
		b.logger.Info("deleted orphan payload", "payload", name)
	}
}

func (b *FileBackend) readIndex() (indexFile, error) {
	data, err := os.ReadFile(b.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return indexFile{Version: IndexVersion, Dimension: b.dimension}, nil
	}
	if err != nil {
		return indexFile{}, fmt.Errorf("failed to read index: %w", err)
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexFile{}, fmt.Errorf("failed to unmarshal index: %w", err)
	}
	if idx.Version != IndexVersion {
		return indexFile{}, fmt.Errorf("unsupported index version: %d (expected %d)", idx.Version, IndexVersion)
	}
	return idx, nil
}

func (b *FileBackend) writeIndex(entries []indexEntry) error {
	data, err := json.MarshalIndent(indexFile{
		Version:   IndexVersion,
		Dimension: b.dimension,
		Records:   entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := blob.WriteFileAtomic(b.indexPath(), data); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// ensureIndex reads the index if Load has not run, so a write never
// replaces an index it has not seen. Callers hold b.mu.
func (b *FileBackend) ensureIndex() error {
	if b.loaded {
		return nil
	}
	idx, err := b.readIndex()
	if err != nil {
		return err
	}
	b.entries = idx.Records
	b.loaded = true
	return nil
}

func (b *FileBackend) find(id string) int {
	return slices.IndexFunc(b.entries, func(e indexEntry) bool { return e.ID == id })
}

// Put writes the payload, then commits the index entry that references it.
func (b *FileBackend) Put(ctx context.Context, rec models.VideoRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureIndex(); err != nil {
		return err
	}
	if b.find(rec.ID) >= 0 {
		return fmt.Errorf("%w: %s", models.ErrDuplicateID, rec.ID)
	}

	name := payloadName(rec.ID)
	if err := b.blobs.Put(ctx, name, EncodeVector(rec.Vector)); err != nil {
		return fmt.Errorf("write payload %s: %w", name, err)
	}

	entries := append(slices.Clip(b.entries), indexEntry{
		ID:            rec.ID,
		SourceLocator: rec.SourceLocator,
		CreatedAt:     rec.CreatedAt,
		Payload:       name,
	})
	if err := b.writeIndex(entries); err != nil {
		if derr := b.blobs.Delete(context.WithoutCancel(ctx), name); derr != nil {
			b.logger.Warn("failed to roll back payload", "payload", name, "error", derr)
		}
		return err
	}
	b.entries = entries
	return nil
}

// Delete commits the index without the entry, then deletes the payload. A
// payload that cannot be deleted is left for the next orphan sweep.
func (b *FileBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureIndex(); err != nil {
		return err
	}
	i := b.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	payload := b.entries[i].Payload

	entries := slices.Delete(slices.Clone(b.entries), i, i+1)
	if err := b.writeIndex(entries); err != nil {
		return err
	}
	b.entries = entries

	if err := b.blobs.Delete(ctx, payload); err != nil {
		b.logger.Warn("failed to delete payload, leaving it for the orphan sweep", "payload", payload, "error", err)
	}
	return nil
}

// Close is a no-op; every write is already durable.
func (b *FileBackend) Close() error {
	return nil
}
