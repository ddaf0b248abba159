// Package blob stores immutable named payloads on the local filesystem or in
// S3-compatible object storage.
package blob

import (
	"context"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store is a flat namespace of immutable blobs.
type Store interface {
	// Put writes a blob atomically: readers see either the old state or the
	// complete new blob, never a partial one.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// objectKey joins an object store prefix and a blob name, keeping a trailing
// slash so a directory-style prefix does not match sibling names.
func objectKey(prefix, name string) string {
	key := path.Join(prefix, name)
	if strings.HasSuffix(name, "/") && key != "" {
		key += "/"
	}
	return key
}

// blobName strips the store prefix from an object key.
func blobName(prefix, key string) string {
	name := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(name, "/")
}
