// Package cachedir manages the unpacker's local scratch directory: the
// place downloaded manifests, packs, and blobs land before (and, if kept,
// after) a run. Grounded on the reference unpacker's cache handling in
// main(): a caller-supplied persistent directory is used as-is and left in
// place, otherwise a throwaway directory is created and removed at the end
// of the run unless told to keep it.
package cachedir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Dir is a scratch directory plus whether it should survive Close.
type Dir struct {
	Path string
	keep bool
}

// Open returns the given persistent directory, creating it if necessary,
// and always keeping it across Close (it was explicitly requested by the
// caller, so scrubbing it would be a surprise).
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", path, err)
	}
	return &Dir{Path: path, keep: true}, nil
}

// OpenTemp creates a fresh, uniquely-named scratch directory under base
// (os.TempDir() if base is empty) and scrubs it on Close unless Keep is
// called first.
func OpenTemp(base string) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}
	path := filepath.Join(base, "sfmf-cache-"+uuid.NewString())
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating scratch cache dir: %w", err)
	}
	return &Dir{Path: path, keep: false}, nil
}

// Keep marks the directory to survive Close.
func (d *Dir) Keep() {
	d.keep = true
}

// Join resolves name relative to the cache directory.
func (d *Dir) Join(name string) string {
	return filepath.Join(d.Path, name)
}

// Close removes the directory and its contents unless it is marked to be
// kept, matching the reference's "if (!opts->keep_cached_files) { ...
// remove ... }" cleanup.
func (d *Dir) Close() error {
	if d.keep {
		return nil
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("scrubbing cache dir %s: %w", d.Path, err)
	}
	return nil
}
