// Package resolve implements the unpacker's content lookup: given a
// ContentHash from a FileEntry, find out where the bytes actually live.
// The search order (included blobs, then local source directories, then
// packs, falling back to a standalone blob download) and the empty-file
// special case are an exact port of the reference unpacker's
// search_blob_hash, kept in the same priority order so that two
// independent unpackers make the same placement decision for any given
// hash. Hardlink entries are not resolved here: callers give them a
// KindHardlink Location from the entry type.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/wire"
)

// Kind identifies where a blob's payload was found.
type Kind int

const (
	KindInvalid Kind = iota
	KindIncluded
	KindLocal
	KindPacked
	KindStandalone
	KindEmpty
	KindHardlink
)

func (k Kind) String() string {
	switch k {
	case KindIncluded:
		return "included"
	case KindLocal:
		return "local"
	case KindPacked:
		return "packed"
	case KindStandalone:
		return "standalone"
	case KindEmpty:
		return "empty"
	case KindHardlink:
		return "hardlink"
	default:
		return "invalid"
	}
}

// Location is the result of a lookup: exactly one of the pointer fields is
// set, matching the Kind.
type Location struct {
	Kind  Kind
	Blob  *wire.BlobEntry
	Local *LocalCandidate
	Pack  *wire.PackEntry
}

// LocalCandidate is a file found in one of the unpacker's local source
// directories, a donor that can be copied instead of downloaded if its
// content hash matches what the manifest wants. Hash starts out lazy (size
// only) since hashing every local file up front would defeat the point of
// looking locally first; Resolve fills it in on demand, matching the
// original's "lazily calculate file hash if size matches" behavior.
type LocalCandidate struct {
	Root  string
	Entry walker.Entry
}

func (c *LocalCandidate) Path() string {
	return filepath.Join(c.Root, filepath.FromSlash(c.Entry.Path))
}

// Resolver holds everything a manifest's blob lookups need: the manifest's
// own included-blob table, the pack index with each pack's hash run, and
// whatever local source directories were given on the command line.
type Resolver struct {
	Blobs        []wire.BlobEntry
	PackEntries  []wire.PackEntry
	PackHashRuns [][]chash.ContentHash
	Local        []LocalCandidate
}

// LoadLocalSources walks each root and appends its regular/symlink files as
// donor candidates, mirroring extend_file_list being called once per
// command-line source directory.
func (r *Resolver) LoadLocalSources(roots []string) error {
	for _, root := range roots {
		entries, err := walker.Walk(root, walker.Options{IgnoreUnsupported: true})
		if err != nil {
			return fmt.Errorf("indexing local source %s: %w", root, err)
		}
		for _, e := range entries {
			if e.Kind != wire.EntryRegular && e.Kind != wire.EntrySymlink {
				continue
			}
			r.Local = append(r.Local, LocalCandidate{Root: root, Entry: e})
		}
	}
	return nil
}

// Resolve finds where the bytes for hash live, searching included blobs,
// then local donors, then packs, and finally reporting that a standalone
// download is needed. A zero-size hash always resolves to KindEmpty.
func (r *Resolver) Resolve(hash chash.ContentHash) (Location, error) {
	if hash.Size == 0 {
		return Location{Kind: KindEmpty}, nil
	}

	for i := range r.Blobs {
		if r.Blobs[i].ContentHash().Equal(hash) {
			return Location{Kind: KindIncluded, Blob: &r.Blobs[i]}, nil
		}
	}

	for i := range r.Local {
		cand := &r.Local[i]
		if cand.Entry.Hash.Size != hash.Size {
			continue
		}
		if cand.Entry.Hash.IsLazy() {
			computed, err := hashLocalCandidate(cand)
			if err != nil {
				return Location{}, err
			}
			cand.Entry.Hash = computed
		}
		if cand.Entry.Hash.Equal(hash) {
			return Location{Kind: KindLocal, Local: cand}, nil
		}
	}

	for i := range r.PackEntries {
		for _, h := range r.PackHashRuns[i] {
			if h.Equal(hash) {
				return Location{Kind: KindPacked, Pack: &r.PackEntries[i]}, nil
			}
		}
	}

	return Location{Kind: KindStandalone}, nil
}

func hashLocalCandidate(cand *LocalCandidate) (chash.ContentHash, error) {
	if cand.Entry.Kind == wire.EntrySymlink {
		return chash.SumBytes([]byte(cand.Entry.Target)), nil
	}

	data, err := os.ReadFile(cand.Path())
	if err != nil {
		return chash.ContentHash{}, fmt.Errorf("hashing local donor %s: %w", cand.Path(), err)
	}
	return chash.SumBytes(data), nil
}
