// Package walker enumerates a source directory into the typed, hashed file
// list that classification and the manifest/pack writer consume. It walks
// in logical pre-order, never follows symlinks, and either hashes regular
// files eagerly (compressing as it goes, via pkg/stream) or marks them lazy
// for a caller that only needs sizes up front (used when scanning a donor
// tree, where hashing every byte up front would be wasted work for files
// the unpacker never ends up needing).
package walker

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/klauspost/compress/flate"
	"github.com/sirupsen/logrus"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/stream"
	"github.com/goopsie/rootpack/pkg/wire"
)

// ErrUnsupportedFileType is returned for filesystem entries that are
// neither a directory, regular file, symlink, device node, nor fifo (for
// example a socket encountered outside donor-scan mode).
var ErrUnsupportedFileType = errors.New("unsupported file type")

// Entry is the in-memory representation of one walked tree node, carrying
// everything the classification pass and the writer need. Duplicate and
// HardlinkIndex start at their zero/sentinel values and are only ever
// mutated by the classification dedup pass.
type Entry struct {
	Path  string // relative to the walk root, slash-separated
	Kind  wire.EntryType
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime uint64
	Dev   uint32 // rdev for device nodes; 0 otherwise (hardlink back-references live in HardlinkIndex)
	Inode uint64

	Size uint64
	Hash chash.ContentHash
	// Zsize is the compressed size of the payload; 0 if never compressed
	// (directories, fifos) or if hashing was deferred.
	Zsize uint64

	Target string // symlink target, only set for Kind == EntrySymlink

	Duplicate      bool
	HardlinkIndex  int // -1 until the dedup pass assigns a back-reference
}

// Options controls enumeration behavior.
type Options struct {
	// Hash requests eager SHA-1 + deflate-size computation for every
	// regular file and symlink target. When false, regular files are left
	// with a HashLazy ContentHash carrying only the stat size.
	Hash bool
	// IgnoreUnsupported downgrades unsupported file types (sockets aside,
	// which are always skipped) from a fatal error to a logged warning and a
	// skip. Donor
	// scanning always sets this.
	IgnoreUnsupported bool
	// CompressionLevel is passed to the deflate transform when Hash is true.
	CompressionLevel int
}

// Walk enumerates root in logical pre-order and returns the resulting entry
// list, indices matching walk order (the same order classification and the
// manifest filename table rely on for determinism).
func Walk(root string, opts Options) ([]Entry, error) {
	var entries []Entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}
		if rel == "." {
			rel = ""
		}
		rel = filepath.ToSlash(rel)

		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("stat unavailable for %s", path)
		}

		entry := Entry{
			Path:          rel,
			Mode:          stat.Mode,
			UID:           stat.Uid,
			GID:           stat.Gid,
			Mtime:         uint64(stat.Mtim.Sec),
			Inode:         stat.Ino,
			HardlinkIndex: -1,
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			entry.Kind = wire.EntrySymlink
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
			entry.Target = target
			entry.Hash = chash.SumBytes([]byte(target))
			entry.Size = uint64(len(target))

		case info.IsDir():
			entry.Kind = wire.EntryDirectory

		case info.Mode()&os.ModeCharDevice != 0:
			entry.Kind = wire.EntryCharDevice
			entry.Dev = uint32(stat.Rdev)

		case info.Mode()&os.ModeDevice != 0:
			entry.Kind = wire.EntryBlockDevice
			entry.Dev = uint32(stat.Rdev)

		case info.Mode()&os.ModeNamedPipe != 0:
			entry.Kind = wire.EntryFIFO

		case info.Mode()&os.ModeSocket != 0:
			return nil // sockets are always skipped, silently

		case info.Mode().IsRegular():
			entry.Kind = wire.EntryRegular
			entry.Size = uint64(info.Size())
			if entry.Size > 0 {
				if opts.Hash {
					h, zsize, err := hashFile(path, opts.CompressionLevel)
					if err != nil {
						return fmt.Errorf("hashing %s: %w", path, err)
					}
					entry.Hash = h
					entry.Zsize = zsize
				} else {
					entry.Hash = chash.Lazy(uint32(entry.Size))
				}
			}

		default:
			if !opts.IgnoreUnsupported {
				return fmt.Errorf("%s: %w", path, ErrUnsupportedFileType)
			}
			logrus.WithField("path", path).Warn("skipping unsupported file type")
			return nil
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// hashFile runs source bytes through a stream.Tee that fans the raw content
// to a SHA-1 sink and, in the same pass, to a deflate writer draining into a
// counting sink, computing a regular file's content hash and compressed
// size in one read (SPEC_FULL §4.1's rationale for the tee). The counting
// sink is what receives deflate's output, not the tee itself, so the hash
// sink still sees the uncompressed bytes the content hash is defined over.
func hashFile(path string, level int) (chash.ContentHash, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return chash.ContentHash{}, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if level == 0 {
		level = flate.DefaultCompression
	}

	zcount := &stream.CountingSink{}
	deflateWriter, err := flate.NewWriter(zcount, level)
	if err != nil {
		return chash.ContentHash{}, 0, fmt.Errorf("creating deflate writer: %w", err)
	}

	hashSink := stream.NewHashSink(sha1.New())
	tee := stream.Tee{A: hashSink, B: deflateWriter}

	if err := stream.Transfer(f, tee, nil); err != nil {
		return chash.ContentHash{}, 0, fmt.Errorf("hash+compress pass: %w", err)
	}
	if err := deflateWriter.Close(); err != nil {
		return chash.ContentHash{}, 0, fmt.Errorf("flushing deflate writer: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		return chash.ContentHash{}, 0, fmt.Errorf("stat %s: %w", path, err)
	}

	hash := chash.ContentHash{
		Size:     uint32(stat.Size()),
		HashType: chash.HashSHA1,
	}
	copy(hash.Digest[:], hashSink.Sum())

	return hash, uint64(zcount.N), nil
}

// SortBySize returns a copy of entries ordered by ascending min(size,
// zsize), used by callers that want a size-sorted view without disturbing
// the canonical enumeration order classification relies on.
func SortBySize(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return minSize(out[i]) < minSize(out[j])
	})
	return out
}

func minSize(e Entry) uint64 {
	if e.Zsize > 0 && e.Zsize < e.Size {
		return e.Zsize
	}
	return e.Size
}
