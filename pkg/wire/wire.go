// Package wire implements the two on-disk binary container formats: the
// manifest ("SFMF") and the pack ("SFPF"). Both are big-endian,
// fixed-width-struct-then-variable-region layouts; see SPEC_FULL.md §6 for
// the authoritative byte-for-byte description this package follows.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/goopsie/rootpack/pkg/chash"
)

const (
	ManifestMagic   uint32 = 0x53464D46 // "SFMF"
	PackMagic       uint32 = 0x53465046 // "SFPF"
	FormatVersion   uint32 = 1
)

// EntryType enumerates the kinds of tree node a FileEntry can describe.
type EntryType uint32

const (
	EntryUnknown EntryType = iota
	EntryDirectory
	EntryRegular
	EntrySymlink
	EntryCharDevice
	EntryFIFO
	EntryHardlink
	EntryBlockDevice
)

func (t EntryType) String() string {
	switch t {
	case EntryDirectory:
		return "directory"
	case EntryRegular:
		return "regular"
	case EntrySymlink:
		return "symlink"
	case EntryCharDevice:
		return "char_device"
	case EntryFIFO:
		return "fifo"
	case EntryHardlink:
		return "hardlink"
	case EntryBlockDevice:
		return "block_device"
	default:
		return "unknown"
	}
}

// ManifestHeader is the 28-byte fixed header at the start of a .sfmf file.
type ManifestHeader struct {
	Magic             uint32
	Version           uint32
	MetadataSize      uint32
	FilenameTableSize uint32
	EntriesLength     uint32
	PacksLength       uint32
	BlobsLength       uint32
}

func (h *ManifestHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("marshal manifest header: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *ManifestHeader) UnmarshalBinary(data []byte) error {
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return fmt.Errorf("unmarshal manifest header: %w", err)
	}
	return h.Validate()
}

func (h *ManifestHeader) Validate() error {
	if h.Magic != ManifestMagic {
		return fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrBadMagic, h.Magic, ManifestMagic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	return nil
}

// PackHeader is the 16-byte fixed header at the start of a .pack file.
type PackHeader struct {
	Magic        uint32
	Version      uint32
	MetadataSize uint32
	BlobsLength  uint32
}

func (h *PackHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("marshal pack header: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *PackHeader) UnmarshalBinary(data []byte) error {
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return fmt.Errorf("unmarshal pack header: %w", err)
	}
	return h.Validate()
}

func (h *PackHeader) Validate() error {
	if h.Magic != PackMagic {
		return fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrBadMagic, h.Magic, PackMagic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	return nil
}

// wireHash mirrors chash.ContentHash in the exact 28-byte on-disk shape
// (size, hashtype, digest), kept distinct from chash.ContentHash so this
// package's binary.Write/Read calls see only fixed-size fields.
type wireHash struct {
	Size     uint32
	HashType uint32
	Digest   [chash.DigestSize]byte
}

func toWire(h chash.ContentHash) wireHash {
	return wireHash{Size: h.Size, HashType: uint32(h.HashType), Digest: h.Digest}
}

func fromWire(w wireHash) chash.ContentHash {
	return chash.ContentHash{Size: w.Size, HashType: chash.HashType(w.HashType), Digest: w.Digest}
}

// FileEntry is the fixed-width on-disk record for one tree node: 64 bytes
// on the wire (FileEntrySize), laid out field by field as in SPEC_FULL.md §6.
type FileEntry struct {
	Type           uint32
	Mode           uint32
	UID            uint32
	GID            uint32
	Mtime          uint64
	Dev            uint32
	Zsize          uint32
	Hash           wireHash
	FilenameOffset uint32
}

func NewFileEntry(kind EntryType, mode, uid, gid uint32, mtime uint64, dev, zsize uint32, hash chash.ContentHash, filenameOffset uint32) FileEntry {
	return FileEntry{
		Type:           uint32(kind),
		Mode:           mode,
		UID:            uid,
		GID:            gid,
		Mtime:          mtime,
		Dev:            dev,
		Zsize:          zsize,
		Hash:           toWire(hash),
		FilenameOffset: filenameOffset,
	}
}

func (e FileEntry) Kind() EntryType       { return EntryType(e.Type) }
func (e FileEntry) ContentHash() chash.ContentHash { return fromWire(e.Hash) }

// PackEntry describes, from the manifest's point of view, which content
// hashes live inside one referenced pack file.
type PackEntry struct {
	Hash   wireHash
	Offset uint32
	Count  uint32
}

func NewPackEntry(hash chash.ContentHash, offset, count uint32) PackEntry {
	return PackEntry{Hash: toWire(hash), Offset: offset, Count: count}
}

func (p PackEntry) ContentHash() chash.ContentHash { return fromWire(p.Hash) }

const (
	BlobFlagCompressed uint32 = 1 << 0
)

// BlobEntry describes one payload embedded in a manifest or pack file.
type BlobEntry struct {
	Hash   wireHash
	Flags  uint32
	Offset uint32
	Size   uint32
}

func NewBlobEntry(hash chash.ContentHash, compressed bool, offset, size uint32) BlobEntry {
	var flags uint32
	if compressed {
		flags |= BlobFlagCompressed
	}
	return BlobEntry{Hash: toWire(hash), Flags: flags, Offset: offset, Size: size}
}

func (b BlobEntry) ContentHash() chash.ContentHash { return fromWire(b.Hash) }
func (b BlobEntry) Compressed() bool               { return b.Flags&BlobFlagCompressed != 0 }

// Sizes of the fixed-width records, used by writers to compute absolute
// offsets before any variable-length region is emitted.
const (
	ManifestHeaderSize = 28
	PackHeaderSize     = 16
	FileEntrySize      = 64
	PackEntrySize      = 36
	BlobEntrySize      = 40
	ContentHashSize    = 28
)

func writeFixed(buf *bytes.Buffer, v any) error {
	return binary.Write(buf, binary.BigEndian, v)
}

// WriteFileEntries serializes entries in order.
func WriteFileEntries(buf *bytes.Buffer, entries []FileEntry) error {
	for i, e := range entries {
		if err := writeFixed(buf, e); err != nil {
			return fmt.Errorf("writing file entry %d: %w", i, err)
		}
	}
	return nil
}

// ReadFileEntries reads n fixed-width entries from r.
func ReadFileEntries(r *bytes.Reader, n uint32) ([]FileEntry, error) {
	out := make([]FileEntry, n)
	for i := range out {
		if err := binary.Read(r, binary.BigEndian, &out[i]); err != nil {
			return nil, fmt.Errorf("reading file entry %d: %w", i, err)
		}
	}
	return out, nil
}

// WritePackEntries serializes pack-index entries in order.
func WritePackEntries(buf *bytes.Buffer, entries []PackEntry) error {
	for i, e := range entries {
		if err := writeFixed(buf, e); err != nil {
			return fmt.Errorf("writing pack entry %d: %w", i, err)
		}
	}
	return nil
}

func ReadPackEntries(r *bytes.Reader, n uint32) ([]PackEntry, error) {
	out := make([]PackEntry, n)
	for i := range out {
		if err := binary.Read(r, binary.BigEndian, &out[i]); err != nil {
			return nil, fmt.Errorf("reading pack entry %d: %w", i, err)
		}
	}
	return out, nil
}

// WriteBlobEntries serializes blob-index entries in order.
func WriteBlobEntries(buf *bytes.Buffer, entries []BlobEntry) error {
	for i, e := range entries {
		if err := writeFixed(buf, e); err != nil {
			return fmt.Errorf("writing blob entry %d: %w", i, err)
		}
	}
	return nil
}

func ReadBlobEntries(r *bytes.Reader, n uint32) ([]BlobEntry, error) {
	out := make([]BlobEntry, n)
	for i := range out {
		if err := binary.Read(r, binary.BigEndian, &out[i]); err != nil {
			return nil, fmt.Errorf("reading blob entry %d: %w", i, err)
		}
	}
	return out, nil
}

// WriteContentHashes serializes a pack's hash-run: the list of ContentHash
// records describing which payloads live inside it.
func WriteContentHashes(buf *bytes.Buffer, hashes []chash.ContentHash) error {
	for i, h := range hashes {
		if err := writeFixed(buf, toWire(h)); err != nil {
			return fmt.Errorf("writing content hash %d: %w", i, err)
		}
	}
	return nil
}

func ReadContentHashes(r *bytes.Reader, n uint32) ([]chash.ContentHash, error) {
	out := make([]chash.ContentHash, n)
	for i := range out {
		var w wireHash
		if err := binary.Read(r, binary.BigEndian, &w); err != nil {
			return nil, fmt.Errorf("reading content hash %d: %w", i, err)
		}
		out[i] = fromWire(w)
	}
	return out, nil
}
