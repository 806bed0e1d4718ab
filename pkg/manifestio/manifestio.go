// Package manifestio reads a .sfmf manifest file back into memory: the
// fixed header, the variable metadata and filename table, the three entry
// tables, and each referenced pack's embedded hash run. It is the read
// side of pkg/writer, grounded the same way on SPEC_FULL.md §4.5/§6's
// byte-for-byte layout.
package manifestio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/wire"
)

// Manifest is a fully parsed manifest file, keeping the raw bytes around so
// embedded blob payloads can be sliced out without a second file read.
type Manifest struct {
	Header       wire.ManifestHeader
	Metadata     []byte
	Filenames    []byte
	Entries      []wire.FileEntry
	Packs        []wire.PackEntry
	Blobs        []wire.BlobEntry
	PackHashRuns [][]chash.ContentHash

	raw []byte
}

// Read parses the manifest file at path.
func Read(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses an already-loaded manifest file body.
func Parse(raw []byte) (*Manifest, error) {
	if len(raw) < wire.ManifestHeaderSize {
		return nil, fmt.Errorf("manifest too short: %d bytes", len(raw))
	}

	var header wire.ManifestHeader
	if err := header.UnmarshalBinary(raw[:wire.ManifestHeaderSize]); err != nil {
		return nil, err
	}

	r := bytes.NewReader(raw[wire.ManifestHeaderSize:])

	metadata := make([]byte, header.MetadataSize)
	if _, err := io.ReadFull(r, metadata); err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	filenames := make([]byte, header.FilenameTableSize)
	if _, err := io.ReadFull(r, filenames); err != nil {
		return nil, fmt.Errorf("reading filename table: %w", err)
	}

	entries, err := wire.ReadFileEntries(r, header.EntriesLength)
	if err != nil {
		return nil, err
	}

	packs, err := wire.ReadPackEntries(r, header.PacksLength)
	if err != nil {
		return nil, err
	}

	blobs, err := wire.ReadBlobEntries(r, header.BlobsLength)
	if err != nil {
		return nil, err
	}

	packHashRuns := make([][]chash.ContentHash, len(packs))
	for i, p := range packs {
		run, err := wire.ReadContentHashes(r, p.Count)
		if err != nil {
			return nil, fmt.Errorf("reading hash run for pack %d: %w", i, err)
		}
		packHashRuns[i] = run
	}

	return &Manifest{
		Header:       header,
		Metadata:     metadata,
		Filenames:    filenames,
		Entries:      entries,
		Packs:        packs,
		Blobs:        blobs,
		PackHashRuns: packHashRuns,
		raw:          raw,
	}, nil
}

// Filename returns the NUL-terminated string stored at offset in the
// filename table.
func (m *Manifest) Filename(offset uint32) (string, error) {
	if int(offset) >= len(m.Filenames) {
		return "", fmt.Errorf("filename offset %d out of range", offset)
	}
	end := bytes.IndexByte(m.Filenames[offset:], 0)
	if end < 0 {
		return "", fmt.Errorf("filename at offset %d is not NUL-terminated", offset)
	}
	return string(m.Filenames[offset : int(offset)+end]), nil
}

// BlobPayload returns the exact stored bytes (still compressed if b says
// so) for an embedded blob, read directly out of the manifest's own body.
func (m *Manifest) BlobPayload(b *wire.BlobEntry) ([]byte, error) {
	end := int(b.Offset) + int(b.Size)
	if end > len(m.raw) {
		return nil, fmt.Errorf("embedded blob payload [%d:%d] out of range (manifest is %d bytes)", b.Offset, end, len(m.raw))
	}
	return m.raw[b.Offset:end], nil
}

// Resolver builds a resolve.Resolver seeded with this manifest's included
// blobs and pack hash runs, ready to have local donor sources added.
func (m *Manifest) Resolver() *resolve.Resolver {
	return &resolve.Resolver{
		Blobs:        m.Blobs,
		PackEntries:  m.Packs,
		PackHashRuns: m.PackHashRuns,
	}
}

// ParsePackBlobTable reads a pack file's blob entry table, given its
// already-unmarshaled header and the raw file body (the same shape
// writer.writePack produces: header, blob entries, then payloads).
func ParsePackBlobTable(raw []byte, header wire.PackHeader) ([]wire.BlobEntry, error) {
	body := raw[wire.PackHeaderSize:]
	if header.MetadataSize > 0 {
		if int(header.MetadataSize) > len(body) {
			return nil, fmt.Errorf("pack metadata size %d exceeds body", header.MetadataSize)
		}
		body = body[header.MetadataSize:]
	}
	return wire.ReadBlobEntries(bytes.NewReader(body), header.BlobsLength)
}

// PackLookup returns the index of the PackEntry matching hash, used by a
// BlobSource to go from "which pack holds this payload" to the pack's own
// blob table once the pack file itself is opened.
func (m *Manifest) PackLookup(hash chash.ContentHash) (int, bool) {
	for i, p := range m.Packs {
		for _, h := range m.PackHashRuns[i] {
			if h.Equal(hash) {
				return i, true
			}
		}
	}
	return -1, false
}
