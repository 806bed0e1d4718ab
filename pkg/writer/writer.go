// Package writer implements the packer's output stage: given a classified
// file list, it writes each pack file, each standalone blob, and finally
// the manifest that ties them together, computing every offset from the
// known fixed sizes of the preceding sections so the result can be read
// back with simple random access (SPEC_FULL.md §4.5).
package writer

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/sirupsen/logrus"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/classify"
	"github.com/goopsie/rootpack/pkg/stream"
	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/wire"
)

// Options configures a packer run, mirroring the CLI surface's positional
// arguments in SPEC_FULL.md §6.
type Options struct {
	SourceRoot       string
	OutDir           string
	MetadataBytes    []byte
	BlobUpperBytes   uint64
	PackUpperBytes   uint64
	AvgPackBytes     uint64
	CompressionLevel int
	Log              *logrus.Logger
}

// Result reports what a Build run produced.
type Result struct {
	ManifestPath string
	PackPaths    []string
}

// Build runs the full packer pipeline: enumerate (already done by the
// caller, entries is the walker output), deduplicate, search for the
// cutoff, bucketize, bin-pack, write every pack and standalone blob, then
// write the manifest.
func Build(entries []walker.Entry, opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = flate.DefaultCompression
	}

	classify.MarkDuplicates(entries)

	cutoff := classify.CutoffSearch(entries, opts.BlobUpperBytes)
	log.WithField("cutoff_bytes", cutoff).Debug("computed blob cutoff")

	if opts.PackUpperBytes <= cutoff {
		log.WithFields(logrus.Fields{
			"pack_upper_bytes": opts.PackUpperBytes,
			"cutoff_bytes":     cutoff,
		}).Warn("pack upper bound is not above the blob cutoff; raising it to cutoff+1")
	}
	buckets := classify.Bucketize(entries, cutoff, opts.PackUpperBytes)
	log.WithFields(logrus.Fields{
		"included": len(buckets.Included),
		"packed":   len(buckets.Packed),
		"unpacked": len(buckets.Unpacked),
	}).Info("bucketized file list")

	bins := classify.BinPack(buckets.Packed, opts.AvgPackBytes)
	log.WithField("pack_count", len(bins)).Info("bin-packed files")

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	var packPaths []string
	packEntries := make([]wire.PackEntry, 0, len(bins))
	packHashRuns := make([][]chash.ContentHash, 0, len(bins))

	for _, bin := range bins {
		path, hash, run, err := writePack(opts.SourceRoot, opts.OutDir, bin, opts.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("writing pack: %w", err)
		}
		packPaths = append(packPaths, path)
		packEntries = append(packEntries, wire.NewPackEntry(hash, 0 /* filled below */, uint32(len(run))))
		packHashRuns = append(packHashRuns, run)
	}

	for _, e := range buckets.Unpacked {
		if err := writeStandaloneBlob(opts.SourceRoot, opts.OutDir, e, opts.CompressionLevel); err != nil {
			return nil, fmt.Errorf("writing standalone blob for %s: %w", e.Path, err)
		}
	}

	manifestPath, err := writeManifest(entries, buckets, packEntries, packHashRuns, opts)
	if err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	return &Result{ManifestPath: manifestPath, PackPaths: packPaths}, nil
}

// writePack writes one pack bin to a temporary "pack-*.tmp" file, then
// renames it to its content-addressed final name "<hex-hash>.pack", so a
// reader never mistakes a partial pack for a complete one.
func writePack(sourceRoot, outDir string, bin classify.Pack, level int) (path string, packHash chash.ContentHash, hashRun []chash.ContentHash, err error) {
	f, err := os.CreateTemp(outDir, "pack-*.tmp")
	if err != nil {
		return "", chash.ContentHash{}, nil, fmt.Errorf("creating temp pack file: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	blobEntries := make([]wire.BlobEntry, 0, len(bin.Entries))
	hashRun = make([]chash.ContentHash, 0, len(bin.Entries))
	var payloads [][]byte

	for _, e := range bin.Entries {
		payload, compressed, err := readPayload(sourceRoot, e, level)
		if err != nil {
			return "", chash.ContentHash{}, nil, err
		}
		blobEntries = append(blobEntries, wire.NewBlobEntry(e.Hash, compressed, 0, uint32(len(payload))))
		payloads = append(payloads, payload)
		hashRun = append(hashRun, e.Hash)
	}

	header := wire.PackHeader{
		Magic:        wire.PackMagic,
		Version:      wire.FormatVersion,
		MetadataSize: 0,
		BlobsLength:  uint32(len(blobEntries)),
	}

	offset := uint32(wire.PackHeaderSize + len(blobEntries)*wire.BlobEntrySize)
	for i := range blobEntries {
		blobEntries[i].Offset = offset
		offset += blobEntries[i].Size
	}

	var buf bytes.Buffer
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return "", chash.ContentHash{}, nil, err
	}
	buf.Write(headerBytes)
	if err := wire.WriteBlobEntries(&buf, blobEntries); err != nil {
		return "", chash.ContentHash{}, nil, err
	}
	for _, p := range payloads {
		buf.Write(p)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return "", chash.ContentHash{}, nil, fmt.Errorf("writing pack body: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", chash.ContentHash{}, nil, fmt.Errorf("closing pack: %w", err)
	}

	packHash, err = hashFileOnDisk(tmpPath)
	if err != nil {
		return "", chash.ContentHash{}, nil, err
	}

	finalPath := filepath.Join(outDir, packHash.Hex()+".pack")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", chash.ContentHash{}, nil, fmt.Errorf("finalizing pack: %w", err)
	}

	return finalPath, packHash, hashRun, nil
}

func writeStandaloneBlob(sourceRoot, outDir string, e walker.Entry, level int) error {
	payload, _, err := readPayload(sourceRoot, e, level)
	if err != nil {
		return err
	}
	path := filepath.Join(outDir, e.Hash.Hex()+".blob")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("writing standalone blob %s: %w", path, err)
	}
	return nil
}

// readPayload returns the bytes that should be stored for entry e: the
// deflate-compressed file content if that is smaller than the raw content,
// otherwise the raw bytes, matching invariant 2 (stored compressed iff
// zsize < uncompressed_size). Symlink targets are always returned
// uncompressed, per SPEC_FULL.md §4.3.
func readPayload(sourceRoot string, e walker.Entry, level int) (payload []byte, compressed bool, err error) {
	if e.Kind == wire.EntrySymlink {
		return []byte(e.Target), false, nil
	}

	raw, err := os.ReadFile(filepath.Join(sourceRoot, filepath.FromSlash(e.Path)))
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", e.Path, err)
	}

	if e.Zsize == 0 || e.Zsize >= e.Size {
		return raw, false, nil
	}

	transform, err := stream.Deflate(level)
	if err != nil {
		return nil, false, err
	}
	sink := &stream.BufferSink{}
	if err := stream.Transfer(bytes.NewReader(raw), sink, transform); err != nil {
		return nil, false, fmt.Errorf("compressing %s: %w", e.Path, err)
	}
	return sink.Bytes(), true, nil
}

func hashFileOnDisk(path string) (chash.ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return chash.ContentHash{}, fmt.Errorf("reopening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return chash.ContentHash{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	var out chash.ContentHash
	out.Size = uint32(n)
	out.HashType = chash.HashSHA1
	copy(out.Digest[:], h.Sum(nil))
	return out, nil
}

// hardlinkKind returns EntryHardlink with Dev set to the back-reference
// index when e was matched to an earlier entry sharing its inode;
// otherwise e's own walked kind is used unchanged.
func hardlinkKind(e walker.Entry) (wire.EntryType, uint32) {
	if e.HardlinkIndex >= 0 {
		return wire.EntryHardlink, uint32(e.HardlinkIndex)
	}
	return e.Kind, e.Dev
}

func writeManifest(entries []walker.Entry, buckets classify.Buckets, packEntries []wire.PackEntry, packHashRuns [][]chash.ContentHash, opts Options) (string, error) {
	var filenameTable bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		offsets[i] = uint32(filenameTable.Len())
		filenameTable.WriteString(e.Path)
		filenameTable.WriteByte(0)
	}

	fileEntries := make([]wire.FileEntry, len(entries))
	for i, e := range entries {
		kind, dev := hardlinkKind(e)
		fileEntries[i] = wire.NewFileEntry(kind, e.Mode, e.UID, e.GID, e.Mtime, dev, uint32(e.Zsize), e.Hash, offsets[i])
	}

	blobEntries := make([]wire.BlobEntry, 0, len(buckets.Included))
	var blobPayloads [][]byte
	for _, e := range buckets.Included {
		payload, compressed, err := readPayload(opts.SourceRoot, e, opts.CompressionLevel)
		if err != nil {
			return "", err
		}
		blobEntries = append(blobEntries, wire.NewBlobEntry(e.Hash, compressed, 0, uint32(len(payload))))
		blobPayloads = append(blobPayloads, payload)
	}

	header := wire.ManifestHeader{
		Magic:             wire.ManifestMagic,
		Version:           wire.FormatVersion,
		MetadataSize:      uint32(len(opts.MetadataBytes)),
		FilenameTableSize: uint32(filenameTable.Len()),
		EntriesLength:     uint32(len(fileEntries)),
		PacksLength:       uint32(len(packEntries)),
		BlobsLength:       uint32(len(blobEntries)),
	}

	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return "", err
	}

	offset := uint32(len(headerBytes)) +
		header.MetadataSize +
		header.FilenameTableSize +
		uint32(len(fileEntries))*wire.FileEntrySize +
		uint32(len(packEntries))*wire.PackEntrySize +
		uint32(len(blobEntries))*wire.BlobEntrySize

	for i := range packEntries {
		packEntries[i].Offset = offset
		offset += packEntries[i].Count * wire.ContentHashSize
	}
	for i := range blobEntries {
		blobEntries[i].Offset = offset
		offset += blobEntries[i].Size
	}

	var out bytes.Buffer
	out.Write(headerBytes)
	out.Write(opts.MetadataBytes)
	out.Write(filenameTable.Bytes())
	if err := wire.WriteFileEntries(&out, fileEntries); err != nil {
		return "", err
	}
	if err := wire.WritePackEntries(&out, packEntries); err != nil {
		return "", err
	}
	if err := wire.WriteBlobEntries(&out, blobEntries); err != nil {
		return "", err
	}
	for _, run := range packHashRuns {
		if err := wire.WriteContentHashes(&out, run); err != nil {
			return "", err
		}
	}
	for _, p := range blobPayloads {
		out.Write(p)
	}

	manifestPath := filepath.Join(opts.OutDir, "manifest.sfmf")
	if err := os.WriteFile(manifestPath, out.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing manifest file: %w", err)
	}
	return manifestPath, nil
}
