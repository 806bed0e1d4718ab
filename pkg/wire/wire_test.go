package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goopsie/rootpack/pkg/chash"
)

func TestManifestHeader(t *testing.T) {
	t.Run("MarshalUnmarshal", func(t *testing.T) {
		original := &ManifestHeader{
			Magic:             ManifestMagic,
			Version:           FormatVersion,
			MetadataSize:      4,
			FilenameTableSize: 10,
			EntriesLength:     2,
			PacksLength:       0,
			BlobsLength:       1,
		}

		data, err := original.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if len(data) != ManifestHeaderSize {
			t.Fatalf("size: got %d, want %d", len(data), ManifestHeaderSize)
		}

		decoded := &ManifestHeader{}
		if err := decoded.UnmarshalBinary(data); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if *decoded != *original {
			t.Errorf("mismatch: got %+v, want %+v", decoded, original)
		}
	})

	t.Run("InvalidMagic", func(t *testing.T) {
		h := &ManifestHeader{Magic: 0, Version: FormatVersion}
		data, _ := h.MarshalBinary()
		if err := (&ManifestHeader{}).UnmarshalBinary(data); !errors.Is(err, ErrBadMagic) {
			t.Errorf("expected ErrBadMagic, got %v", err)
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		h := &ManifestHeader{Magic: ManifestMagic, Version: 99}
		data, _ := h.MarshalBinary()
		if err := (&ManifestHeader{}).UnmarshalBinary(data); !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("expected ErrUnsupportedVersion, got %v", err)
		}
	})
}

func TestPackHeader(t *testing.T) {
	original := &PackHeader{Magic: PackMagic, Version: FormatVersion, MetadataSize: 0, BlobsLength: 3}
	data, err := original.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != PackHeaderSize {
		t.Fatalf("size: got %d, want %d", len(data), PackHeaderSize)
	}
	decoded := &PackHeader{}
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *decoded != *original {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestFileEntryRoundTrip(t *testing.T) {
	hash := chash.SumBytes([]byte("some file content"))
	entry := NewFileEntry(EntryRegular, 0644, 1000, 1000, 1700000000, 0, 10, hash, 128)

	var buf bytes.Buffer
	if err := WriteFileEntries(&buf, []FileEntry{entry}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != FileEntrySize {
		t.Fatalf("size: got %d, want %d", buf.Len(), FileEntrySize)
	}

	decoded, err := ReadFileEntries(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("count: got %d, want 1", len(decoded))
	}
	if decoded[0].Kind() != EntryRegular {
		t.Errorf("kind: got %v, want regular", decoded[0].Kind())
	}
	if !decoded[0].ContentHash().Equal(hash) {
		t.Errorf("hash mismatch: got %v, want %v", decoded[0].ContentHash(), hash)
	}
	if decoded[0].FilenameOffset != 128 {
		t.Errorf("filename offset: got %d, want 128", decoded[0].FilenameOffset)
	}
}

func TestPackAndBlobEntryRoundTrip(t *testing.T) {
	hash := chash.SumBytes([]byte("packed content"))

	pe := NewPackEntry(hash, 16, 5)
	var pbuf bytes.Buffer
	if err := WritePackEntries(&pbuf, []PackEntry{pe}); err != nil {
		t.Fatalf("write pack entry: %v", err)
	}
	if pbuf.Len() != PackEntrySize {
		t.Fatalf("pack entry size: got %d, want %d", pbuf.Len(), PackEntrySize)
	}
	decodedPack, err := ReadPackEntries(bytes.NewReader(pbuf.Bytes()), 1)
	if err != nil {
		t.Fatalf("read pack entry: %v", err)
	}
	if decodedPack[0].Count != 5 || decodedPack[0].Offset != 16 {
		t.Errorf("pack entry mismatch: %+v", decodedPack[0])
	}

	be := NewBlobEntry(hash, true, 64, uint32(hash.Size))
	var bbuf bytes.Buffer
	if err := WriteBlobEntries(&bbuf, []BlobEntry{be}); err != nil {
		t.Fatalf("write blob entry: %v", err)
	}
	if bbuf.Len() != BlobEntrySize {
		t.Fatalf("blob entry size: got %d, want %d", bbuf.Len(), BlobEntrySize)
	}
	decodedBlob, err := ReadBlobEntries(bytes.NewReader(bbuf.Bytes()), 1)
	if err != nil {
		t.Fatalf("read blob entry: %v", err)
	}
	if !decodedBlob[0].Compressed() {
		t.Error("expected compressed flag set")
	}
}

func TestContentHashRunRoundTrip(t *testing.T) {
	hashes := []chash.ContentHash{
		chash.SumBytes([]byte("a")),
		chash.SumBytes([]byte("bb")),
		chash.SumBytes([]byte("ccc")),
	}
	var buf bytes.Buffer
	if err := WriteContentHashes(&buf, hashes); err != nil {
		t.Fatalf("write: %v", err)
	}
	decoded, err := ReadContentHashes(bytes.NewReader(buf.Bytes()), uint32(len(hashes)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range hashes {
		if !hashes[i].Equal(decoded[i]) {
			t.Errorf("hash %d mismatch: got %v, want %v", i, decoded[i], hashes[i])
		}
	}
}
