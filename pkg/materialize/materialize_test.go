package materialize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/wire"
)

// fakeSource serves payloads purely from an in-memory map keyed by hash hex,
// standing in for whatever combination of manifest/pack/blob files a real
// unpacker run would have downloaded into its cache directory.
type fakeSource struct {
	byHash map[string][]byte
}

func (f *fakeSource) ReadIncluded(b *wire.BlobEntry) ([]byte, bool, error) {
	return f.byHash[b.ContentHash().Hex()], b.Compressed(), nil
}

func (f *fakeSource) ReadLocal(c *resolve.LocalCandidate) ([]byte, error) {
	return f.byHash[c.Entry.Hash.Hex()], nil
}

func (f *fakeSource) ReadPacked(p *wire.PackEntry, hash chash.ContentHash) ([]byte, bool, error) {
	return f.byHash[hash.Hex()], false, nil
}

func (f *fakeSource) ReadStandalone(hash chash.ContentHash, zsize uint32) ([]byte, bool, error) {
	return f.byHash[hash.Hex()], false, nil
}

func TestWriteDirectoryThenRegularFile(t *testing.T) {
	out := t.TempDir()
	content := []byte("hello world")
	hash := chash.SumBytes(content)

	source := &fakeSource{byHash: map[string][]byte{hash.Hex(): content}}

	targets := []Target{
		{
			Entry:    wire.NewFileEntry(wire.EntryDirectory, 0755, 0, 0, 1700000000, 0, 0, chash.ContentHash{}, 0),
			Filename: "/",
			Location: resolve.Location{Kind: resolve.KindEmpty},
		},
		{
			Entry:    wire.NewFileEntry(wire.EntryRegular, 0644, 0, 0, 1700000000, 0, 0, hash, 0),
			Filename: "/hello.txt",
			Location: resolve.Location{Kind: resolve.KindIncluded, Blob: ptrBlob(wire.NewBlobEntry(hash, false, 0, uint32(len(content))))},
		},
	}

	if err := Write(targets, out, source, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, "hello.txt"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q, want %q", data, "hello world")
	}
}

func TestWriteRejectsHashMismatch(t *testing.T) {
	out := t.TempDir()
	wantHash := chash.SumBytes([]byte("expected"))
	source := &fakeSource{byHash: map[string][]byte{wantHash.Hex(): []byte("actually different")}}

	targets := []Target{
		{
			Entry:    wire.NewFileEntry(wire.EntryRegular, 0644, 0, 0, 1700000000, 0, 0, wantHash, 0),
			Filename: "/bad.txt",
			Location: resolve.Location{Kind: resolve.KindIncluded, Blob: ptrBlob(wire.NewBlobEntry(wantHash, false, 0, 8))},
		},
	}

	err := Write(targets, out, source, nil)
	if err == nil {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestWriteSymlink(t *testing.T) {
	out := t.TempDir()
	target := "/usr/bin/true"
	hash := chash.SumBytes([]byte(target))
	source := &fakeSource{byHash: map[string][]byte{hash.Hex(): []byte(target)}}

	targets := []Target{
		{
			Entry:    wire.NewFileEntry(wire.EntrySymlink, 0777, 0, 0, 1700000000, 0, 0, hash, 0),
			Filename: "/link",
			Location: resolve.Location{Kind: resolve.KindIncluded, Blob: ptrBlob(wire.NewBlobEntry(hash, false, 0, uint32(len(target))))},
		},
	}

	if err := Write(targets, out, source, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.Readlink(filepath.Join(out, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != target {
		t.Errorf("symlink target = %q, want %q", got, target)
	}
}

func TestWriteHardlinkReferencesEarlierTarget(t *testing.T) {
	out := t.TempDir()
	content := []byte("shared")
	hash := chash.SumBytes(content)
	source := &fakeSource{byHash: map[string][]byte{hash.Hex(): content}}

	targets := []Target{
		{
			Entry:    wire.NewFileEntry(wire.EntryRegular, 0644, 0, 0, 1700000000, 0, 0, hash, 0),
			Filename: "/a.txt",
			Location: resolve.Location{Kind: resolve.KindIncluded, Blob: ptrBlob(wire.NewBlobEntry(hash, false, 0, uint32(len(content))))},
		},
		{
			Entry:    wire.NewFileEntry(wire.EntryHardlink, 0644, 0, 0, 1700000000, 0, 0, hash, 0),
			Filename: "/b.txt",
			Location: resolve.Location{Kind: resolve.KindHardlink},
		},
	}

	if err := Write(targets, out, source, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	aInfo, err := os.Stat(filepath.Join(out, "a.txt"))
	if err != nil {
		t.Fatalf("stat a.txt: %v", err)
	}
	bInfo, err := os.Stat(filepath.Join(out, "b.txt"))
	if err != nil {
		t.Fatalf("stat b.txt: %v", err)
	}
	if !os.SameFile(aInfo, bInfo) {
		t.Error("expected a.txt and b.txt to be the same inode")
	}
}

func ptrBlob(b wire.BlobEntry) *wire.BlobEntry { return &b }
