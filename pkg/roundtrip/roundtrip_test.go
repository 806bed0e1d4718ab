// Package roundtrip exercises the full pack-then-unpack path end to end:
// build a source tree, run it through pkg/writer, read the resulting
// manifest back with pkg/manifestio, resolve and materialize it with
// pkg/resolve/pkg/diskstore/pkg/materialize, and diff the reconstructed
// tree against the original. This is the invariant the package-level
// tests for writer/manifestio/materialize each cover one stage of in
// isolation; this package checks the seams between them.
package roundtrip

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goopsie/rootpack/pkg/cachedir"
	"github.com/goopsie/rootpack/pkg/classify"
	"github.com/goopsie/rootpack/pkg/diskstore"
	"github.com/goopsie/rootpack/pkg/fetch"
	"github.com/goopsie/rootpack/pkg/manifestio"
	"github.com/goopsie/rootpack/pkg/materialize"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/wire"
	"github.com/goopsie/rootpack/pkg/writer"
)

// buildSourceTree lays out a small tree exercising every entry kind the
// materializer handles: a nested directory, a small file that ends up
// embedded in the manifest, a large file that ends up packed, a bigger
// file that ends up standalone, a symlink, and a hardlink back to the
// small file.
func buildSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "tiny.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packed.bin"), noise(4000), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "standalone.bin"), noise(9<<17), 0644))
	require.NoError(t, os.Symlink("bin/tiny.txt", filepath.Join(root, "link-to-tiny")))
	require.NoError(t, os.Link(filepath.Join(root, "bin", "tiny.txt"), filepath.Join(root, "hardlink.txt")))

	return root
}

// noise returns n incompressible bytes, so deflate does not shrink the
// packed and standalone fixture files out of the tiers they are sized for.
func noise(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// listTree walks dir and returns a map of relative path to a small summary
// (kind, content or link target) suitable for a before/after comparison
// that ignores ownership/mtime, which materialize.Write sets from the
// manifest rather than the real calling user's identity.
func listTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(dir, path)
		require.NoError(t, err)
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			require.NoError(t, err)
			out[rel] = "symlink:" + target
		case info.IsDir():
			out[rel] = "dir"
		default:
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			out[rel] = "file:" + string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := buildSourceTree(t)

	entries, err := walker.Walk(src, walker.Options{Hash: true})
	require.NoError(t, err)

	packDir := t.TempDir()
	result, err := writer.Build(entries, writer.Options{
		SourceRoot:     src,
		OutDir:         packDir,
		BlobUpperBytes: 64,
		PackUpperBytes: 1 << 16,
		AvgPackBytes:   1 << 16,
	})
	require.NoError(t, err)

	m, err := manifestio.Read(result.ManifestPath)
	require.NoError(t, err)

	resolver := m.Resolver()
	require.NoError(t, resolver.LoadLocalSources(nil))

	cache, err := cachedir.OpenTemp(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	store := diskstore.New(m, &fetch.DirSupplier{Root: packDir}, cache)

	targets := make([]materialize.Target, len(m.Entries))
	for i, e := range m.Entries {
		name, err := m.Filename(e.FilenameOffset)
		require.NoError(t, err)

		var loc resolve.Location
		switch {
		case e.Kind() == wire.EntryHardlink:
			loc = resolve.Location{Kind: resolve.KindHardlink}
		case e.Kind() == wire.EntryDirectory, e.Kind() == wire.EntryFIFO,
			e.Kind() == wire.EntryCharDevice, e.Kind() == wire.EntryBlockDevice:
			// no payload to resolve
		default:
			loc, err = resolver.Resolve(e.ContentHash())
			require.NoError(t, err, "resolving %s", name)
		}

		targets[i] = materialize.Target{Entry: e, Filename: name, Location: loc}
	}

	outDir := t.TempDir()
	require.NoError(t, materialize.Write(targets, outDir, store, nil))

	before := listTree(t, src)
	after := listTree(t, outDir)
	require.Equal(t, before, after)
}

// TestPackUnpackRoundTripEntryOrder makes sure the manifest's filename
// table preserves the pre-order walk, so a hardlink's back-reference
// always points at an entry materialize.Write has already created by the
// time it is processed.
func TestPackUnpackRoundTripEntryOrder(t *testing.T) {
	src := buildSourceTree(t)

	entries, err := walker.Walk(src, walker.Options{Hash: true})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "", entries[0].Path, "expected the root entry to be walked first")

	classify.MarkDuplicates(entries)

	sawHardlink := false
	for _, e := range entries {
		if e.HardlinkIndex >= 0 {
			sawHardlink = true
			require.Less(t, e.HardlinkIndex, len(entries), "hardlink back-reference out of range")
			require.Less(t, e.HardlinkIndex, indexOf(entries, e), "hardlink back-reference must precede the entry that uses it")
		}
	}
	require.True(t, sawHardlink, "expected hardlink.txt to be detected as a hardlink of bin/tiny.txt")
}

func indexOf(entries []walker.Entry, target walker.Entry) int {
	for i := range entries {
		if entries[i].Path == target.Path {
			return i
		}
	}
	return -1
}
