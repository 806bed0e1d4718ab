package manifestio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/writer"
)

func buildFixture(t *testing.T) (manifestPath string) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello manifestio"), 0644))

	entries, err := walker.Walk(src, walker.Options{Hash: true})
	require.NoError(t, err)

	out := t.TempDir()
	result, err := writer.Build(entries, writer.Options{
		SourceRoot:     src,
		OutDir:         out,
		BlobUpperBytes: 1 << 20,
		PackUpperBytes: 1 << 20,
		AvgPackBytes:   1 << 20,
	})
	require.NoError(t, err)
	return result.ManifestPath
}

func TestReadRoundTripsEntriesAndFilenames(t *testing.T) {
	m, err := Read(buildFixture(t))
	require.NoError(t, err)
	require.NotEmpty(t, m.Entries)

	found := false
	for _, e := range m.Entries {
		name, err := m.Filename(e.FilenameOffset)
		require.NoError(t, err)
		if name == "hello.txt" {
			found = true
		}
	}
	require.True(t, found, "expected hello.txt to appear in the filename table")
}

func TestBlobPayloadReturnsEmbeddedBytes(t *testing.T) {
	m, err := Read(buildFixture(t))
	require.NoError(t, err)

	require.Len(t, m.Blobs, 1, "expected one included blob")
	payload, err := m.BlobPayload(&m.Blobs[0])
	require.NoError(t, err)
	require.Len(t, payload, int(m.Blobs[0].Size))
}

func TestPackLookupMissReturnsFalse(t *testing.T) {
	m, err := Read(buildFixture(t))
	require.NoError(t, err)
	if len(m.Packs) == 0 {
		_, ok := m.PackLookup(m.Entries[0].ContentHash())
		require.False(t, ok, "expected PackLookup to miss when the manifest has no packs")
	}
}
