// Package diskstore provides the unpacker's concrete materialize.BlobSource:
// embedded blobs come straight out of the manifest's own bytes, packed and
// standalone payloads are fetched on demand (through a fetch.Supplier) into
// a cachedir.Dir and read back from there. This is the piece the reference
// unpacker spreads across write_blob_data and download_payload_file.
package diskstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goopsie/rootpack/pkg/cachedir"
	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/fetch"
	"github.com/goopsie/rootpack/pkg/manifestio"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/stream"
	"github.com/goopsie/rootpack/pkg/wire"
)

// ErrCacheMismatch is returned when a cached pack/blob file, whether just
// fetched or found already sitting in the cache directory, does not hash to
// what the manifest expects. The caller's cache entry is removed before
// this is returned so the next attempt re-fetches instead of repeating the
// same corruption forever.
type ErrCacheMismatch struct {
	Path string
	Want chash.ContentHash
	Got  chash.ContentHash
}

func (e *ErrCacheMismatch) Error() string {
	return fmt.Sprintf("diskstore: %s failed hash verification: want %s, got %s", e.Path, e.Want.Hex(), e.Got.Hex())
}

// Store implements materialize.BlobSource against a parsed manifest, a
// download supplier for anything not already embedded or local, and a
// scratch directory packed/standalone downloads land in.
type Store struct {
	Manifest *manifestio.Manifest
	Supplier fetch.Supplier
	Cache    *cachedir.Dir
	Ctx      context.Context

	openPacks map[int]*pack
}

type pack struct {
	header wire.PackHeader
	blobs  []wire.BlobEntry
	path   string
}

// New returns a Store ready for use; Ctx defaults to context.Background()
// if left unset before the first fetch.
func New(m *manifestio.Manifest, supplier fetch.Supplier, cache *cachedir.Dir) *Store {
	return &Store{Manifest: m, Supplier: supplier, Cache: cache, openPacks: make(map[int]*pack)}
}

func (s *Store) ctx() context.Context {
	if s.Ctx != nil {
		return s.Ctx
	}
	return context.Background()
}

func (s *Store) ReadIncluded(b *wire.BlobEntry) ([]byte, bool, error) {
	data, err := s.Manifest.BlobPayload(b)
	return data, b.Compressed(), err
}

func (s *Store) ReadLocal(c *resolve.LocalCandidate) ([]byte, error) {
	data, err := os.ReadFile(c.Path())
	if err != nil {
		return nil, fmt.Errorf("reading local donor %s: %w", c.Path(), err)
	}
	return data, nil
}

func (s *Store) ReadPacked(p *wire.PackEntry, hash chash.ContentHash) ([]byte, bool, error) {
	idx, ok := s.Manifest.PackLookup(hash)
	if !ok {
		return nil, false, fmt.Errorf("hash %s not present in any pack hash run", hash.Hex())
	}

	pk, err := s.openPack(idx, p)
	if err != nil {
		return nil, false, err
	}

	for _, b := range pk.blobs {
		if b.ContentHash().Equal(hash) {
			f, err := os.Open(pk.path)
			if err != nil {
				return nil, false, fmt.Errorf("opening pack %s: %w", pk.path, err)
			}
			defer f.Close()

			buf := make([]byte, b.Size)
			if _, err := f.ReadAt(buf, int64(b.Offset)); err != nil {
				return nil, false, fmt.Errorf("reading blob from pack %s: %w", pk.path, err)
			}
			return buf, b.Compressed(), nil
		}
	}
	return nil, false, fmt.Errorf("hash %s missing from pack %s's blob table", hash.Hex(), pk.path)
}

func (s *Store) ReadStandalone(hash chash.ContentHash, zsize uint32) ([]byte, bool, error) {
	compressed := zsize > 0 && zsize < hash.Size
	name := hash.Hex() + ".blob"
	path, err := s.fetchToCache(name, hash, compressed)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading standalone blob %s: %w", path, err)
	}
	return data, compressed, nil
}

func (s *Store) openPack(idx int, entry *wire.PackEntry) (*pack, error) {
	if pk, ok := s.openPacks[idx]; ok {
		return pk, nil
	}

	name := entry.ContentHash().Hex() + ".pack"
	path, err := s.fetchToCache(name, entry.ContentHash(), false)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pack %s: %w", path, err)
	}

	var header wire.PackHeader
	if err := header.UnmarshalBinary(raw[:wire.PackHeaderSize]); err != nil {
		return nil, fmt.Errorf("parsing pack header for %s: %w", path, err)
	}

	blobs, err := manifestio.ParsePackBlobTable(raw, header)
	if err != nil {
		return nil, fmt.Errorf("parsing pack blob table for %s: %w", path, err)
	}

	pk := &pack{header: header, blobs: blobs, path: path}
	s.openPacks[idx] = pk
	return pk, nil
}

// fetchToCache returns the local path for name, downloading it through the
// supplier into the cache directory first if it is not already there. The
// file at path is always verified against want before being handed back,
// whether it was just fetched or already sitting in the cache from a prior
// run; a stale or corrupt cache entry is deleted rather than reused, so a
// bad file never persists across unpack attempts.
func (s *Store) fetchToCache(name string, want chash.ContentHash, compressed bool) (string, error) {
	path := s.Cache.Join(name)
	if _, err := os.Stat(path); err == nil {
		if verr := verifyCachedFile(path, want, compressed); verr != nil {
			os.Remove(path)
			return "", verr
		}
		return path, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating cache file %s: %w", path, err)
	}
	if err := s.Supplier.Fetch(s.ctx(), name, f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("fetching %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing cache file %s: %w", path, err)
	}

	if verr := verifyCachedFile(path, want, compressed); verr != nil {
		os.Remove(path)
		return "", verr
	}
	return path, nil
}

// verifyCachedFile hashes path's contents (decompressing first if
// compressed says the stored bytes are deflated) and compares against want,
// returning an *ErrCacheMismatch on any difference.
func verifyCachedFile(path string, want chash.ContentHash, compressed bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s for verification: %w", path, err)
	}

	payload := raw
	if compressed {
		inflated, err := io.ReadAll(stream.InflateReader(bytes.NewReader(raw)))
		if err != nil {
			return fmt.Errorf("decompressing %s for verification: %w", path, err)
		}
		payload = inflated
	}

	got := chash.SumBytes(payload)
	if !got.Equal(want) {
		return &ErrCacheMismatch{Path: path, Want: want, Got: got}
	}
	return nil
}
