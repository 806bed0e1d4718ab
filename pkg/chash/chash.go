// Package chash implements the content hash used to identify blob payloads
// across the manifest, pack, and donor-scan surfaces.
package chash

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
)

// HashType distinguishes a persisted SHA-1 digest from an in-memory
// placeholder whose digest has not been computed yet.
type HashType uint32

const (
	HashUnknown HashType = 0
	HashSHA1    HashType = 1
	// HashLazy marks a ContentHash whose Size is known (from stat) but whose
	// Digest has not been computed. It is never written to a manifest or pack.
	HashLazy HashType = 2
)

func (t HashType) String() string {
	switch t {
	case HashSHA1:
		return "sha1"
	case HashLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

const DigestSize = 20

// ContentHash identifies the uncompressed bytes of a blob payload.
type ContentHash struct {
	Size     uint32
	HashType HashType
	Digest   [DigestSize]byte
}

// Lazy returns a placeholder hash for a payload of the given size whose
// digest has not yet been computed.
func Lazy(size uint32) ContentHash {
	return ContentHash{Size: size, HashType: HashLazy}
}

// IsLazy reports whether the digest still needs to be computed.
func (h ContentHash) IsLazy() bool {
	return h.HashType == HashLazy
}

// Zero reports whether this is the hash of a zero-length payload.
func (h ContentHash) Zero() bool {
	return h.Size == 0
}

// Equal reports whether two hashes refer to the same bytes. Only resolved
// SHA-1 hashes can compare equal; a lazy hash never equals anything.
func (h ContentHash) Equal(other ContentHash) bool {
	if h.HashType != HashSHA1 || other.HashType != HashSHA1 {
		return false
	}
	if h.Size != other.Size {
		return false
	}
	return h.Digest == other.Digest
}

// Compare orders hashes first by size, then by digest bytes.
func Compare(a, b ContentHash) int {
	if a.Size != b.Size {
		if a.Size < b.Size {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Digest[:], b.Digest[:])
}

func (h ContentHash) String() string {
	if h.HashType != HashSHA1 {
		return fmt.Sprintf("%s(%d bytes)", h.HashType, h.Size)
	}
	return fmt.Sprintf("%x", h.Digest[:])
}

// Hex renders the digest as the lowercase hex string used for
// "<hex-hash>.pack" and "<hex-hash>.blob" sidecar filenames.
func (h ContentHash) Hex() string {
	return fmt.Sprintf("%x", h.Digest[:])
}

// SumReader computes the ContentHash of everything read from r. It does not
// consume the reader's length separately; callers that also need a byte
// count should prefer the stream package's tee transform to avoid a second
// pass.
func SumReader(r io.Reader) (ContentHash, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return ContentHash{}, fmt.Errorf("hashing stream: %w", err)
	}
	var out ContentHash
	out.Size = uint32(n)
	out.HashType = HashSHA1
	copy(out.Digest[:], h.Sum(nil))
	return out, nil
}

// SumBytes computes the ContentHash of an in-memory byte slice, used for
// symlink targets which are hashed uncompressed regardless of size.
func SumBytes(b []byte) ContentHash {
	sum := sha1.Sum(b)
	return ContentHash{Size: uint32(len(b)), HashType: HashSHA1, Digest: sum}
}
