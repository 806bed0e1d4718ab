// Package stream implements the byte-pipeline abstraction shared by the
// packer and unpacker: a source of bytes, one or more sinks that consume
// them, and a small set of transforms (identity, deflate) that sit between
// the two, with inflate provided as a Source wrapper (InflateReader). The packer uses a tee to compute a payload's SHA-1 and
// its compressed size in a single pass over the source file.
package stream

import (
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/flate"
)

// BufferSize is the chunk size used when pumping bytes from a Source to a
// Sink. 64 KiB keeps per-file overhead low without holding large buffers for
// the lifetime of a walk over hundreds of thousands of files.
const BufferSize = 64 * 1024

// Sink consumes a stream of bytes.
type Sink interface {
	Write(p []byte) (int, error)
}

// Source produces a stream of bytes, same shape as io.Reader. It is named
// distinctly so call sites read as "pipeline source", not "some reader".
type Source = io.Reader

// Transfer pumps all of src through transform into sink, in BufferSize
// chunks. A nil transform is the identity transform. Transfer does not close
// src or sink; callers own their lifetimes.
func Transfer(src Source, sink Sink, transform Transform) error {
	if transform == nil {
		transform = Identity()
	}
	buf := make([]byte, BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			out, terr := transform.Step(buf[:n])
			if terr != nil {
				return fmt.Errorf("transform step: %w", terr)
			}
			if len(out) > 0 {
				if _, werr := sink.Write(out); werr != nil {
					return fmt.Errorf("sink write: %w", werr)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("source read: %w", rerr)
		}
	}
	out, err := transform.Finish()
	if err != nil {
		return fmt.Errorf("transform finish: %w", err)
	}
	if len(out) > 0 {
		if _, werr := sink.Write(out); werr != nil {
			return fmt.Errorf("sink write: %w", werr)
		}
	}
	return nil
}

// Transform maps a chunk of input bytes to a chunk of output bytes, and may
// buffer internally (a compressor cannot always emit output for every byte
// it is fed). Finish flushes any buffered output; for deflate this is the
// final block. Decompression is not a Transform: InflateReader wraps the
// Source instead.
type Transform interface {
	Step(p []byte) ([]byte, error)
	Finish() ([]byte, error)
}

type identityTransform struct{}

// Identity returns a Transform that passes bytes through unchanged.
func Identity() Transform { return identityTransform{} }

func (identityTransform) Step(p []byte) ([]byte, error) { return p, nil }
func (identityTransform) Finish() ([]byte, error)       { return nil, nil }

// Tee fans one Source into two Sinks, so a single read pass can feed both a
// hash sink and a counting sink (or a file writer and a hash sink). It
// satisfies Sink itself so it can be used as the sink argument to Transfer.
type Tee struct {
	A, B Sink
}

func (t Tee) Write(p []byte) (int, error) {
	if _, err := t.A.Write(p); err != nil {
		return 0, fmt.Errorf("tee sink A: %w", err)
	}
	n, err := t.B.Write(p)
	if err != nil {
		return n, fmt.Errorf("tee sink B: %w", err)
	}
	return n, nil
}

// HashSink accumulates bytes into a running hash without modifying them.
type HashSink struct {
	H hash.Hash
}

func NewHashSink(h hash.Hash) *HashSink { return &HashSink{H: h} }

func (s *HashSink) Write(p []byte) (int, error) { return s.H.Write(p) }

// Sum returns the current digest without finalizing the underlying hash.
func (s *HashSink) Sum() []byte { return s.H.Sum(nil) }

// CountingSink discards bytes but records the total written, used to
// measure a payload's compressed size without materializing it.
type CountingSink struct {
	N int64
}

func (s *CountingSink) Write(p []byte) (int, error) {
	s.N += int64(len(p))
	return len(p), nil
}

// BufferSink accumulates written bytes, used for small in-memory payloads
// such as included blobs and symlink targets.
type BufferSink struct {
	buf []byte
}

func (s *BufferSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *BufferSink) Bytes() []byte { return s.buf }

// deflateTransform wraps klauspost/compress/flate's Writer behind the Step/
// Finish contract, buffering compressed output between calls since a
// flate.Writer does not guarantee output per Write call.
type deflateTransform struct {
	buf *deflateBuffer
	w   *flate.Writer
}

type deflateBuffer struct {
	b []byte
}

func (d *deflateBuffer) Write(p []byte) (int, error) {
	d.b = append(d.b, p...)
	return len(p), nil
}

func (d *deflateBuffer) take() []byte {
	out := d.b
	d.b = nil
	return out
}

// Deflate returns a Transform that compresses input at the given flate
// compression level (see compress/flate level constants).
func Deflate(level int) (Transform, error) {
	buf := &deflateBuffer{}
	w, err := flate.NewWriter(buf, level)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	return &deflateTransform{buf: buf, w: w}, nil
}

func (t *deflateTransform) Step(p []byte) ([]byte, error) {
	if _, err := t.w.Write(p); err != nil {
		return nil, err
	}
	return t.buf.take(), nil
}

func (t *deflateTransform) Finish() ([]byte, error) {
	if err := t.w.Close(); err != nil {
		return nil, err
	}
	return t.buf.take(), nil
}

// InflateReader wraps src so reads from it yield decompressed bytes. Used as
// the Source argument to Transfer when the underlying payload is
// deflate-compressed, keeping the pipeline single-threaded: the flate
// reader only pulls from src when Transfer pulls from it, there is no
// background goroutine.
func InflateReader(src Source) io.Reader {
	return &inflateReader{fr: flate.NewReader(src)}
}

type inflateReader struct {
	fr io.ReadCloser
}

func (r *inflateReader) Read(p []byte) (int, error) {
	n, err := r.fr.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("inflating: %w", err)
	}
	return n, err
}
