// Package materialize writes a resolved file tree to disk: it is the
// unpacker's final stage, turning a manifest's FileEntry list plus
// already-resolved blob locations into real inodes. Creation order,
// the owner/permission/timestamp sequencing (chown before chmod, so
// setuid/setgid bits survive; directory mtimes deferred until every
// child is written), and the special handling of each entry kind are an
// exact port of the reference unpacker's unpack_write_entry /
// unpack_set_permissions pair.
package materialize

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/goopsie/rootpack/pkg/chash"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/stream"
	"github.com/goopsie/rootpack/pkg/wire"
)

// BlobSource supplies the raw payload bytes for an entry once its Location
// has been resolved. Each method returns the bytes exactly as stored
// (still deflate-compressed when the underlying blob/pack entry says so);
// Write takes care of decompression and hash verification.
type BlobSource interface {
	ReadIncluded(b *wire.BlobEntry) ([]byte, bool, error)
	ReadLocal(c *resolve.LocalCandidate) ([]byte, error)
	ReadPacked(p *wire.PackEntry, hash chash.ContentHash) ([]byte, bool, error)
	ReadStandalone(hash chash.ContentHash, zsize uint32) ([]byte, bool, error)
}

// Target is one manifest entry paired with its filename and already
// resolved blob location, ready to be written.
type Target struct {
	Entry    wire.FileEntry
	Filename string
	Location resolve.Location
}

// ErrHashMismatch is returned when a freshly written file's content does
// not match the hash recorded for it in the manifest.
type ErrHashMismatch struct {
	Path string
	Want chash.ContentHash
	Got  chash.ContentHash
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("materialize: %s failed hash verification: want %s, got %s", e.Path, e.Want.Hex(), e.Got.Hex())
}

// Write creates every target under outputDir, in the order given (which
// must be manifest/enumeration order, i.e. a directory's entry precedes
// all of its children).
func Write(targets []Target, outputDir string, source BlobSource, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = filepath.Join(outputDir, filepath.FromSlash(t.Filename))
	}

	stack := newDirStack(func(path string, data any) {
		entry := data.(wire.FileEntry)
		setMtime(path, entry.Mtime)
	})

	for i, t := range targets {
		path := names[i]
		if err := writeNode(path, t, names, source); err != nil {
			return fmt.Errorf("writing %s: %w", t.Filename, err)
		}

		if err := setOwnerAndMode(path, t.Entry); err != nil {
			return err
		}

		if t.Entry.Kind() == wire.EntryDirectory {
			stack.push(path, t.Entry)
		} else if err := setMtime(path, t.Entry.Mtime); err != nil {
			return err
		}
	}

	stack.drain()

	log.WithField("count", len(targets)).Info("materialized file tree")
	return nil
}

func writeNode(path string, t Target, names []string, source BlobSource) error {
	switch t.Entry.Kind() {
	case wire.EntryDirectory:
		isRoot := t.Filename == "" || t.Filename == "/"
		if err := os.Mkdir(path, 0755); err != nil && !(os.IsExist(err) && isRoot) {
			return err
		}
		return nil

	case wire.EntryRegular:
		return writeRegular(path, t, source)

	case wire.EntrySymlink:
		target, err := readSymlinkTarget(t, source)
		if err != nil {
			return err
		}
		return os.Symlink(target, path)

	case wire.EntryCharDevice, wire.EntryBlockDevice:
		return unix.Mknod(path, t.Entry.Mode, int(t.Entry.Dev))

	case wire.EntryFIFO:
		return unix.Mkfifo(path, 0644)

	case wire.EntryHardlink:
		if int(t.Entry.Dev) >= len(names) {
			return fmt.Errorf("hardlink back-reference %d out of range", t.Entry.Dev)
		}
		return os.Link(names[t.Entry.Dev], path)

	default:
		return fmt.Errorf("unsupported entry kind %s", t.Entry.Kind())
	}
}

func writeRegular(path string, t Target, source BlobSource) error {
	if t.Location.Kind == resolve.KindEmpty {
		return os.WriteFile(path, nil, 0644)
	}

	raw, compressed, err := readLocationPayload(t.Entry, t.Location, source)
	if err != nil {
		return err
	}

	payload := raw
	if compressed {
		inflated, err := io.ReadAll(stream.InflateReader(bytes.NewReader(raw)))
		if err != nil {
			return fmt.Errorf("decompressing payload: %w", err)
		}
		payload = inflated
	}

	if err := os.WriteFile(path, payload, 0644); err != nil {
		return err
	}

	got := chash.SumBytes(payload)
	want := t.Entry.ContentHash()
	if !got.Equal(want) {
		return &ErrHashMismatch{Path: t.Filename, Want: want, Got: got}
	}
	return nil
}

func readSymlinkTarget(t Target, source BlobSource) (string, error) {
	raw, _, err := readLocationPayload(t.Entry, t.Location, source)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readLocationPayload(entry wire.FileEntry, loc resolve.Location, source BlobSource) ([]byte, bool, error) {
	switch loc.Kind {
	case resolve.KindIncluded:
		return source.ReadIncluded(loc.Blob)
	case resolve.KindLocal:
		data, err := source.ReadLocal(loc.Local)
		return data, false, err
	case resolve.KindPacked:
		return source.ReadPacked(loc.Pack, entry.ContentHash())
	case resolve.KindStandalone:
		return source.ReadStandalone(entry.ContentHash(), entry.Zsize)
	default:
		return nil, false, fmt.Errorf("cannot read payload for location kind %s", loc.Kind)
	}
}

func setOwnerAndMode(path string, entry wire.FileEntry) error {
	if err := os.Lchown(path, int(entry.UID), int(entry.GID)); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	if entry.Kind() != wire.EntrySymlink {
		if err := os.Chmod(path, os.FileMode(entry.Mode&0o7777)); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

func setMtime(path string, mtime uint64) error {
	t := time.Unix(int64(mtime), 0)
	tv := []unix.Timeval{
		unix.NsecToTimeval(t.UnixNano()),
		unix.NsecToTimeval(t.UnixNano()),
	}
	if err := unix.Lutimes(path, tv); err != nil {
		return fmt.Errorf("setting mtime of %s: %w", path, err)
	}
	return nil
}
