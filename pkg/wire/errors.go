package wire

import "errors"

var (
	// ErrBadMagic is returned when a manifest or pack file does not begin
	// with the expected magic bytes.
	ErrBadMagic = errors.New("bad magic bytes")
	// ErrUnsupportedVersion is returned when a manifest or pack file's
	// version field does not match FormatVersion.
	ErrUnsupportedVersion = errors.New("unsupported format version")
	// ErrTruncated names a container whose declared section lengths exceed
	// the actual file size. No reader in this module returns it.
	ErrTruncated = errors.New("truncated container")
)
