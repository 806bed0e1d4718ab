// Package main implements sfmfdump, a diagnostic tool that prints a
// manifest's or pack's header fields and entry counts, merging the
// reference tooling's separate manifest/pack dump utilities into one
// binary since both container formats share most of their header shape.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goopsie/rootpack/pkg/manifestio"
	"github.com/goopsie/rootpack/pkg/wire"
)

var (
	verbose bool
	kind    string
)

func init() {
	flag.BoolVar(&verbose, "v", false, "print the full file-entry table")
	flag.StringVar(&kind, "kind", "auto", "file kind: manifest, pack, or auto (detect from magic)")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sfmfdump: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one path argument")
	}
	path := args[0]

	resolvedKind, err := detectKind(path)
	if err != nil {
		return err
	}

	switch resolvedKind {
	case "manifest":
		return dumpManifest(path)
	case "pack":
		return dumpPack(path)
	default:
		return fmt.Errorf("unknown kind %q", resolvedKind)
	}
}

func detectKind(path string) (string, error) {
	if kind != "auto" {
		return kind, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < 4 {
		return "", fmt.Errorf("%s is too short to contain a magic number", path)
	}

	magic := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	switch magic {
	case wire.ManifestMagic:
		return "manifest", nil
	case wire.PackMagic:
		return "pack", nil
	default:
		return "", fmt.Errorf("%s: unrecognized magic 0x%08x", path, magic)
	}
}

func dumpManifest(path string) error {
	m, err := manifestio.Read(path)
	if err != nil {
		return err
	}

	fmt.Printf("manifest: %s\n", path)
	fmt.Printf("  version:        %d\n", m.Header.Version)
	fmt.Printf("  metadata bytes: %d\n", m.Header.MetadataSize)
	fmt.Printf("  entries:        %d\n", m.Header.EntriesLength)
	fmt.Printf("  packs:          %d\n", m.Header.PacksLength)
	fmt.Printf("  included blobs: %d\n", m.Header.BlobsLength)

	if !verbose {
		return nil
	}

	fmt.Println("  file entries:")
	for i, e := range m.Entries {
		name, err := m.Filename(e.FilenameOffset)
		if err != nil {
			return err
		}
		fmt.Printf("    [%5d] %-8s mode=%#o uid=%d gid=%d mtime=%d hash=%s name=%s\n",
			i, e.Kind(), e.Mode&0o7777, e.UID, e.GID, e.Mtime, e.ContentHash().Hex(), name)
	}

	return nil
}

func dumpPack(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var header wire.PackHeader
	if err := header.UnmarshalBinary(raw[:wire.PackHeaderSize]); err != nil {
		return err
	}

	fmt.Printf("pack: %s\n", path)
	fmt.Printf("  version:        %d\n", header.Version)
	fmt.Printf("  metadata bytes: %d\n", header.MetadataSize)
	fmt.Printf("  blobs:          %d\n", header.BlobsLength)

	if !verbose {
		return nil
	}

	blobs, err := manifestio.ParsePackBlobTable(raw, header)
	if err != nil {
		return err
	}

	fmt.Println("  blob entries:")
	for i, b := range blobs {
		fmt.Printf("    [%5d] hash=%s offset=%d size=%d compressed=%v\n",
			i, b.ContentHash().Hex(), b.Offset, b.Size, b.Compressed())
	}

	return nil
}
