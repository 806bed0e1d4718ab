// Package main implements sfmfpack, the packer CLI: walk a source tree,
// classify and bin-pack its content, and write a manifest plus pack/blob
// sidecars. Flag/positional surface and validate/prepare/dispatch shape
// follow the module's established CLI pattern.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/writer"
)

var (
	verbose bool

	inDir       string
	outDir      string
	metaFile    string
	blobUpperKB uint64
	packUpperKB uint64
	avgPackKB   uint64
)

func init() {
	flag.BoolVar(&verbose, "v", false, "verbose logging")
}

func main() {
	flag.Parse()

	log := logrus.StandardLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log); err != nil {
		fmt.Fprintf(os.Stderr, "sfmfpack: %v\n", err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	if err := parsePositional(); err != nil {
		usage()
		return err
	}

	var metadata []byte
	if metaFile != "" {
		data, err := os.ReadFile(metaFile)
		if err != nil {
			return fmt.Errorf("reading meta file: %w", err)
		}
		metadata = data
	}

	log.WithFields(logrus.Fields{"source": inDir, "out": outDir}).Info("walking source tree")
	entries, err := walker.Walk(inDir, walker.Options{Hash: true})
	if err != nil {
		return fmt.Errorf("walking %s: %w", inDir, err)
	}

	result, err := writer.Build(entries, writer.Options{
		SourceRoot:     inDir,
		OutDir:         outDir,
		MetadataBytes:  metadata,
		BlobUpperBytes: blobUpperKB * 1024,
		PackUpperBytes: packUpperKB * 1024,
		AvgPackBytes:   avgPackKB * 1024,
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("building package: %w", err)
	}

	log.WithFields(logrus.Fields{
		"manifest": result.ManifestPath,
		"packs":    len(result.PackPaths),
	}).Info("packing complete")
	return nil
}

func parsePositional() error {
	args := flag.Args()
	if len(args) != 6 {
		return fmt.Errorf("expected 6 positional arguments, got %d", len(args))
	}

	inDir, outDir, metaFile = args[0], args[1], args[2]
	if metaFile == "-" {
		metaFile = ""
	}

	var err error
	if blobUpperKB, err = strconv.ParseUint(args[3], 10, 64); err != nil {
		return fmt.Errorf("blob_upper_kb: %w", err)
	}
	if packUpperKB, err = strconv.ParseUint(args[4], 10, 64); err != nil {
		return fmt.Errorf("pack_upper_kb: %w", err)
	}
	if avgPackKB, err = strconv.ParseUint(args[5], 10, 64); err != nil {
		return fmt.Errorf("avg_pack_kb: %w", err)
	}
	if avgPackKB < packUpperKB {
		return fmt.Errorf("avg_pack_kb (%d) must be >= pack_upper_kb (%d)", avgPackKB, packUpperKB)
	}

	if info, err := os.Stat(inDir); err != nil || !info.IsDir() {
		return fmt.Errorf("in_dir %s is not a directory", inDir)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating out_dir: %w", err)
	}

	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sfmfpack [-v] in_dir out_dir meta_file blob_upper_kb pack_upper_kb avg_pack_kb\n")
	flag.PrintDefaults()
}
