// Package main implements sfmfunpack, the unpacker CLI: read a manifest,
// resolve every entry's payload against local donors/packs/standalone
// downloads, and materialize the tree. Flag/positional surface follows
// SPEC_FULL.md's CLI surface section and the module's established
// validate/prepare/dispatch shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/goopsie/rootpack/pkg/cachedir"
	"github.com/goopsie/rootpack/pkg/diskstore"
	"github.com/goopsie/rootpack/pkg/fetch"
	"github.com/goopsie/rootpack/pkg/guard"
	"github.com/goopsie/rootpack/pkg/ipc"
	"github.com/goopsie/rootpack/pkg/manifestio"
	"github.com/goopsie/rootpack/pkg/materialize"
	"github.com/goopsie/rootpack/pkg/progress"
	"github.com/goopsie/rootpack/pkg/resolve"
	"github.com/goopsie/rootpack/pkg/wire"
)

var (
	verbose        bool
	showProgress   bool
	downloadOnly   bool
	offline        bool
	cacheDir       string
	registerIPC    bool

	manifestPath string
	outputDir    string
	donorDirs    []string
)

func init() {
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.BoolVar(&showProgress, "p", false, "show a progress bar")
	flag.BoolVar(&downloadOnly, "d", false, "download required payloads into the cache without materializing")
	flag.BoolVar(&offline, "D", false, "offline mode: never fetch over the network")
	flag.StringVar(&cacheDir, "C", "", "persistent cache directory (default: scrubbed temp dir)")
	flag.BoolVar(&registerIPC, "service", false, "register the D-Bus control surface")
}

func main() {
	flag.Parse()

	log := logrus.StandardLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log); err != nil {
		fmt.Fprintf(os.Stderr, "sfmfunpack: %v\n", err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	if err := parsePositional(); err != nil {
		usage()
		return err
	}

	m, err := manifestio.Read(manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	resolver := m.Resolver()
	if err := resolver.LoadLocalSources(donorDirs); err != nil {
		return fmt.Errorf("indexing donor sources: %w", err)
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	supplier, err := buildSupplier()
	if err != nil {
		return err
	}

	store := diskstore.New(m, supplier, cache)

	state := &ipc.State{}
	var svc *ipc.Service
	if registerIPC {
		svc, err = ipc.Export(state)
		if err != nil {
			return fmt.Errorf("registering IPC service: %w", err)
		}
		defer svc.Close()
	}

	aborted := false
	g := guard.Register(func() error {
		log.Warn("running cleanup")
		return cache.Close()
	})
	defer g.Stop()

	progressOpts := []progress.Option{
		progress.WithTotalSteps(2),
		progress.WithAbortCheck(func() bool {
			if svc != nil {
				aborted = state.Aborted()
			}
			return aborted
		}),
	}

	var bar *mpb.Bar
	var pool *mpb.Progress
	if showProgress {
		pool = mpb.New(mpb.WithWidth(40))
		bar = pool.AddBar(100, mpb.PrependDecorators(decor.Name(filepath.Base(outputDir))),
			mpb.AppendDecorators(decor.Percentage()))
		progressOpts = append(progressOpts, progress.WithObserver(progress.ObserverFunc(func(percent float64, phase string) {
			bar.SetCurrent(int64(percent))
		})))
	}
	if svc != nil {
		progressOpts = append(progressOpts, progress.WithObserver(svc.Observer(filepath.Base(outputDir))))
	}
	reporter := progress.New(progressOpts...)

	targets, err := buildTargets(m, resolver, reporter)
	if err != nil {
		return err
	}
	if pool != nil {
		pool.Wait()
	}

	if downloadOnly {
		for _, t := range targets {
			var err error
			switch t.Location.Kind {
			case resolve.KindPacked:
				_, _, err = store.ReadPacked(t.Location.Pack, t.Entry.ContentHash())
			case resolve.KindStandalone:
				_, _, err = store.ReadStandalone(t.Entry.ContentHash(), t.Entry.Zsize)
			}
			if err != nil {
				return fmt.Errorf("downloading %s: %w", t.Filename, err)
			}
		}
		log.Info("download-only mode: payloads cached, skipping materialization")
		return nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	reporter.NextStep("materializing")
	if err := materialize.Write(targets, outputDir, store, log); err != nil {
		return fmt.Errorf("materializing tree: %w", err)
	}
	reporter.Finish("done")

	return nil
}

// buildTargets resolves every manifest entry's payload location up front,
// reporting progress as it goes so -p reflects resolution work too, not
// just the final write pass.
func buildTargets(m *manifestio.Manifest, resolver *resolve.Resolver, reporter *progress.Reporter) ([]materialize.Target, error) {
	reporter.NextStep("resolving")

	targets := make([]materialize.Target, len(m.Entries))
	for i, e := range m.Entries {
		if err := reporter.Entry(i, len(m.Entries), "resolving"); err != nil {
			return nil, err
		}

		name, err := m.Filename(e.FilenameOffset)
		if err != nil {
			return nil, fmt.Errorf("resolving filename for entry %d: %w", i, err)
		}

		var loc resolve.Location
		switch {
		case e.Kind() == wire.EntryHardlink:
			loc = resolve.Location{Kind: resolve.KindHardlink}
		case e.Kind() == wire.EntryDirectory, e.Kind() == wire.EntryFIFO,
			e.Kind() == wire.EntryCharDevice, e.Kind() == wire.EntryBlockDevice:
			// no payload to resolve
		default:
			loc, err = resolver.Resolve(e.ContentHash())
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", name, err)
			}
		}

		targets[i] = materialize.Target{Entry: e, Filename: name, Location: loc}
	}

	return targets, nil
}

func openCache() (*cachedir.Dir, error) {
	if cacheDir != "" {
		return cachedir.Open(cacheDir)
	}
	return cachedir.OpenTemp("")
}

func buildSupplier() (fetch.Supplier, error) {
	base := filepath.Dir(manifestPath)
	if strings.HasPrefix(manifestPath, "http://") || strings.HasPrefix(manifestPath, "https://") {
		idx := strings.LastIndex(manifestPath, "/")
		base = manifestPath[:idx]
	}

	if offline {
		if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
			return nil, fmt.Errorf("offline mode requires a local manifest path, got %s", manifestPath)
		}
		return &fetch.DirSupplier{Root: base}, nil
	}

	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return fetch.NewHTTPSupplier(base), nil
	}
	return &fetch.DirSupplier{Root: base}, nil
}

func parsePositional() error {
	args := flag.Args()
	if len(args) < 2 {
		return fmt.Errorf("expected at least manifest_file and output_dir")
	}

	manifestPath = args[0]
	outputDir = args[1]
	donorDirs = args[2:]

	if _, err := os.Stat(manifestPath); err != nil && !strings.HasPrefix(manifestPath, "http") {
		return fmt.Errorf("manifest_file: %w", err)
	}
	for _, d := range donorDirs {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			return fmt.Errorf("donor_dir %s is not a directory", d)
		}
	}

	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sfmfunpack [-v] [-p] [-d] [-D] [-C dir] [-service] manifest_file output_dir [donor_dir...]\n")
	flag.PrintDefaults()
}
