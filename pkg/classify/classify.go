// Package classify runs the three-phase pass over an enumerated file list
// that the packer needs before it can write anything: duplicate/hardlink
// detection, an adaptive cutoff search, and bucketization into the three
// blob placement tiers, followed by first-fit bin-packing of the "packed"
// bucket into bounded pack files. Every algorithm here is a direct, exact
// port of the reference packer's dedup/cutoff/bucketize/pack passes, kept
// algorithm-for-algorithm rather than reinvented, since two independent
// implementations must agree byte-for-byte on cutoff and bucket assignment
// to produce interoperable manifests.
package classify

import (
	"github.com/goopsie/rootpack/pkg/walker"
	"github.com/goopsie/rootpack/pkg/wire"
)

// MinSize is an entry's minimum possible stored size: the compressed size
// when compression actually shrinks it, otherwise the raw size.
func MinSize(e walker.Entry) uint64 {
	if e.Zsize > 0 && e.Zsize < e.Size {
		return e.Zsize
	}
	return e.Size
}

// MarkDuplicates is the dedup pass. It runs a nested scan over every pair
// of regular/symlink entries with non-zero size; the second of any pair
// with equal content hash is marked Duplicate, and if the pair additionally
// shares an inode, the second is also given a HardlinkIndex pointing back
// at the first. Entries already marked Duplicate are not skipped, and a
// HardlinkIndex, once set, is not overwritten by a later pair, so a chain
// of three or more hardlinked copies all converge on the same canonical
// (first) entry.
func MarkDuplicates(entries []walker.Entry) {
	isHashable := func(e walker.Entry) bool {
		if e.Size == 0 {
			return false
		}
		return e.Kind == wire.EntryRegular || e.Kind == wire.EntrySymlink
	}

	for i := range entries {
		a := &entries[i]
		if !isHashable(*a) {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			b := &entries[j]
			if !isHashable(*b) {
				continue
			}
			if !a.Hash.Equal(b.Hash) {
				continue
			}
			if !b.Duplicate {
				b.Duplicate = true
			}
			if a.Inode == b.Inode && b.HardlinkIndex < 0 {
				b.HardlinkIndex = i
			}
		}
	}
}

// CutoffSearch performs the bounded bisection search for the largest cutoff
// C such that the sum of MinSize over all entries with MinSize < C is <=
// budget. The loop structure (halving width, tracking center, leaving
// best_fit untouched on an exact match) reproduces the reference
// implementation's termination behavior exactly so that two independent
// packers converge on the same cutoff from the same input. When the MinSize
// of all entries together is <= budget, no bisection runs: the result is
// one more than the largest size, so every entry falls below the cutoff.
func CutoffSearch(entries []walker.Entry, budget uint64) uint64 {
	var minSize uint64 = ^uint64(0)
	var maxSize uint64
	var total uint64

	for _, e := range entries {
		s := MinSize(e)
		total += s
		if s < minSize {
			minSize = s
		}
		if e.Size > maxSize {
			maxSize = e.Size
		}
		if e.Zsize > maxSize {
			maxSize = e.Zsize
		}
	}

	if total <= budget {
		return maxSize + 1
	}

	if minSize >= maxSize || maxSize == 0 {
		return 0
	}

	center := (maxSize + minSize) / 2
	width := (maxSize - minSize) / 2
	var bestFit uint64

	for width > 1 {
		var sum uint64
		for _, e := range entries {
			if e.Zsize > 0 && e.Zsize < e.Size && e.Zsize < center {
				sum += e.Zsize
			} else if e.Size < center {
				sum += e.Size
			}
		}

		width /= 2
		if sum > budget {
			center -= width
		} else if sum < budget {
			if bestFit < center {
				bestFit = center
			}
			center += width
		}
		// sum == budget: neither center nor best_fit is updated, matching
		// the reference's exact-match behavior.
	}

	return bestFit
}

// Buckets holds the three placement tiers produced by Bucketize.
type Buckets struct {
	Included []walker.Entry
	Packed   []walker.Entry
	Unpacked []walker.Entry
}

// Bucketize assigns every non-duplicate, non-empty regular/symlink entry to
// exactly one of the three tiers. If packUpper <= cutoff, packUpper is
// raised to cutoff+1 so the packed size range [cutoff, packUpper) is never
// empty, matching the reference packer's self-correction. Bucketize itself
// logs nothing; writer.Build warns the operator before calling it.
func Bucketize(entries []walker.Entry, cutoff, packUpper uint64) Buckets {
	if packUpper <= cutoff {
		packUpper = cutoff + 1
	}

	var b Buckets
	for _, e := range entries {
		if e.Duplicate {
			continue
		}
		size := MinSize(e)
		if size == 0 {
			continue
		}
		if e.Kind != wire.EntrySymlink && e.Kind != wire.EntryRegular {
			continue
		}

		switch {
		case e.Kind == wire.EntrySymlink || size < cutoff:
			b.Included = append(b.Included, e)
		case e.Kind == wire.EntryRegular && size < packUpper:
			b.Packed = append(b.Packed, e)
		case e.Kind == wire.EntryRegular:
			b.Unpacked = append(b.Unpacked, e)
		}
	}
	return b
}

// Pack is one bin produced by bin-packing: a set of entries whose summed
// MinSize does not exceed the configured capacity.
type Pack struct {
	Entries []walker.Entry
	Size    uint64
}

// BinPack runs first-fit bin-packing over packed in enumeration order
// (not size-sorted): for each entry, the first existing bin with enough
// remaining capacity accepts it; if none do, a new bin opens. This is not
// first-fit-decreasing and is not optimal, by design — SPEC_FULL.md §9
// pins enumeration order to keep packer output deterministic across runs
// rather than switching to a sorted variant that would change bin
// assignment whenever ties in size break differently.
func BinPack(packed []walker.Entry, capacity uint64) []Pack {
	var bins []Pack

	for _, e := range packed {
		size := MinSize(e)
		placed := false
		for i := range bins {
			if bins[i].Size+size <= capacity {
				bins[i].Entries = append(bins[i].Entries, e)
				bins[i].Size += size
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, Pack{Entries: []walker.Entry{e}, Size: size})
		}
	}

	return bins
}
