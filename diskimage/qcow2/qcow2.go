// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package qcow2 decodes the QCOW2 disk image format: L1/L2 address
// translation, extended-L2 subcluster bitmaps, compressed clusters
// (zlib/zstd), backing-file chains, and internal snapshots.
package qcow2

import (
	"math/bits"
	"strings"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/container"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
	"github.com/fox-it/go-hypervisor/diskimage/lru"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
	"github.com/fox-it/go-hypervisor/log"
)

const l2CacheEntries = 128

// Options configures how an image is opened.
type Options struct {
	// AllowMissingParent permits opening an image whose backing file
	// cannot be found; reads that would fall through to the parent
	// return zeros instead of MissingDependency.
	AllowMissingParent bool
	// Opener resolves backing-file paths. Defaults to container.OSOpener.
	Opener container.FileOpener
}

// Image is an open QCOW2 file.
type Image struct {
	source bytesource.ByteSource
	path   string
	opts   Options

	header      *header
	clusterBits uint64
	clusterSize uint64
	subclusters uint64
	l2Bits      uint64
	l2Size      uint64
	compAlgo    stream.Algorithm

	l1Table []uint64
	l2Cache *lru.Cache[uint64, []l2Entry]

	parent stream.Parent

	snapshots []Snapshot
}

// maxBackingChainDepth bounds backing-file chain traversal against a
// self-referential or looping chain of images; real chains are a handful of
// snapshots deep at most.
const maxBackingChainDepth = 64

// Open parses src as a QCOW2 image. path is used to resolve a relative
// backing-file reference; it may be empty if the image has no backing file.
func Open(src bytesource.ByteSource, path string, opts Options) (*Image, error) {
	return open(src, path, opts, 0)
}

func open(src bytesource.ByteSource, path string, opts Options, depth int) (*Image, error) {
	if depth > maxBackingChainDepth {
		return nil, herr.New(herr.InvalidHeader, "backing file chain exceeds %d levels, possible cycle", maxBackingChainDepth)
	}
	if opts.Opener == nil {
		opts.Opener = container.OSOpener{}
	}

	h, _, err := parseHeader(seekerFor(src))
	if err != nil {
		return nil, err
	}

	img := &Image{
		source:      src,
		path:        path,
		opts:        opts,
		header:      h,
		clusterBits: uint64(h.ClusterBits),
		clusterSize: uint64(1) << h.ClusterBits,
		subclusters: subclustersPerCluster(h),
		compAlgo:    clusterCompressionAlgo(h),
		l2Cache:     lru.New[uint64, []l2Entry](l2CacheEntries),
	}
	entrySize := l2EntrySize(h)
	img.l2Bits = img.clusterBits - uint64(bits.TrailingZeros64(entrySize))
	img.l2Size = uint64(1) << img.l2Bits

	l1, err := readL1Table(h, src, h.L1TableOffset, h.L1Size)
	if err != nil {
		return nil, err
	}
	img.l1Table = l1

	if h.NbSnapshots > 0 {
		snaps, err := readSnapshotTable(h, src)
		if err != nil {
			log.Warnf("qcow2: failed to read snapshot table: %v", err)
		} else {
			img.snapshots = snaps
		}
	}

	if h.BackingFileOffset != 0 && h.BackingFileSize > 0 {
		parent, err := img.openBackingFile(depth)
		if err != nil {
			if !opts.AllowMissingParent {
				return nil, err
			}
			log.Warnf("qcow2: backing file unavailable, reading as zeros: %v", err)
		} else {
			img.parent = parent
		}
	}

	return img, nil
}

func (img *Image) openBackingFile(depth int) (stream.Parent, error) {
	nameBuf := make([]byte, img.header.BackingFileSize)
	if _, err := img.source.ReadAt(nameBuf, int64(img.header.BackingFileOffset)); err != nil {
		return nil, herr.Wrap(herr.Io, err, "read backing file name")
	}
	name := strings.TrimRight(string(nameBuf), "\x00")

	backing, err := container.ResolveSibling(img.opts.Opener, img.path, name, "")
	if err != nil {
		return nil, err
	}

	backingImg, err := open(backing, name, Options{Opener: img.opts.Opener, AllowMissingParent: img.opts.AllowMissingParent}, depth+1)
	if err == nil {
		return backingImg.Stream(), nil
	}
	if !herr.Is(err, herr.InvalidSignature) {
		// A real failure (cycle guard, I/O error, corrupt nested header) on
		// what did parse far enough to try; don't paper over it by silently
		// treating the sibling as raw.
		return nil, err
	}
	// Not a nested qcow2 image; treat the sibling as a raw flat backing file.
	return backing, nil
}

// Stream returns the logical read stream for this image.
func (img *Image) Stream() *stream.TranslationStream {
	return stream.NewTranslationStream(img, img.parent)
}

// SnapshotStream returns a stream reading the internal snapshot named name,
// per spec §4.2.1/§4.6: a snapshot reuses the same file / backing chain but
// its own L1 table.
func (img *Image) SnapshotStream(name string) (*stream.TranslationStream, error) {
	for _, s := range img.snapshots {
		if s.Name == name || s.ID == name {
			l1, err := readL1Table(img.header, img.source, s.L1TableOffset, s.L1Size)
			if err != nil {
				return nil, err
			}
			snapImg := &Image{
				source: img.source, path: img.path, opts: img.opts, header: img.header,
				clusterBits: img.clusterBits, clusterSize: img.clusterSize, subclusters: img.subclusters,
				l2Bits: img.l2Bits, l2Size: img.l2Size, compAlgo: img.compAlgo,
				l1Table: l1, l2Cache: lru.New[uint64, []l2Entry](l2CacheEntries),
				parent: img.parent,
			}
			return snapImg.Stream(), nil
		}
	}
	return nil, herr.New(herr.OutOfRange, "snapshot %q not found", name)
}

// Snapshots lists the image's internal snapshots.
func (img *Image) Snapshots() []Snapshot { return img.snapshots }

// Close closes the underlying source only; an opened backing image is not
// closed.
func (img *Image) Close() error { return img.source.Close() }

// Size implements stream.Decoder.
func (img *Image) Size() int64 { return int64(img.header.Size) }

// Align implements stream.Decoder.
func (img *Image) Align() int64 {
	if img.subclusters > 1 {
		return int64(img.clusterSize / img.subclusters)
	}
	return int64(img.clusterSize)
}

type subclusterKind int

const (
	scUnallocated subclusterKind = iota
	scNormal
	scZero
	scInvalid
)

// Locate implements stream.Decoder per spec §4.2.1.
func (img *Image) Locate(offset int64) (stream.Entry, int64, error) {
	uoff := uint64(offset)
	clusterIndex := uoff >> img.clusterBits
	l1Index := clusterIndex >> img.l2Bits
	clusterRegionSize := img.l2Size * img.clusterSize
	l1RegionStart := l1Index * clusterRegionSize

	if l1Index >= uint64(len(img.l1Table)) {
		return stream.Entry{Kind: stream.KindAbsent}, int64(l1RegionStart + clusterRegionSize - uoff), nil
	}
	l1Entry := img.l1Table[l1Index]
	l2Offset := l1Entry & BitRangeMask(9, 55)
	if l2Offset == 0 {
		runLen := l1RegionStart + clusterRegionSize - uoff
		return stream.Entry{Kind: stream.KindAbsent}, int64(runLen), nil
	}

	l2Table, err := img.l2Cache.GetOrLoad(l2Offset, func() ([]l2Entry, error) {
		return readL2Table(l1Entry, img.header, img.source)
	})
	if err != nil {
		return stream.Entry{}, 0, err
	}

	l2Index := clusterIndex & (img.l2Size - 1)
	entry := l2Table[l2Index]
	clusterStart := clusterIndex << img.clusterBits
	offsetInCluster := uoff - clusterStart

	const oflagCompressed = uint64(1) << 62
	const oflagZero = uint64(1) << 0

	if entry.Offset&oflagCompressed != 0 {
		// x is the bit position separating the sector-count field (above)
		// from the byte offset field (below) within the 62-bit descriptor;
		// csectors must come out of the unmasked descriptor, not out of an
		// offset that's already had those high bits stripped.
		x := 62 - (img.clusterBits - 8)
		hostOffset := entry.Offset & BitRangeMask(0, 61)
		clusterOffsetMask := BitRangeMask(0, x-1)
		csizeMask := BitRangeMask(0, img.clusterBits-8-1)
		coffset := hostOffset & clusterOffsetMask
		csectors := ((hostOffset >> x) & csizeMask) + 1
		csize := csectors*sectorSize - (coffset & (sectorSize - 1))
		return stream.Entry{
			Kind: stream.KindCompressed, Source: img.source,
			Offset: int64(coffset), StoredSize: int64(csize),
			UncompressedSize: int64(img.clusterSize), Algo: img.compAlgo,
			OffsetInUnit: int64(offsetInCluster),
		}, int64(img.clusterSize - offsetInCluster), nil
	}

	offsetBits := entry.Offset & BitRangeMask(9, 55)
	isZeroFlag := entry.Offset&oflagZero != 0

	if img.subclusters == 1 {
		switch {
		case isZeroFlag:
			return stream.Entry{Kind: stream.KindZero}, int64(img.clusterSize - offsetInCluster), nil
		case offsetBits != 0:
			hostOffset := offsetBits + offsetInCluster
			return img.rawEntry(hostOffset), int64(img.clusterSize - offsetInCluster), nil
		default:
			return stream.Entry{Kind: stream.KindAbsent}, int64(img.clusterSize - offsetInCluster), nil
		}
	}

	return img.locateSubcluster(entry, offsetBits, offsetInCluster)
}

func (img *Image) rawEntry(hostOffset uint64) stream.Entry {
	return stream.Entry{Kind: stream.KindRaw, Source: img.source, Offset: int64(hostOffset)}
}

func (img *Image) locateSubcluster(entry l2Entry, offsetBits, offsetInCluster uint64) (stream.Entry, int64, error) {
	subclusterSize := img.clusterSize / img.subclusters
	scFrom := offsetInCluster / subclusterSize
	allocMask := entry.Bitmap & 0xffffffff
	zeroMask := entry.Bitmap >> 32

	kindAt := func(sc uint64) subclusterKind {
		allocBit := (allocMask>>sc)&1 != 0
		zeroBit := (zeroMask>>sc)&1 != 0
		if allocBit && zeroBit {
			return scInvalid
		}
		if offsetBits == 0 {
			if zeroBit {
				return scZero
			}
			return scUnallocated
		}
		if zeroBit {
			return scZero
		}
		if allocBit {
			return scNormal
		}
		return scUnallocated
	}

	kind := kindAt(scFrom)
	if kind == scInvalid {
		return stream.Entry{Kind: stream.KindInvalid}, 1, nil
	}

	run := uint64(1)
	for sc := scFrom + 1; sc < img.subclusters; sc++ {
		if kindAt(sc) != kind {
			break
		}
		run++
	}
	runLen := run * subclusterSize

	switch kind {
	case scZero:
		return stream.Entry{Kind: stream.KindZero}, int64(runLen), nil
	case scUnallocated:
		return stream.Entry{Kind: stream.KindAbsent}, int64(runLen), nil
	case scNormal:
		hostOffset := offsetBits + scFrom*subclusterSize
		return img.rawEntry(hostOffset), int64(runLen), nil
	default:
		return stream.Entry{Kind: stream.KindInvalid}, int64(runLen), nil
	}
}

// readerAtSeeker adapts a bytesource.ByteSource into an io.ReadSeeker for
// header parsing, since not every ByteSource is backed by an *os.File.
type readerAtSeeker struct {
	src bytesource.ByteSource
	pos int64
}

func (r *readerAtSeeker) Read(p []byte) (int, error) {
	n, err := r.src.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *readerAtSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		r.pos = offset
	case 1:
		r.pos += offset
	case 2:
		r.pos = r.src.Size() + offset
	}
	return r.pos, nil
}

func seekerFor(src bytesource.ByteSource) *readerAtSeeker {
	return &readerAtSeeker{src: src}
}
