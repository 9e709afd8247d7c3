// Package stream implements the alignment and translation engine every
// format decoder is built on: an aligned-read wrapper and a run-coalescing
// reader that walks a Decoder to assemble logical bytes from raw, zero,
// compressed, and parent-redirected extents.
package stream

import "github.com/fox-it/go-hypervisor/diskimage/bytesource"

// Kind tags the variant carried by an Entry.
type Kind int

const (
	// KindAbsent defers to a parent stream, or zeros if there is none.
	KindAbsent Kind = iota
	// KindZero reads as zero-filled bytes without touching the source.
	KindZero
	// KindRaw reads verbatim bytes from Source at Offset.
	KindRaw
	// KindCompressed reads StoredSize compressed bytes from Source at
	// Offset, decompresses to UncompressedSize, then slices.
	KindCompressed
	// KindInvalid marks a malformed index entry; always fatal.
	KindInvalid
)

// Algorithm names a decompression scheme used by a KindCompressed entry.
type Algorithm int

// Supported decompression algorithms.
const (
	AlgoNone Algorithm = iota
	AlgoDeflateRaw
	AlgoZlib
	AlgoZstd
	AlgoLZ4Block
)

// Entry is the tagged variant a Decoder returns for a logical offset.
type Entry struct {
	Kind Kind

	Source bytesource.ByteSource

	Offset            int64
	StoredSize        int64
	UncompressedSize  int64
	Algo              Algorithm
	// OffsetInUnit is the byte offset into the decompressed unit at which
	// the requested read begins, for KindCompressed entries.
	OffsetInUnit int64
}

// Decoder translates logical offsets into Entry descriptors.
//
// Locate returns the entry covering offset and runLen, the number of
// logically contiguous bytes sharing that entry's kind (and, for Raw
// entries, physical contiguity). runLen is always >= 1. It is bounded by the
// decoder's own index unit (block, cluster, grain or table region), not by
// Size()-offset, so near the end of an image it can reach past Size();
// TranslationStream clamps it to the length being read.
type Decoder interface {
	Locate(offset int64) (entry Entry, runLen int64, err error)
	Size() int64
	Align() int64
}
