package stream

import (
	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/decompress"
	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// Parent is the subset of bytesource.ByteSource a TranslationStream needs
// from an overlay's backing image.
type Parent interface {
	ReadAt(p []byte, off int64) (int, error)
}

// TranslationStream is the run-coalescing read engine of spec §4.4: for an
// aligned request it walks decoder.Locate to produce a sequence of runs,
// issuing reads, zero-filling, decompressing, or recursing into parent for
// each.
type TranslationStream struct {
	decoder Decoder
	parent  Parent
}

// NewTranslationStream builds a stream over decoder, optionally backed by
// parent for Absent entries. parent may be nil.
func NewTranslationStream(decoder Decoder, parent Parent) *TranslationStream {
	return &TranslationStream{decoder: decoder, parent: parent}
}

// Align implements AlignedReader.
func (t *TranslationStream) Align() int64 { return t.decoder.Align() }

// Size implements AlignedReader.
func (t *TranslationStream) Size() int64 { return t.decoder.Size() }

// ReadAligned implements AlignedReader per the algorithm of spec §4.4.
func (t *TranslationStream) ReadAligned(offset, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		entry, runLen, err := t.decoder.Locate(offset)
		if err != nil {
			return nil, err
		}
		if runLen <= 0 {
			return nil, herr.New(herr.CorruptMetadata, "decoder returned non-positive run length at offset %#x", offset)
		}
		if runLen > length {
			runLen = length
		}

		switch entry.Kind {
		case KindZero:
			out = append(out, make([]byte, runLen)...)

		case KindAbsent:
			if t.parent != nil {
				buf := make([]byte, runLen)
				n, err := t.parent.ReadAt(buf, offset)
				if err != nil && n < len(buf) {
					return nil, herr.Wrap(herr.Io, err, "parent read at %#x", offset)
				}
				out = append(out, buf[:n]...)
				if n < len(buf) {
					out = append(out, make([]byte, len(buf)-n)...)
				}
			} else {
				out = append(out, make([]byte, runLen)...)
			}

		case KindRaw:
			// A coalesced run can extend past the physical end of a
			// decoder's backing source when the logical unit it belongs to
			// (a VMDK grain, an ASIF chunk) isn't itself padded out to the
			// full run length on disk; tolerate that short final read and
			// zero-fill the remainder rather than treating it as an error.
			want := runLen
			if srcSize := entry.Source.Size(); entry.Offset+want > srcSize {
				want = srcSize - entry.Offset
				if want < 0 {
					want = 0
				}
			}
			buf, err := bytesource.ReadFull(entry.Source, entry.Offset, int(want))
			if err != nil {
				return nil, err
			}
			out = append(out, buf...)
			if want < runLen {
				out = append(out, make([]byte, runLen-want)...)
			}

		case KindCompressed:
			raw, err := bytesource.ReadFull(entry.Source, entry.Offset, int(entry.StoredSize))
			if err != nil {
				return nil, err
			}
			dec, err := decompress.Decompress(decompress.Algo(entry.Algo), raw, int(entry.UncompressedSize))
			if err != nil {
				return nil, err
			}
			lo := entry.OffsetInUnit
			hi := lo + runLen
			if hi > int64(len(dec)) {
				return nil, herr.New(herr.CorruptMetadata, "decompressed unit shorter than requested slice")
			}
			out = append(out, dec[lo:hi]...)

		case KindInvalid:
			return nil, herr.New(herr.CorruptMetadata, "invalid index entry at offset %#x", offset)

		default:
			return nil, herr.New(herr.CorruptMetadata, "unknown entry kind at offset %#x", offset)
		}

		offset += runLen
		length -= runLen
	}
	return out, nil
}

// ReadAt implements bytesource.ByteSource so a TranslationStream can itself
// act as a parent for an overlay one level up the chain.
func (t *TranslationStream) ReadAt(p []byte, off int64) (int, error) {
	as := NewAlignedStream(t)
	buf, err := as.ReadAt(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	if n < len(p) {
		return n, herr.New(herr.OutOfRange, "short read at %#x", off)
	}
	return n, nil
}
