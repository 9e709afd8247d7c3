package stream

import (
	"io"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// AlignedReader is implemented by a type that can fill an already
// block-aligned (offset, length) request. offset%align==0 and
// length%align==0 always hold when ReadAligned is called, except for the
// trailing partial block at EOF which AlignedStream rounds up for the
// callee and then truncates on the way out.
type AlignedReader interface {
	ReadAligned(offset, length int64) ([]byte, error)
	Align() int64
	Size() int64
}

// AlignedStream turns arbitrary (offset, length) reads against an
// AlignedReader into block-aligned reads, per spec §4.1: reads past Size
// return a truncated prefix, and the position clamps to Size.
type AlignedStream struct {
	r   AlignedReader
	pos int64
}

// NewAlignedStream wraps r.
func NewAlignedStream(r AlignedReader) *AlignedStream {
	return &AlignedStream{r: r}
}

// Size returns the logical stream length.
func (s *AlignedStream) Size() int64 { return s.r.Size() }

// Tell returns the current stream position.
func (s *AlignedStream) Tell() int64 { return s.pos }

// Seek repositions the stream. whence follows io.Seeker semantics. Seeking
// past Size is legal; subsequent reads return empty.
func (s *AlignedStream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = s.r.Size()
	default:
		return 0, herr.New(herr.InvalidHeader, "invalid whence %d", whence)
	}
	np := base + offset
	if np < 0 {
		return 0, herr.New(herr.OutOfRange, "negative seek position %d", np)
	}
	s.pos = np
	return np, nil
}

// Read reads up to n bytes starting at the current position and advances it.
func (s *AlignedStream) Read(n int) ([]byte, error) {
	b, err := s.ReadAt(s.pos, int64(n))
	if err != nil {
		return nil, err
	}
	s.pos += int64(len(b))
	if s.pos > s.r.Size() {
		s.pos = s.r.Size()
	}
	return b, nil
}

// ReadAt reads length bytes at offset without moving the stream position.
// A request extending past Size is truncated.
func (s *AlignedStream) ReadAt(offset, length int64) ([]byte, error) {
	size := s.r.Size()
	if offset >= size || length <= 0 {
		return nil, nil
	}
	if offset+length > size {
		length = size - offset
	}

	align := s.r.Align()
	if align <= 0 {
		align = 1
	}
	alignedOffset := (offset / align) * align
	end := offset + length
	alignedEnd := ((end + align - 1) / align) * align
	if alignedEnd > size {
		// round up to the next alignment boundary past EOF; the callee
		// must tolerate reading a short final block.
		alignedEnd = ((size + align - 1) / align) * align
	}

	buf, err := s.r.ReadAligned(alignedOffset, alignedEnd-alignedOffset)
	if err != nil {
		return nil, err
	}

	start := offset - alignedOffset
	stop := start + length
	if stop > int64(len(buf)) {
		stop = int64(len(buf))
	}
	if start > int64(len(buf)) {
		return nil, nil
	}
	return buf[start:stop], nil
}

// ReadAll reads the stream from its current position through Size.
func (s *AlignedStream) ReadAll() ([]byte, error) {
	b, err := s.ReadAt(s.pos, s.r.Size()-s.pos)
	if err != nil {
		return nil, err
	}
	s.pos = s.r.Size()
	return b, nil
}
