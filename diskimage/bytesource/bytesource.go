// Package bytesource defines the polymorphic random-access reader that every
// disk image decoder is built on, plus a couple of small adapters.
package bytesource

import (
	"io"
	"os"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// ByteSource is a polymorphic random-access reader. Implementations include
// an on-disk file, an in-memory buffer, a sub-range view, and a layered
// translation stream acting as a parent image.
type ByteSource interface {
	io.ReaderAt
	// Size returns the logical length of the source in bytes.
	Size() int64
	// Close releases any resources the source owns. Closing a source that
	// does not own an underlying file is a no-op.
	Close() error
}

// FileSource adapts an *os.File into a ByteSource.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens path and wraps it as a ByteSource.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herr.Wrap(herr.Io, err, "open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, herr.Wrap(herr.Io, err, "stat %s", path)
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

// NewFileSource wraps an already-open file. Ownership of f transfers to the
// returned ByteSource.
func NewFileSource(f *os.File) (*FileSource, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, herr.Wrap(herr.Io, err, "stat")
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the file size in bytes.
func (s *FileSource) Size() int64 { return s.size }

// Close closes the underlying file.
func (s *FileSource) Close() error { return s.f.Close() }

// File exposes the underlying *os.File, e.g. for format parsers that still
// need sequential Read/Seek access during header parsing.
func (s *FileSource) File() *os.File { return s.f }

// MemorySource is an in-memory ByteSource, handy for tests and for small
// embedded blobs (VMA config blobs, VBK property dictionaries).
type MemorySource struct {
	buf []byte
}

// NewMemorySource wraps buf as a ByteSource. buf is not copied.
func NewMemorySource(buf []byte) *MemorySource {
	return &MemorySource{buf: buf}
}

// ReadAt implements io.ReaderAt.
func (s *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		if off == int64(len(s.buf)) {
			return 0, io.EOF
		}
		return 0, herr.New(herr.Io, "offset %d out of range", off)
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the wrapped buffer.
func (s *MemorySource) Size() int64 { return int64(len(s.buf)) }

// Close is a no-op for an in-memory source.
func (s *MemorySource) Close() error { return nil }

// ReadFull reads exactly length bytes at offset, treating a short read as an
// error. Most decoders use this instead of calling ReadAt directly.
func ReadFull(src ByteSource, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := src.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == length) {
		return nil, herr.Wrap(herr.Io, err, "read %d bytes at offset %#x", length, offset)
	}
	return buf, nil
}
