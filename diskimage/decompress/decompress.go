// Package decompress dispatches across the handful of compression schemes
// the supported container formats use: raw deflate, wrapped zlib, LZ4
// block, and Zstd. Every call site knows the expected uncompressed length
// up front, so each function either returns exactly that many bytes or
// fails.
package decompress

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

// Algo identifies a decompression scheme. Defined here rather than imported
// from stream to keep this package free of a dependency on stream.
type Algo int

// Supported algorithms, matching the numbering of stream.Algorithm.
const (
	AlgoNone Algo = iota
	AlgoDeflateRaw
	AlgoZlib
	AlgoZstd
	AlgoLZ4Block
)

// Decompressor matches stream.Algorithm's underlying int so callers in
// other packages can pass their own enum value directly.
type Decompressor = Algo

// Decompress decompresses in using algo, returning exactly wantLen bytes.
func Decompress(algo Decompressor, in []byte, wantLen int) ([]byte, error) {
	switch algo {
	case AlgoDeflateRaw:
		return decompressDeflateRaw(in, wantLen)
	case AlgoZlib:
		return decompressZlib(in, wantLen)
	case AlgoZstd:
		return decompressZstd(in, wantLen)
	case AlgoLZ4Block:
		return decompressLZ4Block(in, wantLen)
	case AlgoNone:
		if len(in) < wantLen {
			return nil, herr.New(herr.CorruptMetadata, "uncompressed input shorter than expected (%d < %d)", len(in), wantLen)
		}
		return in[:wantLen], nil
	default:
		return nil, herr.New(herr.Unsupported, "unknown compression algorithm %d", algo)
	}
}

func decompressDeflateRaw(in []byte, wantLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
	return readExact(r, wantLen)
}

func decompressZlib(in []byte, wantLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, herr.Wrap(herr.CorruptMetadata, err, "zlib header")
	}
	defer r.Close()
	return readExact(r, wantLen)
}

var zstdDecoderOnce sync.Once
var zstdDecoder *zstd.Decoder

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdDecoder
}

func decompressZstd(in []byte, wantLen int) ([]byte, error) {
	dec := getZstdDecoder()
	out, err := dec.DecodeAll(in, make([]byte, 0, wantLen))
	if err != nil {
		return nil, herr.Wrap(herr.CorruptMetadata, err, "zstd decompress")
	}
	if len(out) != wantLen {
		return nil, herr.New(herr.CorruptMetadata, "zstd output length %d != expected %d", len(out), wantLen)
	}
	return out, nil
}

func decompressLZ4Block(in []byte, wantLen int) ([]byte, error) {
	out := make([]byte, wantLen)
	n, err := lz4.UncompressBlock(in, out)
	if err != nil {
		return nil, herr.Wrap(herr.CorruptMetadata, err, "lz4 block decompress")
	}
	if n != wantLen {
		return nil, herr.New(herr.CorruptMetadata, "lz4 output length %d != expected %d", n, wantLen)
	}
	return out, nil
}

func readExact(r io.Reader, wantLen int) ([]byte, error) {
	out := make([]byte, wantLen)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, herr.Wrap(herr.CorruptMetadata, err, "decompress")
	}
	if n != wantLen {
		return nil, herr.New(herr.CorruptMetadata, "decompressed %d bytes, expected %d", n, wantLen)
	}
	return out, nil
}
