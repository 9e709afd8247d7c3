package asif

import (
	"bytes"
	"testing"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

func putBE16(buf []byte, off int, v uint16) {
	buf[off] = byte(v >> 8)
	buf[off+1] = byte(v)
}

func putBE32(buf []byte, off int, v uint32) {
	buf[off] = byte(v >> 24)
	buf[off+1] = byte(v >> 16)
	buf[off+2] = byte(v >> 8)
	buf[off+3] = byte(v)
}

func putBE64(buf []byte, off int, v uint64) {
	putBE32(buf, off, uint32(v>>32))
	putBE32(buf, off+4, uint32(v))
}

// Layout used by every test in this file: blockSize=512, chunkSize=65536
// (128 blocks/chunk), giving numReservedTableEntries=2048, numTableEntries=
// 6147, sizePerTable=6144*65536, one directory entry covers the whole disk.
// Two virtual chunks make up the 256-sector disk: chunk 0 holds data,
// chunk 1 is unallocated. A third virtual chunk, reachable only through the
// larger max_sector_count, holds the optional metadata blob.
const (
	testBlockSize = 512
	testChunkSize = 65536

	dir0Offset = 128
	dir1Offset = 256

	tableChunk    = 1 // physical chunk holding the table
	dataChunk     = 2 // physical chunk holding virtual chunk 0's data
	metaDataChunk = 4 // physical chunk holding the metadata blob

	numTableEntries = 6147
)

func buildImage(t *testing.T, dir0Version, dir1Version uint64, withMetadata bool) []byte {
	t.Helper()

	metaPlist := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>user metadata</key>
	<dict>
		<key>Name</key>
		<string>test-disk</string>
	</dict>
</dict>
</plist>
`)

	total := int64(testChunkSize * dataChunk) + testChunkSize // covers chunk 0..2 fully
	if withMetadata {
		total = int64(testChunkSize*metaDataChunk) + 20 + int64(len(metaPlist))
	}
	buf := make([]byte, total)

	putBE32(buf, 0, headerSignature)
	putBE64(buf, 16, dir0Offset)
	putBE64(buf, 24, dir1Offset)
	putBE64(buf, 48, 256) // SectorCount: 256*512 = 131072 = 2 chunks
	if withMetadata {
		putBE64(buf, 56, 512) // MaxSectorCount: 512*512 = 262144 = 4 chunks
	} else {
		putBE64(buf, 56, 256)
	}
	putBE32(buf, 64, testChunkSize)
	putBE16(buf, 68, testBlockSize)
	if withMetadata {
		putBE64(buf, 72, 2) // MetadataChunk: virtual chunk index 2
	}

	putBE64(buf, dir0Offset, dir0Version)
	putBE64(buf, dir0Offset+8, 0) // garbage table chunk, never read when inactive

	putBE64(buf, dir1Offset, dir1Version)
	putBE64(buf, dir1Offset+8, tableChunk)

	tableOffset := testChunkSize * tableChunk
	putBE64(buf, tableOffset+0*8, dataChunk) // virtual chunk 0 -> physical data chunk
	putBE64(buf, tableOffset+1*8, 0)         // virtual chunk 1 -> unallocated
	if withMetadata {
		putBE64(buf, tableOffset+2*8, metaDataChunk) // virtual chunk 2 -> metadata blob
	}

	pattern := bytes.Repeat([]byte{0xAB}, testChunkSize)
	copy(buf[testChunkSize*dataChunk:], pattern)

	if withMetadata {
		metaOffset := testChunkSize * metaDataChunk
		putBE32(buf, metaOffset, metaHeaderSignature)
		putBE32(buf, metaOffset+8, 20) // header_size
		putBE64(buf, metaOffset+12, uint64(len(metaPlist)))
		copy(buf[metaOffset+20:], metaPlist)
	}

	return buf
}

func TestOpenRejectsInvalidSignature(t *testing.T) {
	buf := make([]byte, headerReadSize)
	if _, err := Open(bytesource.NewMemorySource(buf)); err == nil {
		t.Fatalf("expected error opening image with bad signature")
	}
}

func TestOpenSelectsHigherVersionDirectory(t *testing.T) {
	// Directory 1 has the higher version in this build; directory 0's
	// table entry is garbage and must never be consulted.
	buf := buildImage(t, 1, 2, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	if img.directory.version != 2 {
		t.Fatalf("active directory version = %d, want 2", img.directory.version)
	}
}

func TestOpenSelectsHigherVersionDirectoryRegardlessOfOrder(t *testing.T) {
	buf := buildImage(t, 5, 3, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	if img.directory.version != 5 {
		t.Fatalf("active directory version = %d, want 5", img.directory.version)
	}
}

func TestReadAllocatedChunk(t *testing.T) {
	buf := buildImage(t, 1, 2, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, runLen, err := img.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}
	if runLen != testChunkSize {
		t.Fatalf("Locate(0) runLen = %d, want %d", runLen, testChunkSize)
	}

	out := make([]byte, testChunkSize)
	if _, err := img.Stream().ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, bytes.Repeat([]byte{0xAB}, testChunkSize)) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestReadAllocatedChunkAtNonChunkAlignedOffset(t *testing.T) {
	buf := buildImage(t, 1, 2, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	const off = 100
	entry, runLen, err := img.Locate(off)
	if err != nil {
		t.Fatalf("Locate(%d) failed: %v", off, err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(%d) Kind = %v, want KindRaw", off, entry.Kind)
	}
	if runLen != testChunkSize-off {
		t.Fatalf("Locate(%d) runLen = %d, want %d", off, runLen, testChunkSize-off)
	}
	if entry.Offset != int64(testChunkSize*dataChunk+off) {
		t.Fatalf("Locate(%d) Offset = %d, want %d", off, entry.Offset, testChunkSize*dataChunk+off)
	}
}

func TestReadUnallocatedChunkIsZero(t *testing.T) {
	buf := buildImage(t, 1, 2, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(testChunkSize)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if entry.Kind != stream.KindZero {
		t.Fatalf("Locate Kind = %v, want KindZero", entry.Kind)
	}

	out := make([]byte, testChunkSize)
	if _, err := img.Stream().ReadAt(out, testChunkSize); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestMetadataReturnsNilWithoutMetadataChunk(t *testing.T) {
	buf := buildImage(t, 1, 2, false)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md != nil {
		t.Fatalf("Metadata = %+v, want nil", md)
	}
}

func TestMetadataDecodesXMLPlist(t *testing.T) {
	buf := buildImage(t, 1, 2, true)
	img, err := Open(bytesource.NewMemorySource(buf))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md == nil {
		t.Fatalf("Metadata = nil, want a decoded blob")
	}
	if name, _ := md.User["Name"].(string); name != "test-disk" {
		t.Fatalf("User metadata Name = %q, want %q", name, "test-disk")
	}
}
