package hds

import (
	"bytes"
	"testing"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

func putLE32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putLE64(buf []byte, off int, v uint64) {
	putLE32(buf, off, uint32(v))
	putLE32(buf, off+4, uint32(v>>32))
}

// buildV2Image assembles a synthetic v2-signature HDS image: a header, a
// 4-entry BAT (cluster 0 allocated at sector 20, rest sparse), and data.
func buildV2Image(t *testing.T, pattern []byte) []byte {
	t.Helper()
	const (
		sectorsPerCluster = 1
		clusterCount      = 4
		clusterSize       = sectorsPerCluster * sectorSize
		allocatedSector   = 20
	)
	buf := make([]byte, allocatedSector*sectorSize+clusterSize)

	copy(buf[0:16], signatureV2)
	putLE32(buf, 28, sectorsPerCluster)
	putLE32(buf, 32, clusterCount)
	putLE64(buf, 36, clusterCount*clusterSize/sectorSize)

	bat := []uint32{allocatedSector, 0, 0, 0}
	for i, v := range bat {
		putLE32(buf, headerSize+i*4, v)
	}

	if len(pattern) > clusterSize {
		t.Fatalf("pattern too large for one cluster")
	}
	copy(buf[allocatedSector*sectorSize:], pattern)

	return buf
}

func TestOpenAllocatedCluster(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xAB}, sectorSize)
	raw := buildV2Image(t, pattern)
	src := bytesource.NewMemorySource(raw)

	img, err := Open(src, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}

	out := make([]byte, sectorSize)
	if _, err := img.Stream().ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestOpenSparseClusterWithoutParentReadsZero(t *testing.T) {
	raw := buildV2Image(t, bytes.Repeat([]byte{0xCD}, sectorSize))
	img, err := Open(bytesource.NewMemorySource(raw), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(sectorSize)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if entry.Kind != stream.KindAbsent {
		t.Fatalf("Locate Kind = %v, want KindAbsent", entry.Kind)
	}

	out := make([]byte, sectorSize)
	if _, err := img.Stream().ReadAt(out, sectorSize); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 (sparse cluster, no parent)", i, b)
		}
	}
}

func TestOpenSparseClusterReadsFromParent(t *testing.T) {
	raw := buildV2Image(t, bytes.Repeat([]byte{0xCD}, sectorSize))
	parentData := bytes.Repeat([]byte{0x5A}, 4*sectorSize)
	parent := bytesource.NewMemorySource(parentData)

	img, err := Open(bytesource.NewMemorySource(raw), Options{Parent: parent})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	out := make([]byte, sectorSize)
	if _, err := img.Stream().ReadAt(out, sectorSize); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0x5A {
			t.Fatalf("byte %d = %#x, want 0x5a (from parent)", i, b)
		}
	}
}

func TestOpenRejectsUnrecognizedSignature(t *testing.T) {
	raw := make([]byte, headerSize)
	if _, err := Open(bytesource.NewMemorySource(raw), Options{}); err == nil {
		t.Fatalf("expected error opening image with bad signature")
	}
}
