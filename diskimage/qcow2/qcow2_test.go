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

package qcow2

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"testing"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

// buildMinimalImage assembles a synthetic 512-byte-cluster QCOW2 image with
// one L1 entry, one L2 table, and a single allocated data cluster holding
// pattern. Layout (cluster-aligned, cluster size 512):
//
//	cluster 0: header + extension terminator
//	cluster 1: L1 table (1 entry)
//	cluster 2: L2 table (64 entries)
//	cluster 3: data cluster (pattern)
func buildMinimalImage(t *testing.T, pattern []byte) []byte {
	t.Helper()

	const clusterSize = 512
	const l1Offset = clusterSize * 1
	const l2Offset = clusterSize * 2
	const dataOffset = clusterSize * 3

	buf := make([]byte, clusterSize*4)

	h := header{
		Magic:         qcow2Magic,
		Version:       3,
		ClusterBits:   9, // 512-byte clusters
		Size:          clusterSize * 8,
		L1Size:        1,
		L1TableOffset: l1Offset,
		HeaderLength:  112,
	}
	hbuf := new(bytes.Buffer)
	if err := binary.Write(hbuf, binary.BigEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	copy(buf, hbuf.Bytes())
	binary.BigEndian.PutUint32(buf[hbuf.Len():], 0) // extension terminator

	binary.BigEndian.PutUint64(buf[l1Offset:], uint64(l2Offset))

	if len(pattern) > clusterSize {
		t.Fatalf("pattern too large for one cluster")
	}
	binary.BigEndian.PutUint64(buf[l2Offset:], uint64(dataOffset))
	// l2 index 1 is left zero: unallocated, reads as zero-fill.

	copy(buf[dataOffset:], pattern)

	return buf
}

func TestOpenAndLocateRawCluster(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xAB}, 512)
	raw := buildMinimalImage(t, pattern)
	src := bytesource.NewMemorySource(raw)

	img, err := Open(src, "", Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	if img.Size() != 512*8 {
		t.Fatalf("Size() = %d, want %d", img.Size(), 512*8)
	}
	if img.Align() != 512 {
		t.Fatalf("Align() = %d, want 512", img.Align())
	}

	entry, runLen, err := img.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}
	if runLen <= 0 {
		t.Fatalf("runLen = %d, want > 0", runLen)
	}

	out := make([]byte, 512)
	if _, err := img.Stream().ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestLocateUnallocatedClusterReadsZero(t *testing.T) {
	raw := buildMinimalImage(t, bytes.Repeat([]byte{0xCD}, 512))
	img, err := Open(bytesource.NewMemorySource(raw), "", Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	out := make([]byte, 512)
	if _, err := img.Stream().ReadAt(out, 512); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 (unallocated cluster)", i, b)
		}
	}
}

// TestOpenAndLocateCompressedCluster builds a 4096-byte-cluster image whose
// one L2 entry encodes a compressed cluster spanning two 512-byte sectors,
// at a byte offset that does not fall on a sector boundary — the scenario
// that requires pulling csectors out of the raw (unmasked) descriptor
// rather than out of an offset that's already had those bits stripped.
func TestOpenAndLocateCompressedCluster(t *testing.T) {
	const clusterSize = 4096
	const l1Offset = clusterSize * 1
	const l2Offset = clusterSize * 2
	const total = clusterSize * 4

	payload := bytes.Repeat([]byte{0xAB}, clusterSize)
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter failed: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("compress payload failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flush compressed payload failed: %v", err)
	}

	// coffset is deliberately unaligned to a 512-byte sector boundary, and
	// close enough to the following sector that the compressed payload
	// spills into it: csectors must come out to 2, not 1.
	const coffset = 3*clusterSize + 500
	if coffset%sectorSize+compressed.Len() <= sectorSize {
		t.Fatalf("test fixture doesn't actually cross a sector boundary")
	}

	buf := make([]byte, total)
	h := header{
		Magic:         qcow2Magic,
		Version:       3,
		ClusterBits:   12,
		Size:          clusterSize * 8,
		L1Size:        1,
		L1TableOffset: l1Offset,
		HeaderLength:  112,
	}
	hbuf := new(bytes.Buffer)
	if err := binary.Write(hbuf, binary.BigEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	copy(buf, hbuf.Bytes())
	binary.BigEndian.PutUint32(buf[hbuf.Len():], 0) // extension terminator

	binary.BigEndian.PutUint64(buf[l1Offset:], uint64(l2Offset))

	const oflagCompressed = uint64(1) << 62
	x := uint64(62 - (12 - 8))
	csectors := uint64((coffset%sectorSize+compressed.Len())+sectorSize-1) / sectorSize
	l2Entry := oflagCompressed | ((csectors - 1) << x) | uint64(coffset)
	binary.BigEndian.PutUint64(buf[l2Offset:], l2Entry)

	copy(buf[coffset:], compressed.Bytes())

	img, err := Open(bytesource.NewMemorySource(buf), "", Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindCompressed {
		t.Fatalf("Locate(0) Kind = %v, want KindCompressed", entry.Kind)
	}
	if entry.Offset != int64(coffset) {
		t.Fatalf("Locate(0) Offset = %d, want %d (exact unaligned byte position)", entry.Offset, coffset)
	}
	wantCsize := int64(csectors*sectorSize - coffset%sectorSize)
	if entry.StoredSize != wantCsize {
		t.Fatalf("Locate(0) StoredSize = %d, want %d", entry.StoredSize, wantCsize)
	}

	out := make([]byte, clusterSize)
	if _, err := img.Stream().ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("decompressed cluster content mismatch")
	}
}

// loopOpener hands back the same bytes for every path, so a backing-file
// chain that names itself never terminates on its own.
type loopOpener struct {
	raw []byte
}

func (o loopOpener) Open(path string) (bytesource.ByteSource, error) {
	return bytesource.NewMemorySource(o.raw), nil
}

// buildSelfReferencingImage builds a QCOW2 image whose backing-file name
// points back at itself, to exercise the chain-depth guard.
func buildSelfReferencingImage(t *testing.T, name string) []byte {
	t.Helper()

	const clusterSize = 512
	const l1Offset = clusterSize * 1
	const backingNameOffset = clusterSize * 2
	const l2Offset = clusterSize * 3
	const total = clusterSize * 5

	buf := make([]byte, total)

	h := header{
		Magic:             qcow2Magic,
		Version:           3,
		ClusterBits:       9,
		Size:              clusterSize * 8,
		L1Size:            1,
		L1TableOffset:     l1Offset,
		BackingFileOffset: backingNameOffset,
		BackingFileSize:   uint32(len(name)),
		HeaderLength:      112,
	}
	hbuf := new(bytes.Buffer)
	if err := binary.Write(hbuf, binary.BigEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	copy(buf, hbuf.Bytes())
	binary.BigEndian.PutUint32(buf[hbuf.Len():], 0) // extension terminator

	copy(buf[backingNameOffset:], name)
	binary.BigEndian.PutUint64(buf[l1Offset:], uint64(l2Offset))
	// l2 table left entirely zero: image has no allocated data of its own.

	return buf
}

func TestOpenRejectsSelfReferentialBackingChain(t *testing.T) {
	raw := buildSelfReferencingImage(t, "self.qcow2")

	_, err := Open(bytesource.NewMemorySource(raw), "self.qcow2", Options{Opener: loopOpener{raw: raw}})
	if err == nil {
		t.Fatalf("expected error opening an image with a self-referential backing-file chain")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	raw := buildMinimalImage(t, make([]byte, 512))
	raw[0] = 0x00 // corrupt magic

	if _, err := Open(bytesource.NewMemorySource(raw), "", Options{}); err == nil {
		t.Fatalf("expected error opening image with bad magic")
	}
}

func TestOpenRejectsEncryptedImage(t *testing.T) {
	const clusterSize = 512
	raw := make([]byte, clusterSize*4)

	h := header{
		Magic:         qcow2Magic,
		Version:       3,
		ClusterBits:   9,
		Size:          clusterSize * 8,
		CryptMethod:   1,
		L1Size:        1,
		L1TableOffset: clusterSize,
		HeaderLength:  112,
	}
	hbuf := new(bytes.Buffer)
	if err := binary.Write(hbuf, binary.BigEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	copy(raw, hbuf.Bytes())

	if _, err := Open(bytesource.NewMemorySource(raw), "", Options{}); err == nil {
		t.Fatalf("expected error opening an encrypted image")
	}
}
