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

package vmdk

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

// buildHostedSparseImage assembles a synthetic monolithic hosted-sparse VMDK
// extent: one sector-sized header, a one-sector grain directory of four
// grain-table pointers, four four-entry grain tables, and a single
// allocated data grain holding pattern. Grain 0 is allocated; every other
// grain-table entry is zero (reads as absent).
func buildHostedSparseImage(t *testing.T, pattern []byte) []byte {
	t.Helper()
	const (
		numGTEsPerGT = 4
		grainSize    = 1 // sectors
		capacity     = 16
	)
	buf := make([]byte, sectorSize*12)

	putLE32(buf, 0, sparseMagic)
	putLE32(buf, 4, 1)  // version
	putLE32(buf, 8, 0)  // flags
	putLE64(buf, 12, capacity)
	putLE64(buf, 20, grainSize)
	putLE32(buf, 44, numGTEsPerGT)
	putLE64(buf, 56, 1) // gdOffset: sector 1

	// grain directory at sector 1: four grain-table sector pointers.
	putLE32(buf, sectorSize*1, 2)
	putLE32(buf, sectorSize*1+4, 3)
	putLE32(buf, sectorSize*1+8, 4)
	putLE32(buf, sectorSize*1+12, 5)

	// grain table 0 at sector 2: grain 0 allocated at sector 10, rest unallocated.
	putLE32(buf, sectorSize*2, 10)

	if len(pattern) > sectorSize {
		t.Fatalf("pattern too large for one grain")
	}
	copy(buf[sectorSize*10:], pattern)

	return buf
}

func TestOpenExtentHostedSparseAllocatedGrain(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xAB}, sectorSize)
	raw := buildHostedSparseImage(t, pattern)
	src := bytesource.NewMemorySource(raw)

	dec, err := OpenExtent(src, "", Options{})
	if err != nil {
		t.Fatalf("OpenExtent failed: %v", err)
	}
	if dec.Size() != 16*sectorSize {
		t.Fatalf("Size() = %d, want %d", dec.Size(), 16*sectorSize)
	}

	entry, runLen, err := dec.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}
	if runLen <= 0 {
		t.Fatalf("runLen = %d, want > 0", runLen)
	}

	ts := stream.NewTranslationStream(dec, nil)
	out := make([]byte, sectorSize)
	if _, err := ts.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestOpenExtentHostedSparseUnallocatedGrainReadsZero(t *testing.T) {
	raw := buildHostedSparseImage(t, bytes.Repeat([]byte{0xCD}, sectorSize))
	src := bytesource.NewMemorySource(raw)

	dec, err := OpenExtent(src, "", Options{})
	if err != nil {
		t.Fatalf("OpenExtent failed: %v", err)
	}

	ts := stream.NewTranslationStream(dec, nil)
	out := make([]byte, sectorSize)
	if _, err := ts.ReadAt(out, sectorSize); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 (unallocated grain)", i, b)
		}
	}
}

func TestOpenExtentRejectsUnrecognizedMagic(t *testing.T) {
	raw := make([]byte, sectorSize)
	if _, err := OpenExtent(bytesource.NewMemorySource(raw), "", Options{}); err == nil {
		t.Fatalf("expected error opening extent with unrecognized magic")
	}
}

// buildSESparseImage assembles a synthetic SESparse extent: a const header,
// a one-entry grain directory pointing (via the marker-tagged indirection
// scheme) at a single grain table, whose first entry is tagged allocated and
// resolves to a data grain holding pattern.
func buildSESparseImage(t *testing.T, pattern []byte) []byte {
	t.Helper()

	const (
		grainSizeSectors     = 1
		grainDirSizeSectors  = 1 // -> grainDirEntries = 512*1/8 = 64
		grainTableSizeSector = 1 // -> grainTabEntries = 512*1/8 = 64
		grainDirOffsetSector = 1
		grainTablesOffset    = 2 // sector base for indirect table addressing
		grainsOffsetSector   = 10
		capacitySectors      = 64
	)

	buf := make([]byte, sectorSize*16)

	putLE64(buf, 0, sesparseMagic)
	putLE64(buf, 8, 1) // version
	putLE64(buf, 16, capacitySectors)
	putLE64(buf, 24, grainSizeSectors)
	putLE64(buf, 32, grainTableSizeSector)
	putLE64(buf, 128, grainDirOffsetSector)
	putLE64(buf, 136, grainDirSizeSectors)
	putLE64(buf, 144, grainTablesOffset)
	putLE64(buf, 192, grainsOffsetSector)

	// grain directory entry 0: marker-tagged pointer to table index 0.
	gdOff := sectorSize * grainDirOffsetSector
	putLE64(buf, gdOff, seGrainTableMarker|0)

	// grain table 0 at grainTablesOffset (table index 0): entry 0 allocated,
	// reconstructing to sector grainsOffsetSector via hi12/lo48 encoding.
	gtOff := sectorSize * grainTablesOffset
	var clusterSector uint64 = 0 // grains_offset + 0*grain_size == grains_offset
	hi12 := (clusterSector >> 48) & 0xfff
	lo48 := clusterSector & 0xffffffffffff
	entry := seTagAllocated<<60 | hi12<<48 | lo48
	putLE64(buf, gtOff, entry)

	if len(pattern) > sectorSize {
		t.Fatalf("pattern too large for one grain")
	}
	copy(buf[sectorSize*grainsOffsetSector:], pattern)

	return buf
}

func TestOpenExtentSESparseAllocatedGrain(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xEF}, sectorSize)
	raw := buildSESparseImage(t, pattern)
	src := bytesource.NewMemorySource(raw)

	dec, err := OpenExtent(src, "", Options{})
	if err != nil {
		t.Fatalf("OpenExtent failed: %v", err)
	}

	entry, _, err := dec.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}

	ts := stream.NewTranslationStream(dec, nil)
	out := make([]byte, sectorSize)
	if _, err := ts.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestOpenExtentSESparseUnallocatedGrainReadsAbsent(t *testing.T) {
	raw := buildSESparseImage(t, bytes.Repeat([]byte{0x11}, sectorSize))
	src := bytesource.NewMemorySource(raw)

	dec, err := OpenExtent(src, "", Options{})
	if err != nil {
		t.Fatalf("OpenExtent failed: %v", err)
	}

	// grain index 1 falls in the same grain table (64 entries/table) at an
	// entry that was never written, so it stays zeroed: tag 0 (unallocated).
	entry, _, err := dec.Locate(sectorSize)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if entry.Kind != stream.KindAbsent {
		t.Fatalf("Locate Kind = %v, want KindAbsent", entry.Kind)
	}
}
