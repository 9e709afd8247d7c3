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

package vdi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fox-it/go-hypervisor/diskimage/bytesource"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

// buildDynamicImage assembles a synthetic dynamic VDI image: the fixed
// header, a block map with one allocated block, one sparse block, and one
// unallocated block, followed by the allocated block's data.
func buildDynamicImage(t *testing.T, pattern []byte) []byte {
	t.Helper()

	const (
		blockSize   = 512
		blocksTotal = 3
		bmapOffset  = 0x200
		dataOffset  = 0x400
	)
	if len(pattern) > blockSize {
		t.Fatalf("pattern too large for one block")
	}

	h := header{
		Signature:     signature,
		ImageType:     imageDynamic,
		OffsetBmap:    bmapOffset,
		OffsetData:    dataOffset,
		SectorSize:    512,
		DiskSize:      blockSize * blocksTotal,
		BlockSize:     blockSize,
		BlocksInImage: blocksTotal,
	}
	hbuf := new(bytes.Buffer)
	if err := binary.Write(hbuf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}

	buf := make([]byte, dataOffset+blockSize)
	copy(buf, hbuf.Bytes())

	blocks := []int32{0, blockSparse, blockUnallocated}
	bmapBuf := new(bytes.Buffer)
	if err := binary.Write(bmapBuf, binary.LittleEndian, blocks); err != nil {
		t.Fatalf("failed to write block map: %v", err)
	}
	copy(buf[bmapOffset:], bmapBuf.Bytes())

	copy(buf[dataOffset:], pattern)

	return buf
}

func TestOpenDynamicAllocatedBlock(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xAB}, 512)
	raw := buildDynamicImage(t, pattern)
	src := bytesource.NewMemorySource(raw)

	img, err := Open(src, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	if img.Size() != 512*3 {
		t.Fatalf("Size() = %d, want %d", img.Size(), 512*3)
	}
	if img.Align() != 512 {
		t.Fatalf("Align() = %d, want 512", img.Align())
	}

	entry, _, err := img.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0) failed: %v", err)
	}
	if entry.Kind != stream.KindRaw {
		t.Fatalf("Locate(0) Kind = %v, want KindRaw", entry.Kind)
	}

	out := make([]byte, 512)
	if _, err := img.Stream().ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(out, pattern) {
		t.Fatalf("ReadAt returned unexpected data")
	}
}

func TestOpenDynamicSparseBlockReadsZero(t *testing.T) {
	raw := buildDynamicImage(t, bytes.Repeat([]byte{0xCD}, 512))
	img, err := Open(bytesource.NewMemorySource(raw), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(512)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if entry.Kind != stream.KindZero {
		t.Fatalf("Locate Kind = %v, want KindZero", entry.Kind)
	}

	out := make([]byte, 512)
	if _, err := img.Stream().ReadAt(out, 512); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 (sparse block)", i, b)
		}
	}
}

func TestOpenDynamicUnallocatedBlockWithoutParentReadsZero(t *testing.T) {
	raw := buildDynamicImage(t, bytes.Repeat([]byte{0xEF}, 512))
	img, err := Open(bytesource.NewMemorySource(raw), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	entry, _, err := img.Locate(1024)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if entry.Kind != stream.KindAbsent {
		t.Fatalf("Locate Kind = %v, want KindAbsent", entry.Kind)
	}

	out := make([]byte, 512)
	if _, err := img.Stream().ReadAt(out, 1024); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 (unallocated block, no parent)", i, b)
		}
	}
}

func TestOpenRejectsBadSignature(t *testing.T) {
	raw := buildDynamicImage(t, make([]byte, 512))
	raw[0x40] = 0x00 // corrupt signature field

	if _, err := Open(bytesource.NewMemorySource(raw), Options{}); err == nil {
		t.Fatalf("expected error opening image with bad signature")
	}
}
