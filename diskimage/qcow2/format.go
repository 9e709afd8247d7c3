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
	"encoding/binary"
	"io"

	"github.com/fox-it/go-hypervisor/diskimage/herr"
)

const (
	// qcow2Magic is 'QFI\xfb'.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = 0x514649fb
	sectorSize = 512

	incompatDataFile   = 1 << 2
	incompatCompressed = 1 << 3 // COMPRESSION_TYPE flag byte present/honored
	incompatExtL2      = 1 << 4

	snapshotTableEntrySize = 8 /*l1_table_offset*/ + 4 /*l1_size*/ + 2 /*id_str_size*/ + 2 /*name_size*/ +
		4 /*date_sec*/ + 4 /*date_nsec*/ + 8 /*vm_clock_nsec*/ + 4 /*vm_state_size*/ +
		4 /*extra_data_size*/ + 4 /*icount_padding*/
)

// header matches qcow2.h's QcowHeader layout exactly. The struct is read
// directly from on-disk bytes using binary.Read, so field order, sizes,
// and alignment must not change.
// Reference: https://github.com/qemu/qemu/blob/master/block/qcow2.h#L154
type header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  uint64
	CompatibleFeatures    uint64
	AutoclearFeatures     uint64
	RefcountOrder         uint32
	HeaderLength          uint32
	CompressionType       uint8
	_                     [7]uint8
}

// headerExtension is one QCOW2 header extension TLV.
type headerExtension struct {
	Type   uint32
	Length uint32
	Data   []byte
}

func parseHeader(reader io.ReadSeeker) (*header, []headerExtension, error) {
	var h header
	if err := binary.Read(reader, binary.BigEndian, &h); err != nil {
		return nil, nil, herr.Wrap(herr.InvalidHeader, err, "read qcow2 header")
	}
	if h.Magic != qcow2Magic {
		return nil, nil, herr.New(herr.InvalidSignature, "invalid qcow2 magic 0x%x", h.Magic)
	}
	if h.Version < 2 || h.Version > 3 {
		return nil, nil, herr.New(herr.Unsupported, "unsupported qcow2 version %d", h.Version)
	}
	if h.ClusterBits < 9 || h.ClusterBits > 21 {
		return nil, nil, herr.New(herr.InvalidHeader, "cluster_bits %d out of range [9,21]", h.ClusterBits)
	}
	if h.CryptMethod != 0 {
		return nil, nil, herr.New(herr.Unsupported, "encrypted qcow2 images are not supported")
	}
	if h.IncompatibleFeatures&incompatDataFile != 0 {
		return nil, nil, herr.New(herr.Unsupported, "external data file not supported")
	}
	if h.Version == 2 {
		h.CompressionType = 0
	} else if h.CompressionType > 1 {
		return nil, nil, herr.New(herr.Unsupported, "unsupported compression_type %d", h.CompressionType)
	}

	if h.Version >= 3 && h.HeaderLength > 112 {
		if _, err := reader.Seek(int64(h.HeaderLength), io.SeekStart); err != nil {
			return nil, nil, herr.Wrap(herr.Io, err, "seek to header extensions")
		}
	}

	var extensions []headerExtension
	for {
		var ext headerExtension
		if err := binary.Read(reader, binary.BigEndian, &ext.Type); err != nil {
			return nil, nil, herr.Wrap(herr.InvalidHeader, err, "read extension type")
		}
		if ext.Type == 0 {
			break
		}
		if err := binary.Read(reader, binary.BigEndian, &ext.Length); err != nil {
			return nil, nil, herr.Wrap(herr.InvalidHeader, err, "read extension length")
		}
		ext.Data = make([]byte, ext.Length)
		if _, err := io.ReadFull(reader, ext.Data); err != nil {
			return nil, nil, herr.Wrap(herr.InvalidHeader, err, "read extension data")
		}
		if pad := (8 - (ext.Length % 8)) % 8; pad > 0 {
			if _, err := io.ReadFull(reader, make([]byte, pad)); err != nil {
				return nil, nil, herr.Wrap(herr.InvalidHeader, err, "read extension padding")
			}
		}
		extensions = append(extensions, ext)
	}

	return &h, extensions, nil
}

// subclustersPerCluster returns 32 if the extended-L2 incompatible feature
// bit is set, 1 otherwise (spec §4.2.1).
func subclustersPerCluster(h *header) uint64 {
	if h.IncompatibleFeatures&incompatExtL2 != 0 {
		return 32
	}
	return 1
}

func l2EntrySize(h *header) uint64 {
	if subclustersPerCluster(h) > 1 {
		return 16
	}
	return 8
}

// maxL1Entries bounds the allocation readL1Table performs on the strength of
// an untrusted header field alone. 2^31 entries (a 16 GiB table) already
// address 64 TiB at the smallest cluster size and an exabyte at the default
// 64 KiB clusters; anything claiming more is corrupt, not merely large.
const maxL1Entries = 1 << 31

func readL1Table(header *header, reader io.ReaderAt, l1Offset uint64, l1Size uint32) ([]uint64, error) {
	if l1Size > maxL1Entries {
		return nil, herr.New(herr.InvalidHeader, "L1 table size %d exceeds sanity limit", l1Size)
	}
	l1Table := make([]uint64, l1Size)
	buf := make([]byte, int64(l1Size)*8)
	if _, err := reader.ReadAt(buf, int64(l1Offset)); err != nil {
		return nil, herr.Wrap(herr.Io, err, "read L1 table")
	}
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, l1Table); err != nil {
		return nil, herr.Wrap(herr.InvalidHeader, err, "parse L1 table")
	}
	return l1Table, nil
}

// l2Entry is one QCOW2 L2 slot: the 64-bit offset/flags word, and (for
// extended-L2 images) the paired subcluster bitmap word.
type l2Entry struct {
	Offset  uint64
	Bitmap  uint64 // only meaningful when extended
	HasBmap bool
}

func readL2Table(l1Entry uint64, header *header, reader io.ReaderAt) ([]l2Entry, error) {
	if l1Entry == 0 {
		return nil, nil
	}
	l2Offset := l1Entry & BitRangeMask(9, 55)
	if l2Offset == 0 {
		return nil, nil
	}
	clusterSize := uint64(1) << header.ClusterBits
	entrySize := l2EntrySize(header)
	l2Size := clusterSize / entrySize

	buf := make([]byte, clusterSize)
	if _, err := reader.ReadAt(buf, int64(l2Offset)); err != nil {
		return nil, herr.Wrap(herr.Io, err, "read L2 table at offset %#x", l2Offset)
	}

	entries := make([]l2Entry, l2Size)
	extended := entrySize == 16
	for i := range entries {
		off := uint64(i) * entrySize
		entries[i].Offset = binary.BigEndian.Uint64(buf[off : off+8])
		if extended {
			entries[i].Bitmap = binary.BigEndian.Uint64(buf[off+8 : off+16])
			entries[i].HasBmap = true
		}
	}
	return entries, nil
}

// BitRangeMask creates a mask covering bits [start, end] inclusive.
func BitRangeMask(start, end uint64) uint64 {
	if start > 63 || end > 63 || start > end {
		panic("invalid bit range, must satisfy 0 <= start <= end <= 63")
	}
	width := end - start + 1
	return ((uint64(1) << width) - 1) << start
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// snapshotHeader is the fixed-size prefix of a QCOW2 snapshot table entry;
// variable-length id/name/extra-data trail it.
type snapshotHeader struct {
	L1TableOffset uint64
	L1Size        uint32
	IDStrSize     uint16
	NameSize      uint16
	DateSec       uint32
	DateNsec      uint32
	VMClockNsec   uint64
	VMStateSize   uint32
	ExtraDataSize uint32
}

// Snapshot is one entry of a QCOW2 internal snapshot table.
type Snapshot struct {
	ID            string
	Name          string
	L1TableOffset uint64
	L1Size        uint32
}

func readSnapshotTable(h *header, reader io.ReaderAt) ([]Snapshot, error) {
	if h.NbSnapshots == 0 {
		return nil, nil
	}
	// Snapshot table entries are variable length and padded to 8 bytes;
	// read sequentially via a small cursor over a ReaderAt.
	off := int64(h.SnapshotsOffset)
	snaps := make([]Snapshot, 0, h.NbSnapshots)
	for i := uint32(0); i < h.NbSnapshots; i++ {
		var sh snapshotHeader
		hdrBuf := make([]byte, 8+4+2+2+4+4+8+4+4)
		if _, err := reader.ReadAt(hdrBuf, off); err != nil {
			return nil, herr.Wrap(herr.InvalidHeader, err, "read snapshot table entry %d", i)
		}
		if err := binary.Read(bytes.NewReader(hdrBuf), binary.BigEndian, &sh); err != nil {
			return nil, herr.Wrap(herr.InvalidHeader, err, "parse snapshot table entry %d", i)
		}
		off += int64(len(hdrBuf))

		// extra_data trails the fixed header and precedes id_str/name; any
		// fields beyond vm_state_size/vm_clock_nsec that a newer format
		// version defines there are simply skipped.
		off += int64(sh.ExtraDataSize)

		idBuf := make([]byte, sh.IDStrSize)
		if _, err := reader.ReadAt(idBuf, off); err != nil {
			return nil, herr.Wrap(herr.InvalidHeader, err, "read snapshot id %d", i)
		}
		off += int64(sh.IDStrSize)

		nameBuf := make([]byte, sh.NameSize)
		if _, err := reader.ReadAt(nameBuf, off); err != nil {
			return nil, herr.Wrap(herr.InvalidHeader, err, "read snapshot name %d", i)
		}
		off += int64(sh.NameSize)

		total := int64(len(hdrBuf)) + int64(sh.ExtraDataSize) + int64(sh.IDStrSize) + int64(sh.NameSize)
		if pad := (8 - (total % 8)) % 8; pad > 0 {
			off += pad
		}

		snaps = append(snaps, Snapshot{
			ID:            string(idBuf),
			Name:          string(nameBuf),
			L1TableOffset: sh.L1TableOffset,
			L1Size:        sh.L1Size,
		})
	}
	return snaps, nil
}
