package qcow2

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseHeaderValidMinimal(t *testing.T) {
	buf := new(bytes.Buffer)

	h := header{
		Magic:           qcow2Magic,
		Version:         3,
		ClusterBits:     9, // 512
		Size:            1024,
		CryptMethod:     0,
		L1Size:          0,
		HeaderLength:    112,
		CompressionType: 0,
	}

	if err := binary.Write(buf, binary.BigEndian, &h); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}

	// header extensions terminator
	if err := binary.Write(buf, binary.BigEndian, uint32(0)); err != nil {
		t.Fatalf("failed to write extension terminator: %v", err)
	}

	parsed, exts, err := parseHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parseHeader failed: %v", err)
	}
	if parsed.Magic != qcow2Magic {
		t.Fatalf("unexpected magic")
	}
	if len(exts) != 0 {
		t.Fatalf("expected no extensions")
	}
}

func TestParseHeaderInvalidMagic(t *testing.T) {
	buf := new(bytes.Buffer)

	h := header{
		Magic:   0xdeadbeef,
		Version: 3,
	}

	_ = binary.Write(buf, binary.BigEndian, &h)

	_, _, err := parseHeader(bytes.NewReader(buf.Bytes()))
	if err == nil {
		t.Fatalf("expected error for invalid magic")
	}
}

func TestParseHeaderUnsupportedVersion(t *testing.T) {
	buf := new(bytes.Buffer)

	h := header{
		Magic:   qcow2Magic,
		Version: 4,
	}

	_ = binary.Write(buf, binary.BigEndian, &h)

	_, _, err := parseHeader(bytes.NewReader(buf.Bytes()))
	if err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestBitRangeMask(t *testing.T) {
	tests := []struct {
		start uint64
		end   uint64
		want  uint64
	}{
		{0, 0, 0x1},
		{0, 3, 0xF},
		{4, 7, 0xF0},
		{9, 55, ((uint64(1) << (55 - 9 + 1)) - 1) << 9},
	}

	for _, tt := range tests {
		got := BitRangeMask(tt.start, tt.end)
		if got != tt.want {
			t.Fatalf("BitRangeMask(%d,%d) = 0x%x, want 0x%x",
				tt.start, tt.end, got, tt.want)
		}
	}
}

func TestBitRangeMaskInvalidPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for invalid bit range")
		}
	}()
	BitRangeMask(10, 5)
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n     uint64
		align uint64
		want  uint64
	}{
		{0, 512, 0},
		{1, 512, 512},
		{512, 512, 512},
		{513, 512, 1024},
		{1023, 512, 1024},
	}

	for _, tt := range tests {
		got := alignUp(tt.n, tt.align)
		if got != tt.want {
			t.Fatalf("alignUp(%d,%d)=%d want %d",
				tt.n, tt.align, got, tt.want)
		}
	}
}

func TestSubclustersPerCluster(t *testing.T) {
	plain := &header{IncompatibleFeatures: 0}
	if got := subclustersPerCluster(plain); got != 1 {
		t.Fatalf("subclustersPerCluster(plain) = %d, want 1", got)
	}
	extL2 := &header{IncompatibleFeatures: incompatExtL2}
	if got := subclustersPerCluster(extL2); got != 32 {
		t.Fatalf("subclustersPerCluster(extL2) = %d, want 32", got)
	}
}

func TestL2EntrySize(t *testing.T) {
	plain := &header{IncompatibleFeatures: 0}
	if got := l2EntrySize(plain); got != 8 {
		t.Fatalf("l2EntrySize(plain) = %d, want 8", got)
	}
	extL2 := &header{IncompatibleFeatures: incompatExtL2}
	if got := l2EntrySize(extL2); got != 16 {
		t.Fatalf("l2EntrySize(extL2) = %d, want 16", got)
	}
}

func TestReadSnapshotTableEmpty(t *testing.T) {
	h := &header{NbSnapshots: 0, SnapshotsOffset: 0}
	snaps, err := readSnapshotTable(h, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("readSnapshotTable failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshots, got %d", len(snaps))
	}
}
